package billing

import (
	"context"
	"testing"
	"time"

	"github.com/grantscope/creditmeter/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepReplaysParkedEvent(t *testing.T) {
	f := newGatewayFixture(t, false)
	ctx := context.Background()

	// Park an event that fails because the catalog does not know the price.
	payload := `{"id": "cs_1", "mode": "payment", "metadata": {"account_id": "acct-1", "price_id": "price_late"}}`
	event := stripeEvent("evt_1", "checkout.session.completed", payload)
	require.Error(t, f.gateway.ProcessEvent(ctx, event))

	// Backdate the failure so the backoff window has elapsed.
	stale := time.Now().UTC().Add(-1 * time.Hour)
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).
		Where("event_id = ?", "evt_1").
		Update("last_attempt", &stale).Error)

	require.NoError(t, f.catalog.Seed(ctx, nil, []models.PackageSeed{
		{Name: "Late", Credits: 12, PriceCents: 1200, StripePriceID: "price_late"},
	}))

	worker := NewRetryWorker(f.gateway, time.Minute, 8)
	require.NoError(t, worker.Sweep(ctx))

	balance, err := f.ledger.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), balance.TotalCredits)

	row := f.webhookRow(t, "evt_1")
	assert.True(t, row.Processed)
}

func TestSweepSkipsPermanentFailures(t *testing.T) {
	f := newGatewayFixture(t, false)
	ctx := context.Background()

	// Malformed payload: parsing fails every time.
	event := stripeEvent("evt_1", "checkout.session.completed", `{not json`)
	require.Error(t, f.gateway.ProcessEvent(ctx, event))

	stale := time.Now().UTC().Add(-1 * time.Hour)
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).
		Where("event_id = ?", "evt_1").
		Update("last_attempt", &stale).Error)

	worker := NewRetryWorker(f.gateway, time.Minute, 8)
	require.NoError(t, worker.Sweep(ctx))

	row := f.webhookRow(t, "evt_1")
	assert.False(t, row.Processed)
	assert.Equal(t, 2, row.Attempts)
}

func TestSweepAgesOutExhaustedEvents(t *testing.T) {
	f := newGatewayFixture(t, false)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-24 * time.Hour)
	require.NoError(t, f.db.Create(&models.WebhookEvent{
		EventID:     "evt_old",
		EventType:   "checkout.session.completed",
		Payload:     `{}`,
		Attempts:    8,
		LastAttempt: &stale,
	}).Error)

	worker := NewRetryWorker(f.gateway, time.Minute, 8)
	require.NoError(t, worker.Sweep(ctx))

	// Still parked, untouched: operators resolve it by hand.
	row := f.webhookRow(t, "evt_old")
	assert.False(t, row.Processed)
	assert.Equal(t, 8, row.Attempts)
}
