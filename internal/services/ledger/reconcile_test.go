package ledger

import (
	"context"
	"testing"

	"github.com/grantscope/creditmeter/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileConsistent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grant(t, svc, "acct-1", 10)
	for range 3 {
		_, err := svc.ApplyDelta(ctx, models.ApplyDeltaParams{
			AccountID: "acct-1",
			Amount:    -1,
			Type:      models.TransactionSearchUsed,
		})
		require.NoError(t, err)
	}

	report, err := svc.Reconcile(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(7), report.CachedBalance)
	assert.Equal(t, int64(7), report.LedgerSum)
	assert.Equal(t, int64(4), report.EntryCount)
	assert.Empty(t, report.ChainBrokenAt)
}

func TestReconcileDetectsCacheDrift(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grant(t, svc, "acct-1", 10)

	// Corrupt the cache behind the ledger's back.
	require.NoError(t, svc.db.Model(&models.AccountBalance{}).
		Where("account_id = ?", "acct-1").
		Update("total_credits", 999).Error)

	report, err := svc.Reconcile(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, int64(999), report.CachedBalance)
	assert.Equal(t, int64(10), report.LedgerSum)
}

func TestReconcileDetectsBrokenChain(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grant(t, svc, "acct-1", 10)

	// An entry whose balance_after contradicts the running sum.
	bad := models.LedgerEntry{
		ID:           "bad-entry",
		AccountID:    "acct-1",
		Type:         models.TransactionSearchUsed,
		Amount:       -1,
		BalanceAfter: 42,
	}
	require.NoError(t, svc.db.Create(&bad).Error)

	report, err := svc.Reconcile(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, "bad-entry", report.ChainBrokenAt)
}

func TestReconcileUnknownAccount(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Reconcile(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, models.IsErrorType(err, models.ErrorTypeUnknownAccount))
}
