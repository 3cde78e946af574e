package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grantscope/creditmeter/internal/models"
	"github.com/grantscope/creditmeter/internal/services/billing"
	"github.com/grantscope/creditmeter/internal/services/ledger"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWebhookSecret = "whsec_test_secret"

func newWebhookApp(t *testing.T) (*fiber.App, *ledger.Service) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	ledgerService := ledger.NewService(db)
	require.NoError(t, ledgerService.AutoMigrate())

	catalog := billing.NewCatalog(db)
	require.NoError(t, catalog.AutoMigrate())
	require.NoError(t, catalog.Seed(context.Background(), nil, []models.PackageSeed{
		{Name: "Top-up", Credits: 10, PriceCents: 1500, StripePriceID: "price_topup"},
	}))

	gateway := billing.NewGateway(db, ledgerService, catalog, false)
	require.NoError(t, gateway.AutoMigrate())

	stripeService := billing.NewStripeService(models.StripeConfig{
		WebhookSecret: testWebhookSecret,
	}, db, gateway, "https://example.org/ok", "https://example.org/cancel")

	handler := NewStripeHandler(stripeService)

	app := fiber.New()
	app.Post("/webhooks/stripe", handler.HandleWebhook)
	return app, ledgerService
}

func signPayload(payload []byte, secret string) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func checkoutEventPayload(eventID string) []byte {
	return fmt.Appendf(nil, `{
		"id": %q,
		"object": "event",
		"api_version": %q,
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_1",
				"mode": "payment",
				"metadata": {"account_id": "acct-1", "price_id": "price_topup"}
			}
		}
	}`, eventID, stripe.APIVersion)
}

func TestHandleWebhookAppliesSignedEvent(t *testing.T) {
	app, ledgerService := newWebhookApp(t)

	payload := checkoutEventPayload("evt_1")
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, testWebhookSecret))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	balance, err := ledgerService.GetBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.TotalCredits)
}

func TestHandleWebhookDuplicateDeliveryIsOK(t *testing.T) {
	app, ledgerService := newWebhookApp(t)

	payload := checkoutEventPayload("evt_1")
	for range 2 {
		req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", signPayload(payload, testWebhookSecret))
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	balance, err := ledgerService.GetBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.TotalCredits)
}

func TestHandleWebhookMissingSignature(t *testing.T) {
	app, _ := newWebhookApp(t)

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(checkoutEventPayload("evt_1")))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleWebhookBadSignature(t *testing.T) {
	app, ledgerService := newWebhookApp(t)

	payload := checkoutEventPayload("evt_1")
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, "whsec_wrong"))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Rejected before any persistence.
	_, err = ledgerService.GetBalance(context.Background(), "acct-1")
	assert.True(t, models.IsErrorType(err, models.ErrorTypeUnknownAccount))
}

func TestHandleWebhookFailedEventReturns500(t *testing.T) {
	app, _ := newWebhookApp(t)

	// Unknown account: parked, and the provider is told to redeliver.
	payload := fmt.Appendf(nil, `{
		"id": "evt_1",
		"object": "event",
		"api_version": %q,
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "mode": "payment", "metadata": {"price_id": "price_topup"}}}
	}`, stripe.APIVersion)
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, testWebhookSecret))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}
