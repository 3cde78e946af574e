package api

import (
	"github.com/grantscope/creditmeter/internal/models"
	"github.com/grantscope/creditmeter/internal/services/billing"
	"github.com/grantscope/creditmeter/internal/utils"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

type StripeHandler struct {
	stripeService *billing.StripeService
}

func NewStripeHandler(stripeService *billing.StripeService) *StripeHandler {
	return &StripeHandler{
		stripeService: stripeService,
	}
}

// HandleWebhook receives provider-signed payment events. Always responds
// 200 for applied and duplicate events; failed events are recorded for the
// retry sweep, and a non-2xx tells the provider to redeliver.
func (h *StripeHandler) HandleWebhook(c *fiber.Ctx) error {
	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing Stripe-Signature header",
		})
	}

	// Copy the body out of fiber's request buffer; processing may outlive
	// the handler's view of it.
	buf := utils.Get()
	defer utils.Put(buf)
	if _, err := buf.Write(c.Body()); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read request body",
		})
	}

	if err := h.stripeService.HandleWebhook(c.UserContext(), buf.Bytes(), signature); err != nil {
		if models.IsErrorType(err, models.ErrorTypeValidation) {
			// Unverifiable or malformed: reject permanently, no retry.
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid webhook payload",
			})
		}

		fiberlog.Errorf("Failed to process webhook: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process webhook",
		})
	}

	return c.JSON(fiber.Map{
		"received": true,
	})
}
