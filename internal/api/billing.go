package api

import (
	"github.com/grantscope/creditmeter/internal/services/billing"

	"github.com/gofiber/fiber/v2"
)

type BillingHandler struct {
	catalog       *billing.Catalog
	stripeService *billing.StripeService
}

func NewBillingHandler(catalog *billing.Catalog, stripeService *billing.StripeService) *BillingHandler {
	return &BillingHandler{
		catalog:       catalog,
		stripeService: stripeService,
	}
}

// GetPlans lists the active subscription plans.
func (h *BillingHandler) GetPlans(c *fiber.Ctx) error {
	plans, err := h.catalog.Plans(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"plans": plans})
}

// GetPackages lists the active one-time credit packages.
func (h *BillingHandler) GetPackages(c *fiber.Ctx) error {
	packages, err := h.catalog.Packages(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"packages": packages})
}

// CheckoutRequest represents the request body for creating a checkout session
type CheckoutRequest struct {
	AccountID     string `json:"account_id"`
	StripePriceID string `json:"stripe_price_id"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// CheckoutResponse represents the response for checkout session creation
type CheckoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CreatePackageCheckout creates a checkout session for a one-time package.
func (h *BillingHandler) CreatePackageCheckout(c *fiber.Ctx) error {
	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.AccountID == "" || req.StripePriceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id and stripe_price_id are required",
		})
	}

	pkg, err := h.catalog.PackageByPriceID(c.UserContext(), req.StripePriceID)
	if err != nil {
		return respondError(c, err)
	}

	sess, err := h.stripeService.CreatePackageCheckout(c.UserContext(), billing.CheckoutParams{
		AccountID:     req.AccountID,
		StripePriceID: req.StripePriceID,
		CustomerEmail: req.CustomerEmail,
	}, pkg)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create checkout session",
		})
	}

	return c.JSON(CheckoutResponse{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
	})
}

// CreateSubscriptionCheckout creates a checkout session for a plan.
func (h *BillingHandler) CreateSubscriptionCheckout(c *fiber.Ctx) error {
	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.AccountID == "" || req.StripePriceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id and stripe_price_id are required",
		})
	}

	plan, err := h.catalog.PlanByPriceID(c.UserContext(), req.StripePriceID)
	if err != nil {
		return respondError(c, err)
	}

	sess, err := h.stripeService.CreateSubscriptionCheckout(c.UserContext(), billing.CheckoutParams{
		AccountID:     req.AccountID,
		StripePriceID: req.StripePriceID,
		CustomerEmail: req.CustomerEmail,
	}, plan)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create checkout session",
		})
	}

	return c.JSON(CheckoutResponse{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
	})
}
