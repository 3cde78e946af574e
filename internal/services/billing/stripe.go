package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/grantscope/creditmeter/internal/models"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/webhook"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StripeService struct {
	secretKey     string
	webhookSecret string
	db            *gorm.DB
	gateway       *Gateway
	successURL    string
	cancelURL     string
}

func NewStripeService(cfg models.StripeConfig, db *gorm.DB, gateway *Gateway, successURL, cancelURL string) *StripeService {
	stripe.Key = cfg.SecretKey

	return &StripeService{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		db:            db,
		gateway:       gateway,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

// HandleWebhook verifies a provider-signed payload and hands the event to
// the gateway. Unverifiable or unparsable payloads are rejected here and
// never stored; they are not retryable.
func (s *StripeService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return models.NewMalformedPayloadError("failed to verify webhook signature", err)
	}

	return s.gateway.ProcessEvent(ctx, event)
}

// CheckoutParams describes a checkout session request for an account.
type CheckoutParams struct {
	AccountID     string
	StripePriceID string
	CustomerEmail string
}

// CreatePackageCheckout creates a one-time payment checkout session for a
// credit package. The account id and price id ride in the session metadata
// so the completion webhook can credit the ledger without further lookups.
func (s *StripeService) CreatePackageCheckout(ctx context.Context, params CheckoutParams, pkg *models.CreditPackage) (*stripe.CheckoutSession, error) {
	customerID, err := s.ensureCustomer(ctx, params.AccountID, params.CustomerEmail)
	if err != nil {
		return nil, err
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(pkg.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		Metadata: map[string]string{
			"account_id": params.AccountID,
			"price_id":   pkg.StripePriceID,
		},
	}

	sess, err := session.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return sess, nil
}

// CreateSubscriptionCheckout creates a subscription checkout session for a
// plan. The subscription metadata carries the account id so invoice events
// resolve even before a PaymentIdentity row exists.
func (s *StripeService) CreateSubscriptionCheckout(ctx context.Context, params CheckoutParams, plan *models.Plan) (*stripe.CheckoutSession, error) {
	customerID, err := s.ensureCustomer(ctx, params.AccountID, params.CustomerEmail)
	if err != nil {
		return nil, err
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		Metadata: map[string]string{
			"account_id": params.AccountID,
			"price_id":   plan.StripePriceID,
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"account_id": params.AccountID,
			},
		},
	}

	sess, err := session.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return sess, nil
}

// ensureCustomer returns the Stripe customer for an account, creating the
// customer and the PaymentIdentity mapping on first purchase.
func (s *StripeService) ensureCustomer(ctx context.Context, accountID, email string) (string, error) {
	var identity models.PaymentIdentity
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&identity).Error
	if err == nil {
		return identity.StripeCustomerID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("failed to get payment identity: %w", err)
	}

	customerParams := &stripe.CustomerParams{
		Metadata: map[string]string{
			"account_id": accountID,
		},
	}
	if email != "" {
		customerParams.Email = stripe.String(email)
	}

	cust, err := customer.New(customerParams)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}

	identity = models.PaymentIdentity{
		AccountID:        accountID,
		StripeCustomerID: cust.ID,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&identity).Error; err != nil {
		return "", fmt.Errorf("failed to create payment identity: %w", err)
	}

	// A concurrent call may have won the insert; read back the mapping that
	// actually landed.
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&identity).Error; err != nil {
		return "", fmt.Errorf("failed to get payment identity: %w", err)
	}

	return identity.StripeCustomerID, nil
}
