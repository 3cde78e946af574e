package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/grantscope/creditmeter/internal/models"
	"github.com/grantscope/creditmeter/internal/services/ledger"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gateway turns verified payment-provider events into ledger mutations,
// applying each event at most once. The uniqueness constraint on the
// webhook event id is the idempotency boundary; the processed flag flips
// inside the same transaction as the ledger write so a crash between the
// two is impossible.
type Gateway struct {
	db            *gorm.DB
	ledger        *ledger.Service
	catalog       *Catalog
	allowWriteOff bool
}

func NewGateway(db *gorm.DB, ledgerService *ledger.Service, catalog *Catalog, allowWriteOff bool) *Gateway {
	return &Gateway{
		db:            db,
		ledger:        ledgerService,
		catalog:       catalog,
		allowWriteOff: allowWriteOff,
	}
}

// AutoMigrate runs database migrations for the gateway tables
func (g *Gateway) AutoMigrate() error {
	return g.db.AutoMigrate(
		&models.WebhookEvent{},
		&models.PaymentIdentity{},
		&models.Subscription{},
	)
}

// ProcessEvent records and applies one provider event. Duplicate deliveries
// of an already-applied event return nil without touching the ledger;
// redeliveries of a failed event retry it. Dedup happens on insert, before
// any mutation, so two concurrent deliveries of the same event cannot both
// pass a check-then-act read.
func (g *Gateway) ProcessEvent(ctx context.Context, event stripe.Event) error {
	record := models.WebhookEvent{
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   string(event.Data.Raw),
	}

	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if res.Error != nil {
		return fmt.Errorf("failed to record webhook event: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		var existing models.WebhookEvent
		if err := g.db.WithContext(ctx).
			Where("event_id = ?", event.ID).
			First(&existing).Error; err != nil {
			return fmt.Errorf("failed to load webhook event: %w", err)
		}
		if existing.Processed {
			fiberlog.Debugf("Duplicate delivery of event %s, already applied", event.ID)
			return nil
		}
		// Unprocessed redelivery: fall through and retry.
	}

	var accountID string
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		claim := tx.Model(&models.WebhookEvent{}).
			Where("event_id = ? AND processed = ?", event.ID, false).
			Updates(map[string]any{
				"processed":     true,
				"processed_at":  &now,
				"error_message": "",
				"attempts":      gorm.Expr("attempts + 1"),
				"last_attempt":  &now,
			})
		if claim.Error != nil {
			return fmt.Errorf("failed to claim webhook event: %w", claim.Error)
		}
		if claim.RowsAffected == 0 {
			// A concurrent delivery won the claim and committed.
			return nil
		}

		var err error
		accountID, err = g.dispatch(ctx, tx, event)
		if err != nil {
			return err
		}

		if accountID != "" {
			if err := tx.Model(&models.WebhookEvent{}).
				Where("event_id = ?", event.ID).
				Update("account_id", accountID).Error; err != nil {
				return fmt.Errorf("failed to resolve event account: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		g.recordFailure(ctx, event.ID, err)
		return err
	}

	return nil
}

// recordFailure leaves the event parked (processed=false) with the error
// visible to operators, eligible for the retry sweep.
func (g *Gateway) recordFailure(ctx context.Context, eventID string, cause error) {
	now := time.Now().UTC()
	if err := g.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"error_message": cause.Error(),
			"attempts":      gorm.Expr("attempts + 1"),
			"last_attempt":  &now,
		}).Error; err != nil {
		fiberlog.Errorf("Failed to record webhook failure for %s: %v", eventID, err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, tx *gorm.DB, event stripe.Event) (string, error) {
	switch event.Type {
	case "checkout.session.completed":
		return g.handleCheckoutCompleted(ctx, tx, event)
	case "invoice.payment_succeeded":
		return g.handleInvoicePaid(ctx, tx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return g.handleSubscriptionChanged(ctx, tx, event)
	case "customer.subscription.deleted":
		return g.handleSubscriptionDeleted(tx, event)
	case "charge.refunded":
		return g.handleChargeRefunded(ctx, tx, event)
	default:
		// Unrecognized types are acknowledged and kept for audit only.
		fiberlog.Debugf("Ignoring event %s of type %s", event.ID, event.Type)
		return "", nil
	}
}

// handleCheckoutCompleted credits a one-time package purchase. Subscription
// checkouts only bind the customer identity here; the grant arrives with the
// first paid invoice.
func (g *Gateway) handleCheckoutCompleted(ctx context.Context, tx *gorm.DB, event stripe.Event) (string, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return "", models.NewMalformedPayloadError("failed to parse checkout session", err)
	}

	accountID := sess.Metadata["account_id"]
	if accountID == "" {
		return "", models.NewUnknownAccountError("")
	}

	if sess.Customer != nil {
		if err := g.ensureIdentity(tx, accountID, sess.Customer.ID); err != nil {
			return "", err
		}
	}

	if sess.Mode == stripe.CheckoutSessionModeSubscription {
		return accountID, nil
	}

	priceID := sess.Metadata["price_id"]
	if priceID == "" {
		return "", models.NewMalformedPayloadError("checkout session metadata missing price_id", nil)
	}
	pkg, err := g.catalog.WithTx(tx).PackageByPriceID(ctx, priceID)
	if err != nil {
		return "", err
	}

	_, err = g.ledger.ApplyDeltaIn(tx, models.ApplyDeltaParams{
		AccountID:     accountID,
		Amount:        pkg.Credits,
		Type:          models.TransactionPackagePurchased,
		ReferenceType: "webhook_event",
		ReferenceID:   event.ID,
		Description:   fmt.Sprintf("purchase of %s (%d credits)", pkg.Name, pkg.Credits),
	})
	if err != nil {
		return "", err
	}

	return accountID, nil
}

// handleInvoicePaid syncs the subscription row and grants the plan's
// monthly allotment when the invoice opens a new billing period. A repeated
// invoice for an already-recorded period syncs state without granting.
func (g *Gateway) handleInvoicePaid(ctx context.Context, tx *gorm.DB, event stripe.Event) (string, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return "", models.NewMalformedPayloadError("failed to parse invoice", err)
	}

	if inv.Subscription == nil || inv.Subscription.ID == "" {
		// One-off invoice, nothing to meter.
		return "", nil
	}
	subID := inv.Subscription.ID

	periodStart, periodEnd, priceID := invoicePeriod(&inv)
	if periodStart.IsZero() || periodEnd.IsZero() {
		return "", models.NewMalformedPayloadError("invoice has no line period", nil)
	}

	var existing models.Subscription
	err := tx.Where("stripe_subscription_id = ?", subID).First(&existing).Error
	haveRow := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}

	accountID, err := g.resolveInvoiceAccount(tx, &inv, &existing, haveRow)
	if err != nil {
		return "", err
	}

	plan, err := g.resolveInvoicePlan(ctx, tx, priceID, &existing, haveRow)
	if err != nil {
		return "", err
	}

	newPeriod := !haveRow || existing.LastGrantedPeriodStart == nil ||
		periodStart.After(*existing.LastGrantedPeriodStart)

	sub := models.Subscription{
		AccountID:            accountID,
		PlanID:               plan.ID,
		StripeSubscriptionID: subID,
		Status:               models.SubscriptionActive,
		PeriodStart:          periodStart,
		PeriodEnd:            periodEnd,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_id", "plan_id", "status", "period_start", "period_end"}),
	}).Create(&sub).Error; err != nil {
		return "", fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if inv.Customer != nil {
		if err := g.ensureIdentity(tx, accountID, inv.Customer.ID); err != nil {
			return "", err
		}
	}

	if !newPeriod {
		return accountID, nil
	}

	_, err = g.ledger.ApplyDeltaIn(tx, models.ApplyDeltaParams{
		AccountID:     accountID,
		Amount:        plan.MonthlyCredits,
		Type:          models.TransactionMonthlyGrant,
		ReferenceType: "webhook_event",
		ReferenceID:   event.ID,
		Description:   fmt.Sprintf("monthly allotment for plan %s", plan.Name),
	})
	if err != nil {
		return "", err
	}

	if err := tx.Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", subID).
		Update("last_granted_period_start", &periodStart).Error; err != nil {
		return "", fmt.Errorf("failed to record granted period: %w", err)
	}

	// New period: zero the monthly counter and anchor the next reset to the
	// period end. The balance row is already locked by ApplyDeltaIn.
	if err := tx.Model(&models.AccountBalance{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"monthly_credits_used": 0,
			"monthly_reset_date":   &periodEnd,
		}).Error; err != nil {
		return "", fmt.Errorf("failed to advance billing period: %w", err)
	}

	return accountID, nil
}

func (g *Gateway) handleSubscriptionChanged(ctx context.Context, tx *gorm.DB, event stripe.Event) (string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return "", models.NewMalformedPayloadError("failed to parse subscription", err)
	}

	var existing models.Subscription
	err := tx.Where("stripe_subscription_id = ?", sub.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Created events can precede the first invoice; record the row so
		// later events resolve, but grant nothing here.
		return g.createSubscriptionRow(ctx, tx, &sub)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}

	updates := map[string]any{
		"status":               mapSubscriptionStatus(sub.Status),
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
	}
	if sub.CurrentPeriodStart > 0 {
		updates["period_start"] = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		updates["period_end"] = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}

	if err := tx.Model(&existing).Updates(updates).Error; err != nil {
		return "", fmt.Errorf("failed to update subscription: %w", err)
	}

	return existing.AccountID, nil
}

func (g *Gateway) handleSubscriptionDeleted(tx *gorm.DB, event stripe.Event) (string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return "", models.NewMalformedPayloadError("failed to parse subscription", err)
	}

	var existing models.Subscription
	err := tx.Where("stripe_subscription_id = ?", sub.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", models.NewSubscriptionNotFoundError(sub.ID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}

	// Kept for audit, never hard-deleted.
	if err := tx.Model(&existing).Updates(map[string]any{
		"status":               models.SubscriptionCanceled,
		"cancel_at_period_end": false,
	}).Error; err != nil {
		return "", fmt.Errorf("failed to cancel subscription: %w", err)
	}

	return existing.AccountID, nil
}

// handleChargeRefunded debits the credits the refunded charge originally
// bought. Partial refunds debit proportionally. Whether the debit may push
// the balance negative is the write-off policy decision.
func (g *Gateway) handleChargeRefunded(ctx context.Context, tx *gorm.DB, event stripe.Event) (string, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return "", models.NewMalformedPayloadError("failed to parse charge", err)
	}

	accountID := charge.Metadata["account_id"]
	if accountID == "" && charge.Customer != nil {
		var err error
		accountID, err = g.accountForCustomer(tx, charge.Customer.ID)
		if err != nil {
			return "", err
		}
	}
	if accountID == "" {
		return "", models.NewUnknownAccountError("")
	}

	if charge.AmountRefunded <= 0 || charge.Amount <= 0 {
		return "", models.NewMalformedPayloadError("refund charge has no refunded amount", nil)
	}

	pkg, err := g.catalog.WithTx(tx).PackageByPriceCents(ctx, charge.Amount)
	if err != nil {
		return "", err
	}
	credits := pkg.Credits * charge.AmountRefunded / charge.Amount
	if credits <= 0 {
		return "", nil
	}

	_, err = g.ledger.ApplyDeltaIn(tx, models.ApplyDeltaParams{
		AccountID:     accountID,
		Amount:        -credits,
		Type:          models.TransactionRefund,
		ReferenceType: "webhook_event",
		ReferenceID:   event.ID,
		Description:   fmt.Sprintf("refund of %s (%d credits)", pkg.Name, credits),
		AllowNegative: g.allowWriteOff,
	})
	if err != nil {
		return "", err
	}

	return accountID, nil
}

func (g *Gateway) createSubscriptionRow(ctx context.Context, tx *gorm.DB, sub *stripe.Subscription) (string, error) {
	accountID := sub.Metadata["account_id"]
	if accountID == "" && sub.Customer != nil {
		var err error
		accountID, err = g.accountForCustomer(tx, sub.Customer.ID)
		if err != nil {
			return "", err
		}
	}
	if accountID == "" {
		return "", models.NewUnknownAccountError("")
	}

	priceID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
	}
	plan, err := g.catalog.WithTx(tx).PlanByPriceID(ctx, priceID)
	if err != nil {
		return "", err
	}

	row := models.Subscription{
		AccountID:            accountID,
		PlanID:               plan.ID,
		StripeSubscriptionID: sub.ID,
		Status:               mapSubscriptionStatus(sub.Status),
		PeriodStart:          time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:            time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return "", fmt.Errorf("failed to create subscription: %w", err)
	}

	return accountID, nil
}

func (g *Gateway) resolveInvoiceAccount(tx *gorm.DB, inv *stripe.Invoice, existing *models.Subscription, haveRow bool) (string, error) {
	if haveRow {
		return existing.AccountID, nil
	}
	if inv.SubscriptionDetails != nil {
		if accountID := inv.SubscriptionDetails.Metadata["account_id"]; accountID != "" {
			return accountID, nil
		}
	}
	if inv.Customer != nil {
		return g.accountForCustomer(tx, inv.Customer.ID)
	}
	return "", models.NewUnknownAccountError("")
}

func (g *Gateway) resolveInvoicePlan(ctx context.Context, tx *gorm.DB, priceID string, existing *models.Subscription, haveRow bool) (*models.Plan, error) {
	if priceID != "" {
		return g.catalog.WithTx(tx).PlanByPriceID(ctx, priceID)
	}
	if haveRow {
		return g.catalog.WithTx(tx).PlanByID(ctx, existing.PlanID)
	}
	return nil, models.NewMalformedPayloadError("invoice has no plan price", nil)
}

// accountForCustomer maps a provider customer id back to an account through
// the PaymentIdentity table.
func (g *Gateway) accountForCustomer(tx *gorm.DB, customerID string) (string, error) {
	if customerID == "" {
		return "", models.NewUnknownAccountError("")
	}
	var identity models.PaymentIdentity
	err := tx.Where("stripe_customer_id = ?", customerID).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", models.NewUnknownAccountError(customerID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve payment identity: %w", err)
	}
	return identity.AccountID, nil
}

func (g *Gateway) ensureIdentity(tx *gorm.DB, accountID, customerID string) error {
	if customerID == "" {
		return nil
	}
	identity := models.PaymentIdentity{
		AccountID:        accountID,
		StripeCustomerID: customerID,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
		return fmt.Errorf("failed to ensure payment identity: %w", err)
	}
	return nil
}

// UnprocessedEvents returns parked events due for another attempt, oldest
// first. The backoff horizon doubles with each attempt.
func (g *Gateway) UnprocessedEvents(ctx context.Context, maxAttempts int, baseBackoff time.Duration, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := g.db.WithContext(ctx).
		Where("processed = ? AND attempts < ?", false, maxAttempts).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}

	now := time.Now().UTC()
	due := events[:0]
	for _, e := range events {
		if e.LastAttempt == nil || !now.Before(e.LastAttempt.Add(backoffFor(e.Attempts, baseBackoff))) {
			due = append(due, e)
		}
	}
	return due, nil
}

func backoffFor(attempts int, base time.Duration) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := base << (attempts - 1)
	if ceiling := 6 * time.Hour; d > ceiling {
		return ceiling
	}
	return d
}

func invoicePeriod(inv *stripe.Invoice) (start, end time.Time, priceID string) {
	if inv.Lines == nil || len(inv.Lines.Data) == 0 {
		return start, end, ""
	}
	line := inv.Lines.Data[0]
	if line.Period != nil {
		start = time.Unix(line.Period.Start, 0).UTC()
		end = time.Unix(line.Period.End, 0).UTC()
	}
	if line.Price != nil {
		priceID = line.Price.ID
	}
	return start, end, priceID
}

func mapSubscriptionStatus(status stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.SubscriptionPastDue
	default:
		return models.SubscriptionCanceled
	}
}
