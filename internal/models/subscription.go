package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
)

// PaymentIdentity maps an account to its payment-provider customer.
// One-to-one with account, created lazily on the first checkout.
type PaymentIdentity struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID        string    `gorm:"uniqueIndex;not null" json:"account_id"`
	StripeCustomerID string    `gorm:"uniqueIndex;not null" json:"stripe_customer_id"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Subscription mirrors the provider-side subscription for one account.
// Rows are never hard-deleted; cancellation flips Status and keeps the row
// for audit.
type Subscription struct {
	ID                   uint               `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID            string             `gorm:"index;not null" json:"account_id"`
	PlanID               uint               `gorm:"index;not null" json:"plan_id"`
	StripeSubscriptionID string             `gorm:"uniqueIndex;not null" json:"stripe_subscription_id"`
	Status               SubscriptionStatus `gorm:"index;not null" json:"status"`
	PeriodStart          time.Time          `json:"period_start"`
	PeriodEnd            time.Time          `json:"period_end"`

	// LastGrantedPeriodStart marks the billing period whose allotment has
	// been granted. Grant decisions compare against this, never against the
	// synced period columns: a subscription event delivered before the first
	// invoice already carries the period, and must not mask the first grant.
	LastGrantedPeriodStart *time.Time `json:"last_granted_period_start,omitempty"`
	CancelAtPeriodEnd    bool               `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CreatedAt            time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}
