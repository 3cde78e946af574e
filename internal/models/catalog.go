package models

import "time"

// Plan is a recurring subscription tier granting a monthly credit allotment.
// Reference data, seeded from config and upserted by Stripe price id.
type Plan struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string    `gorm:"not null" json:"name"`
	MonthlyCredits int64     `gorm:"not null" json:"monthly_credits"`
	PriceCents     int64     `gorm:"not null" json:"price_cents"`
	StripePriceID  string    `gorm:"uniqueIndex;not null" json:"stripe_price_id"`
	Active         bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreditPackage is a one-time purchasable credit grant.
type CreditPackage struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string    `gorm:"not null" json:"name"`
	Credits       int64     `gorm:"not null" json:"credits"`
	PriceCents    int64     `gorm:"not null" json:"price_cents"`
	StripePriceID string    `gorm:"uniqueIndex;not null" json:"stripe_price_id"`
	Active        bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
