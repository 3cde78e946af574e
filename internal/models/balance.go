package models

import "time"

// AccountBalance is the materialized balance for one account. It is a
// projection of the ledger, updated in the same transaction as every
// LedgerEntry write, and must never be mutated outside ledger.Service.
type AccountBalance struct {
	ID                 uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID          string     `gorm:"uniqueIndex;not null" json:"account_id"`
	TotalCredits       int64      `gorm:"not null;default:0" json:"total_credits"`
	MonthlyCreditsUsed int64      `gorm:"not null;default:0" json:"monthly_credits_used"`
	MonthlyResetDate   *time.Time `json:"monthly_reset_date"`
	LastCreditedAt     *time.Time `json:"last_credited_at"`
	CreatedAt          time.Time  `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// ReconciliationReport compares the cached balance against a full replay of
// the account's ledger.
type ReconciliationReport struct {
	AccountID     string `json:"account_id"`
	CachedBalance int64  `json:"cached_balance"`
	LedgerSum     int64  `json:"ledger_sum"`
	EntryCount    int64  `json:"entry_count"`
	Consistent    bool   `json:"consistent"`
	// ChainBrokenAt names the first entry whose balance_after does not equal
	// the previous balance_after plus its amount, if any.
	ChainBrokenAt string `json:"chain_broken_at,omitempty"`
}
