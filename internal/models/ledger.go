package models

import "time"

type TransactionType string

const (
	TransactionSearchUsed       TransactionType = "search_used"
	TransactionMonthlyGrant     TransactionType = "monthly_grant"
	TransactionPackagePurchased TransactionType = "package_purchased"
	TransactionRefund           TransactionType = "refund"
	TransactionPromotional      TransactionType = "promotional"
)

// LedgerEntry is the append-only record of a single balance change.
// Entries are never updated or deleted; the cached AccountBalance row is
// always reconstructable by summing Amount over an account's entries.
type LedgerEntry struct {
	ID            string          `gorm:"primaryKey;size:36" json:"id"`
	AccountID     string          `gorm:"index:idx_ledger_account_created,priority:1;not null" json:"account_id"`
	Type          TransactionType `gorm:"index;not null" json:"transaction_type"`
	Amount        int64           `gorm:"not null" json:"amount"`
	BalanceAfter  int64           `gorm:"not null" json:"balance_after"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `gorm:"index" json:"reference_id"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index:idx_ledger_account_created,priority:2" json:"created_at"`
}

// ApplyDeltaParams describes one balance mutation. Amount is signed:
// negative for consumption and refunds, positive for grants and purchases.
type ApplyDeltaParams struct {
	AccountID     string
	Amount        int64
	Type          TransactionType
	ReferenceType string
	ReferenceID   string
	Description   string

	// AllowNegative permits the balance to go below zero. Only the refund
	// write-off path sets this; every other debit is floor-checked.
	AllowNegative bool
}
