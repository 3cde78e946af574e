package models

import "time"

// WebhookEvent is the idempotency and audit record for one provider
// notification. EventID carries the provider-assigned id; its uniqueness
// constraint is the dedup boundary for duplicate deliveries. Processed flips
// to true exactly once, inside the same transaction as the ledger mutation
// the event produces.
type WebhookEvent struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID      string     `gorm:"uniqueIndex;not null" json:"event_id"`
	EventType    string     `gorm:"index;not null" json:"event_type"`
	AccountID    string     `gorm:"index" json:"account_id"`
	Payload      string     `json:"payload"`
	Processed    bool       `gorm:"not null;default:false;index" json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at"`
	ErrorMessage string     `json:"error_message"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
	LastAttempt  *time.Time `json:"last_attempt_at"`
	ReceivedAt   time.Time  `gorm:"autoCreateTime" json:"received_at"`
}
