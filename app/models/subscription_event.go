package models

import "time"

// Subscription event types.
const (
	EventValidation       = "validation"
	EventWebhook          = "webhook_notification"
	EventExpirySweep      = "expiry_sweep"
	EventRenewalAttempt   = "renewal_attempt"
	EventCancellation     = "cancellation"
	EventRefund           = "refund"
	EventAggregateSummary = "aggregate_summary"
)

// SubscriptionEvent is an append-only audit record. Rows are never updated
// or deleted and are not consulted by control flow.
type SubscriptionEvent struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	EventID        string    `gorm:"type:char(36);not null;uniqueIndex" json:"event_id"`
	SubscriptionID uint      `gorm:"not null;index" json:"subscription_id"`
	UserID         uint      `gorm:"not null;index" json:"user_id"`
	Type           string    `gorm:"type:varchar(40);not null;index" json:"type"`
	Kind           string    `gorm:"type:varchar(100);not null;default:''" json:"kind"`
	PayloadJSON    string    `gorm:"type:longtext" json:"payload_json"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
