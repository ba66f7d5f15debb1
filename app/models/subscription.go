package models

import "time"

// Payment platform identifiers.
const (
	PlatformGooglePlay = "google_play"
	PlatformAppStore   = "app_store"
)

// Subscription lifecycle states. `grace_period` is strictly a waypoint
// between `active` and `expired`; administrative states (`revoked`,
// `refunded`, `cancelled`) may expire directly.
const (
	SubStatePending       = "pending"
	SubStateActive        = "active"
	SubStateGracePeriod   = "grace_period"
	SubStateCancelled     = "cancelled"
	SubStatePaymentFailed = "payment_failed"
	SubStateOnHold        = "on_hold"
	SubStatePaused        = "paused"
	SubStateDeferred      = "deferred"
	SubStateRevoked       = "revoked"
	SubStateRefunded      = "refunded"
	SubStateExpired       = "expired"
)

// Subscription is one purchase lineage. (platform, platform_ref) is the
// natural dedup key: a replayed validation for the same reference must find
// this row instead of creating a second one. Rows are never deleted;
// terminal states stay for audit.
type Subscription struct {
	ID                    uint   `gorm:"primaryKey" json:"id"`
	UserID                uint   `gorm:"not null;index:idx_subscriptions_user_state,priority:1" json:"user_id"`
	Platform              string `gorm:"type:varchar(20);not null;index:ux_subscriptions_platform_ref,unique,priority:1" json:"platform"`
	PlatformRef           string `gorm:"type:varchar(191);not null;index:ux_subscriptions_platform_ref,unique,priority:2" json:"platform_ref"`
	OriginalTransactionID string `gorm:"type:varchar(191);not null;default:'';index" json:"original_transaction_id"`

	ProductID    string `gorm:"type:varchar(100);not null;index" json:"product_id"`
	Plan         string `gorm:"type:varchar(50);not null;default:'premium'" json:"plan"`
	AmountMicros int64  `gorm:"not null;default:0" json:"amount_micros"`
	Currency     string `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`

	State string `gorm:"type:varchar(20);not null;default:'pending';index:idx_subscriptions_user_state,priority:2;index:idx_subscriptions_state_period,priority:1" json:"state"`

	CurrentPeriodStart *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null;index:idx_subscriptions_state_period,priority:2" json:"current_period_end,omitempty"`
	LastPaymentAt      *time.Time `gorm:"type:timestamp;default:null" json:"last_payment_at,omitempty"`
	GraceStartedAt     *time.Time `gorm:"type:timestamp;default:null" json:"grace_started_at,omitempty"`
	CancelledAt        *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	RefundedAt         *time.Time `gorm:"type:timestamp;default:null" json:"refunded_at,omitempty"`
	RevokedAt          *time.Time `gorm:"type:timestamp;default:null" json:"revoked_at,omitempty"`

	AutoRenew    bool `gorm:"default:true" json:"auto_renew"`
	Acknowledged bool `gorm:"default:false" json:"acknowledged"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Entitles reports whether a subscription in this state grants access.
func (s *Subscription) Entitles() bool {
	return s.State == SubStateActive || s.State == SubStateGracePeriod
}

// IsTerminal reports whether the state admits no further transitions
// other than a restart.
func (s *Subscription) IsTerminal() bool {
	return s.State == SubStateExpired
}
