package models

import "time"

// DailyAnalytics holds one observational summary row per day. The aggregate
// sweep computes active/new/cancelled/revenue from the ledger; the
// expired/renewed columns are flushed from the sweep counters.
type DailyAnalytics struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Day            string    `gorm:"type:char(10);not null;uniqueIndex" json:"day"` // YYYY-MM-DD
	ActiveCount    int64     `gorm:"not null;default:0" json:"active_count"`
	NewCount       int64     `gorm:"not null;default:0" json:"new_count"`
	CancelledCount int64     `gorm:"not null;default:0" json:"cancelled_count"`
	ExpiredCount   int64     `gorm:"not null;default:0" json:"expired_count"`
	RenewedCount   int64     `gorm:"not null;default:0" json:"renewed_count"`
	RevenueMicros  int64     `gorm:"not null;default:0" json:"revenue_micros"`
	Currency       string    `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
