package platform

import (
	"context"
	"time"

	"github.com/nexmobile/subsync/app/models"
)

// PaymentState is the platform's view of the purchase payment.
type PaymentState string

const (
	PaymentPending   PaymentState = "pending"
	PaymentConfirmed PaymentState = "confirmed"
	PaymentGrace     PaymentState = "grace"
)

// PurchaseFacts is the normalized result of a successful platform lookup.
type PurchaseFacts struct {
	PaymentState          PaymentState
	ExpiresAt             time.Time
	AutoRenew             bool
	Acknowledged          bool
	OrderID               string
	OriginalTransactionID string
	AmountMicros          int64
	Currency              string
}

// Validator is one payment platform's purchase lookup. Implementations wrap
// a single external call with platform-specific parsing and error
// classification per the taxonomy in errors.go.
type Validator interface {
	// Kind returns the platform identifier (models.PlatformGooglePlay or
	// models.PlatformAppStore).
	Kind() string
	// Validate resolves a purchase reference against the platform.
	// platformRef must be non-empty; unknown products are rejected by the
	// caller's allow-list, not here.
	Validate(ctx context.Context, platformRef, productID string) (*PurchaseFacts, error)
}

// ValidatorsFromEnv builds one validator per supported platform, keyed by
// platform identifier.
func ValidatorsFromEnv() map[string]Validator {
	return map[string]Validator{
		models.PlatformGooglePlay: NewGooglePlayClientFromEnv(),
		models.PlatformAppStore:   NewAppStoreClientFromEnv(),
	}
}
