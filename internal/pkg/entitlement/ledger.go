package entitlement

import (
	"context"
	"time"

	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/subscription"
)

type ledgerReader struct {
	repo subscription.Repository
	now  func() time.Time
}

// NewLedgerReader adapts the subscription repository's user projection as a
// LedgerReader.
func NewLedgerReader(repo subscription.Repository) LedgerReader {
	return &ledgerReader{repo: repo, now: time.Now}
}

func (r *ledgerReader) UserEntitlement(ctx context.Context, userID uint) (bool, *time.Time, error) {
	_ = ctx
	user, err := r.repo.GetUser(userID)
	if err != nil {
		return false, nil, err
	}
	switch user.EntitlementStatus(r.now()) {
	case models.SubStateActive, models.SubStateGracePeriod:
		return true, user.EntitlementExpiresAt, nil
	default:
		return false, user.EntitlementExpiresAt, nil
	}
}
