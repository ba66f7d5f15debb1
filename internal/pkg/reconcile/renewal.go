package reconcile

import (
	"context"

	"github.com/gofiber/fiber/v2/log"
	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/metrics/counter"
	"github.com/nexmobile/subsync/internal/pkg/platform"
	"github.com/nexmobile/subsync/internal/pkg/subscription"
)

// RenewalStats summarizes one renewal sweep run.
type RenewalStats struct {
	Refreshed int
	Skipped   int
}

// RunRenewalSweep re-validates auto-renewing subscriptions nearing their
// period end and advances the expiry the platform reports. A failed
// re-validation is only a skipped refresh: the record keeps its state and
// the expiry sweep decides its fate later.
func (m *Manager) RunRenewalSweep(ctx context.Context) (RenewalStats, error) {
	var stats RenewalStats
	now := m.now()
	seen := make(map[uint]struct{})

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		batch, err := m.svc.Repo().ListRenewalCandidates(now, m.cfg.RenewalWindow, m.cfg.BatchSize)
		if err != nil {
			return stats, err
		}

		progressed := 0
		for i := range batch {
			sub := &batch[i]
			if _, dup := seen[sub.ID]; dup {
				continue
			}
			seen[sub.ID] = struct{}{}
			progressed++

			if m.refreshFromPlatform(ctx, sub) {
				stats.Refreshed++
			} else {
				stats.Skipped++
			}
		}

		if progressed == 0 || len(batch) < m.cfg.BatchSize {
			break
		}
	}

	if stats.Refreshed > 0 || stats.Skipped > 0 {
		counter.AddRenewed(int64(stats.Refreshed))
		log.Infof("[Reconcile] renewal sweep: %d refreshed, %d skipped", stats.Refreshed, stats.Skipped)
	}
	return stats, nil
}

func (m *Manager) refreshFromPlatform(ctx context.Context, sub *models.Subscription) bool {
	validator, ok := m.svc.Validators()[sub.Platform]
	if !ok {
		log.Warnf("[Reconcile] renewal sweep: no validator for platform %s", sub.Platform)
		return false
	}

	var facts *platform.PurchaseFacts
	err := subscription.DefaultRetryPolicy.Do(ctx, func() error {
		var verr error
		facts, verr = validator.Validate(ctx, sub.PlatformRef, sub.ProductID)
		return verr
	})
	if err != nil {
		// Not a state transition: the expiry sweep owns demotions.
		log.Warnf("[Reconcile] renewal sweep: subscription %d re-validation failed: %v", sub.ID, err)
		_ = m.svc.Transition(sub, sub.State, models.EventRenewalAttempt, "refresh_failed", nil)
		return false
	}

	mutate := map[string]any{}
	if !facts.ExpiresAt.IsZero() && (sub.CurrentPeriodEnd == nil || facts.ExpiresAt.After(*sub.CurrentPeriodEnd)) {
		end := facts.ExpiresAt
		mutate["current_period_end"] = end
		mutate["last_payment_at"] = m.now()
		sub.CurrentPeriodEnd = &end
	}
	mutate["auto_renew"] = facts.AutoRenew

	if err := m.svc.Transition(sub, sub.State, models.EventRenewalAttempt, "refresh_succeeded", mutate); err != nil {
		log.Errorf("[Reconcile] renewal sweep: subscription %d: %v", sub.ID, err)
		return false
	}
	return true
}
