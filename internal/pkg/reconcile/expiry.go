package reconcile

import (
	"context"

	"github.com/gofiber/fiber/v2/log"
	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/metrics/counter"
	"github.com/nexmobile/subsync/internal/pkg/subscription"
)

// ExpiryStats summarizes one expiry sweep run.
type ExpiryStats struct {
	MovedToGrace int
	Expired      int
}

// RunExpirySweep demotes overdue subscriptions. Active records past their
// period end enter grace; grace records past the grace window expire and
// the owner's entitlement projection flips in the same transaction. Each
// record commits independently, so an interrupted sweep resumes where the
// selection query still matches.
func (m *Manager) RunExpirySweep(ctx context.Context) (ExpiryStats, error) {
	var stats ExpiryStats
	now := m.now()

	// Phase 1: active records whose paid period has lapsed.
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		batch, err := m.svc.Repo().ListDueForExpiry(now, m.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			break
		}

		progressed := 0
		for i := range batch {
			sub := &batch[i]
			target := subscription.RouteToExpired(sub.State)
			if err := m.svc.Transition(sub, target, models.EventExpirySweep, "period_lapsed", nil); err != nil {
				log.Errorf("[Reconcile] expiry sweep: subscription %d: %v", sub.ID, err)
				continue
			}
			progressed++
			stats.MovedToGrace++
		}

		// A batch where nothing moved would re-select the same rows forever.
		if progressed == 0 || len(batch) < m.cfg.BatchSize {
			break
		}
	}

	// Phase 2: grace records whose window has elapsed with no renewal.
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		batch, err := m.svc.Repo().ListGraceElapsed(now, m.cfg.GraceWindow, m.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			break
		}

		progressed := 0
		for i := range batch {
			sub := &batch[i]
			if err := m.svc.Transition(sub, models.SubStateExpired, models.EventExpirySweep, "grace_elapsed", nil); err != nil {
				log.Errorf("[Reconcile] expiry sweep: subscription %d: %v", sub.ID, err)
				continue
			}
			progressed++
			stats.Expired++
		}

		if progressed == 0 || len(batch) < m.cfg.BatchSize {
			break
		}
	}

	if stats.MovedToGrace > 0 || stats.Expired > 0 {
		counter.AddExpired(int64(stats.Expired))
		log.Infof("[Reconcile] expiry sweep: %d to grace, %d expired", stats.MovedToGrace, stats.Expired)
	}
	return stats, nil
}
