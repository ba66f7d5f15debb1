package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/nexmobile/subsync/app/models"
)

// RunAggregateSweep persists one observational summary row for the prior
// day: active/new/cancelled counts and completed-payment revenue. It never
// mutates subscription state.
func (m *Manager) RunAggregateSweep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	now := m.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -1)
	dayEnd := dayStart.AddDate(0, 0, 1)
	day := dayStart.Format("2006-01-02")

	repo := m.svc.Repo()
	active, err := repo.CountActive()
	if err != nil {
		return err
	}
	created, err := repo.CountCreatedBetween(dayStart, dayEnd)
	if err != nil {
		return err
	}
	cancelled, err := repo.CountCancelledBetween(dayStart, dayEnd)
	if err != nil {
		return err
	}
	revenue, err := repo.SumRevenueBetween(dayStart, dayEnd)
	if err != nil {
		return err
	}

	row := &models.DailyAnalytics{
		Day:            day,
		ActiveCount:    active,
		NewCount:       created,
		CancelledCount: cancelled,
		RevenueMicros:  revenue,
	}
	if err := repo.UpsertDailyAnalytics(row); err != nil {
		return err
	}

	payload, _ := json.Marshal(row)
	if err := repo.AppendEvent(&models.SubscriptionEvent{
		EventID:     uuid.NewString(),
		Type:        models.EventAggregateSummary,
		Kind:        day,
		PayloadJSON: string(payload),
	}); err != nil {
		return err
	}

	log.Infof("[Reconcile] aggregate sweep %s: active=%d new=%d cancelled=%d revenue=%d",
		day, active, created, cancelled, revenue)
	return nil
}
