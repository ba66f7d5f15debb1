package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/platform"
	"github.com/nexmobile/subsync/internal/pkg/subscription"
	"gorm.io/gorm"
)

// sweepRepo is an in-memory subscription.Repository for sweep tests.
type sweepRepo struct {
	mu sync.Mutex

	nextID    uint
	subs      map[uint]*models.Subscription
	users     map[uint]*models.User
	events    []*models.SubscriptionEvent
	analytics map[string]*models.DailyAnalytics
}

func newSweepRepo() *sweepRepo {
	return &sweepRepo{
		nextID:    1,
		subs:      make(map[uint]*models.Subscription),
		users:     make(map[uint]*models.User),
		analytics: make(map[string]*models.DailyAnalytics),
	}
}

func (r *sweepRepo) add(sub *models.Subscription) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.ID = r.nextID
	r.nextID++
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	cp := *sub
	r.subs[cp.ID] = &cp
	return &cp
}

func (r *sweepRepo) get(id uint) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.subs[id]
	return &cp
}

func (r *sweepRepo) GetSubscriptionByPlatformRef(platformKind, platformRef string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.Platform == platformKind && s.PlatformRef == platformRef {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *sweepRepo) GetSubscriptionByOriginalTransactionID(platformKind, originalTxID string) (*models.Subscription, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *sweepRepo) CreateSubscriptionIfAbsent(sub *models.Subscription) (bool, *models.Subscription, error) {
	cp := r.add(sub)
	return true, cp, nil
}

func (r *sweepRepo) SaveSubscription(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[cp.ID] = &cp
	return nil
}

func (r *sweepRepo) UpdateSubscriptionCAS(id uint, fromState string, updates map[string]any) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok || s.State != fromState {
		return false, nil
	}
	for k, v := range updates {
		switch k {
		case "state":
			s.State = v.(string)
		case "auto_renew":
			s.AutoRenew = v.(bool)
		case "current_period_end":
			if t, ok := v.(time.Time); ok {
				s.CurrentPeriodEnd = &t
			}
		case "last_payment_at":
			if t, ok := v.(time.Time); ok {
				s.LastPaymentAt = &t
			}
		case "grace_started_at":
			if t, ok := v.(time.Time); ok {
				s.GraceStartedAt = &t
			} else {
				s.GraceStartedAt = nil
			}
		}
	}
	return true, nil
}

func (r *sweepRepo) AppendEvent(ev *models.SubscriptionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ev
	r.events = append(r.events, &cp)
	return nil
}

func (r *sweepRepo) eventKinds(eventType string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (r *sweepRepo) GetUser(userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *sweepRepo) UpdateUserEntitlement(userID uint, updates map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		u = &models.User{ID: userID}
		r.users[userID] = u
	}
	if v, ok := updates["is_entitled"]; ok {
		u.IsEntitled = v.(bool)
	}
	return nil
}

func (r *sweepRepo) ListDueForExpiry(now time.Time, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, s := range r.subs {
		if len(out) >= limit {
			break
		}
		if s.State == models.SubStateActive && s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *sweepRepo) ListGraceElapsed(now time.Time, graceWindow time.Duration, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-graceWindow)
	var out []models.Subscription
	for _, s := range r.subs {
		if len(out) >= limit {
			break
		}
		if s.State != models.SubStateGracePeriod {
			continue
		}
		anchor := s.GraceStartedAt
		if anchor == nil {
			anchor = s.CurrentPeriodEnd
		}
		if anchor != nil && anchor.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *sweepRepo) ListRenewalCandidates(now time.Time, window time.Duration, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	horizon := now.Add(window)
	var out []models.Subscription
	for _, s := range r.subs {
		if len(out) >= limit {
			break
		}
		if s.State == models.SubStateActive && s.AutoRenew && s.CurrentPeriodEnd != nil &&
			!s.CurrentPeriodEnd.Before(now) && !s.CurrentPeriodEnd.After(horizon) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *sweepRepo) CountActive() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.subs {
		if s.State == models.SubStateActive || s.State == models.SubStateGracePeriod {
			n++
		}
	}
	return n, nil
}

func (r *sweepRepo) CountCreatedBetween(from, to time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.subs {
		if !s.CreatedAt.Before(from) && s.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (r *sweepRepo) CountCancelledBetween(from, to time.Time) (int64, error) {
	return 0, nil
}

func (r *sweepRepo) SumRevenueBetween(from, to time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, s := range r.subs {
		if s.LastPaymentAt != nil && !s.LastPaymentAt.Before(from) && s.LastPaymentAt.Before(to) {
			sum += s.AmountMicros
		}
	}
	return sum, nil
}

func (r *sweepRepo) UpsertDailyAnalytics(row *models.DailyAnalytics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *row
	r.analytics[row.Day] = &cp
	return nil
}

func (r *sweepRepo) AddDailyCounters(day string, expired, renewed int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.analytics[day]
	if !ok {
		row = &models.DailyAnalytics{Day: day}
		r.analytics[day] = row
	}
	row.ExpiredCount += expired
	row.RenewedCount += renewed
	return nil
}

func (r *sweepRepo) WithTx(fn func(subscription.Repository) error) error {
	return fn(r)
}

type sweepValidator struct {
	kind  string
	facts *platform.PurchaseFacts
	err   error
	calls int
}

func (v *sweepValidator) Kind() string { return v.kind }

func (v *sweepValidator) Validate(ctx context.Context, platformRef, productID string) (*platform.PurchaseFacts, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	cp := *v.facts
	return &cp, nil
}

func testManager(repo *sweepRepo, v *sweepValidator, cfg Config) *Manager {
	validators := map[string]platform.Validator{}
	if v != nil {
		validators[v.kind] = v
	}
	svc := subscription.NewService(repo, validators, subscription.NewCatalog(nil))
	return NewManager(svc, cfg)
}

func TestExpirySweepGraceBeforeExpired(t *testing.T) {
	repo := newSweepRepo()
	repo.users[7] = &models.User{ID: 7, IsEntitled: true}

	lapsed := time.Now().Add(-2 * time.Hour)
	sub := repo.add(&models.Subscription{
		UserID:           7,
		Platform:         models.PlatformGooglePlay,
		PlatformRef:      "token-1",
		State:            models.SubStateActive,
		CurrentPeriodEnd: &lapsed,
	})

	m := testManager(repo, nil, Config{BatchSize: 10, GraceWindow: 72 * time.Hour})

	stats, err := m.RunExpirySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MovedToGrace)
	assert.Equal(t, 0, stats.Expired)

	stored := repo.get(sub.ID)
	assert.Equal(t, models.SubStateGracePeriod, stored.State)
	require.NotNil(t, stored.GraceStartedAt)

	// still inside the grace window: a second run changes nothing
	stats, err = m.RunExpirySweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.MovedToGrace)
	assert.Zero(t, stats.Expired)
	assert.Equal(t, models.SubStateGracePeriod, repo.get(sub.ID).State)
}

func TestExpirySweepExpiresElapsedGrace(t *testing.T) {
	repo := newSweepRepo()
	repo.users[7] = &models.User{ID: 7, IsEntitled: true}

	graceStart := time.Now().Add(-80 * time.Hour)
	periodEnd := time.Now().Add(-81 * time.Hour)
	sub := repo.add(&models.Subscription{
		UserID:           7,
		Platform:         models.PlatformGooglePlay,
		PlatformRef:      "token-1",
		State:            models.SubStateGracePeriod,
		CurrentPeriodEnd: &periodEnd,
		GraceStartedAt:   &graceStart,
	})

	m := testManager(repo, nil, Config{BatchSize: 10, GraceWindow: 72 * time.Hour})

	stats, err := m.RunExpirySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, models.SubStateExpired, repo.get(sub.ID).State)

	// the owner's entitlement projection flipped with the transition
	user, err := repo.GetUser(7)
	require.NoError(t, err)
	assert.False(t, user.IsEntitled)

	assert.Contains(t, repo.eventKinds(models.EventExpirySweep), "grace_elapsed")
}

func TestExpirySweepBackdatesGraceToPeriodEnd(t *testing.T) {
	repo := newSweepRepo()
	repo.users[7] = &models.User{ID: 7, IsEntitled: true}

	// Lapsed long before this sweep runs (e.g. after sweep downtime): the
	// grace window is anchored at the lapse, so one run carries the record
	// all the way to expired instead of granting a fresh 72h.
	periodEnd := time.Now().Add(-80 * time.Hour)
	sub := repo.add(&models.Subscription{
		UserID:           7,
		Platform:         models.PlatformGooglePlay,
		PlatformRef:      "token-1",
		State:            models.SubStateActive,
		CurrentPeriodEnd: &periodEnd,
	})

	m := testManager(repo, nil, Config{BatchSize: 10, GraceWindow: 72 * time.Hour})

	stats, err := m.RunExpirySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MovedToGrace)
	assert.Equal(t, 1, stats.Expired)

	stored := repo.get(sub.ID)
	assert.Equal(t, models.SubStateExpired, stored.State)
	require.NotNil(t, stored.GraceStartedAt)
	assert.True(t, stored.GraceStartedAt.Equal(periodEnd))
}

func TestExpirySweepDrainsInBatches(t *testing.T) {
	repo := newSweepRepo()
	lapsed := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		repo.add(&models.Subscription{
			UserID:           uint(i + 1),
			Platform:         models.PlatformGooglePlay,
			PlatformRef:      "token-" + string(rune('a'+i)),
			State:            models.SubStateActive,
			CurrentPeriodEnd: &lapsed,
		})
	}

	m := testManager(repo, nil, Config{BatchSize: 2, GraceWindow: 72 * time.Hour})

	stats, err := m.RunExpirySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.MovedToGrace)

	for id := uint(1); id <= 5; id++ {
		assert.Equal(t, models.SubStateGracePeriod, repo.get(id).State)
	}
}

func TestExpirySweepHonorsContext(t *testing.T) {
	repo := newSweepRepo()
	m := testManager(repo, nil, Config{BatchSize: 10, GraceWindow: 72 * time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.RunExpirySweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenewalSweepAdvancesPeriod(t *testing.T) {
	repo := newSweepRepo()
	repo.users[7] = &models.User{ID: 7, IsEntitled: true}

	soon := time.Now().Add(24 * time.Hour)
	newEnd := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	sub := repo.add(&models.Subscription{
		UserID:           7,
		Platform:         models.PlatformGooglePlay,
		PlatformRef:      "token-1",
		ProductID:        "premium_monthly",
		State:            models.SubStateActive,
		AutoRenew:        true,
		CurrentPeriodEnd: &soon,
	})

	validator := &sweepValidator{
		kind: models.PlatformGooglePlay,
		facts: &platform.PurchaseFacts{
			PaymentState: platform.PaymentConfirmed,
			ExpiresAt:    newEnd,
			AutoRenew:    true,
		},
	}
	m := testManager(repo, validator, Config{BatchSize: 10, RenewalWindow: 3 * 24 * time.Hour})

	stats, err := m.RunRenewalSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Refreshed)
	assert.Zero(t, stats.Skipped)

	stored := repo.get(sub.ID)
	require.NotNil(t, stored.CurrentPeriodEnd)
	assert.True(t, stored.CurrentPeriodEnd.Equal(newEnd))
	assert.NotNil(t, stored.LastPaymentAt)
	assert.Contains(t, repo.eventKinds(models.EventRenewalAttempt), "refresh_succeeded")
}

func TestRenewalSweepFailureIsOnlySkipped(t *testing.T) {
	repo := newSweepRepo()
	soon := time.Now().Add(24 * time.Hour)
	sub := repo.add(&models.Subscription{
		UserID:           7,
		Platform:         models.PlatformGooglePlay,
		PlatformRef:      "token-1",
		State:            models.SubStateActive,
		AutoRenew:        true,
		CurrentPeriodEnd: &soon,
	})

	validator := &sweepValidator{
		kind: models.PlatformGooglePlay,
		err:  errors.New("unexpected response"),
	}
	m := testManager(repo, validator, Config{BatchSize: 10, RenewalWindow: 3 * 24 * time.Hour})

	stats, err := m.RunRenewalSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Refreshed)
	assert.Equal(t, 1, stats.Skipped)

	// no demotion: the expiry sweep owns state changes
	stored := repo.get(sub.ID)
	assert.Equal(t, models.SubStateActive, stored.State)
	assert.True(t, stored.CurrentPeriodEnd.Equal(soon))
	assert.Contains(t, repo.eventKinds(models.EventRenewalAttempt), "refresh_failed")
}

func TestRenewalSweepSkipsUnknownPlatform(t *testing.T) {
	repo := newSweepRepo()
	soon := time.Now().Add(24 * time.Hour)
	repo.add(&models.Subscription{
		UserID:           7,
		Platform:         models.PlatformAppStore,
		PlatformRef:      "receipt-1",
		State:            models.SubStateActive,
		AutoRenew:        true,
		CurrentPeriodEnd: &soon,
	})

	// only a google play validator registered
	validator := &sweepValidator{kind: models.PlatformGooglePlay}
	m := testManager(repo, validator, Config{BatchSize: 10, RenewalWindow: 3 * 24 * time.Hour})

	stats, err := m.RunRenewalSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, validator.calls)
}

func TestAggregateSweepWritesPriorDaySummary(t *testing.T) {
	repo := newSweepRepo()

	yesterday := time.Now().AddDate(0, 0, -1)
	paid := yesterday
	repo.add(&models.Subscription{
		UserID:        1,
		Platform:      models.PlatformGooglePlay,
		PlatformRef:   "token-1",
		State:         models.SubStateActive,
		AmountMicros:  4990000,
		CreatedAt:     yesterday,
		LastPaymentAt: &paid,
	})
	repo.add(&models.Subscription{
		UserID:      2,
		Platform:    models.PlatformGooglePlay,
		PlatformRef: "token-2",
		State:       models.SubStateGracePeriod,
		CreatedAt:   time.Now().AddDate(0, 0, -10),
	})

	m := testManager(repo, nil, Config{BatchSize: 10})

	require.NoError(t, m.RunAggregateSweep(context.Background()))

	day := yesterday.Format("2006-01-02")
	row, ok := repo.analytics[day]
	require.True(t, ok, "expected analytics row for %s", day)
	assert.Equal(t, int64(2), row.ActiveCount)
	assert.Equal(t, int64(1), row.NewCount)
	assert.Equal(t, int64(4990000), row.RevenueMicros)

	assert.Contains(t, repo.eventKinds(models.EventAggregateSummary), day)
}
