package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/platform"
	"gorm.io/gorm"
)

// fakeRepo is an in-memory Repository. It mimics the natural-key semantics
// of the GORM implementation: CreateSubscriptionIfAbsent is first-writer-wins
// on (platform, platform_ref), UpdateSubscriptionCAS checks the state guard.
type fakeRepo struct {
	mu sync.Mutex

	nextID uint
	subs   map[uint]*models.Subscription
	users  map[uint]*models.User
	events []*models.SubscriptionEvent

	analytics map[string]*models.DailyAnalytics

	appendErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		nextID:    1,
		subs:      make(map[uint]*models.Subscription),
		users:     make(map[uint]*models.User),
		analytics: make(map[string]*models.DailyAnalytics),
	}
}

func (r *fakeRepo) addUser(u *models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

func (r *fakeRepo) addSubscription(sub *models.Subscription) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = r.nextID
		r.nextID++
	}
	cp := *sub
	r.subs[cp.ID] = &cp
	return &cp
}

func (r *fakeRepo) subByID(id uint) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		cp := *s
		return &cp
	}
	return nil
}

func (r *fakeRepo) eventsOfType(eventType string) []*models.SubscriptionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SubscriptionEvent
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *fakeRepo) GetSubscriptionByPlatformRef(platformKind, platformRef string) (*models.Subscription, error) {
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

func (r *fakeRepo) GetSubscriptionByOriginalTransactionID(platformKind, originalTxID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Subscription
	for _, s := range r.subs {
		if s.Platform == platformKind && s.OriginalTransactionID == originalTxID {
			if latest == nil || s.ID > latest.ID {
				latest = s
			}
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeRepo) CreateSubscriptionIfAbsent(sub *models.Subscription) (bool, *models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.Platform == sub.Platform && s.PlatformRef == sub.PlatformRef {
			cp := *s
			return false, &cp, nil
		}
	}
	cp := *sub
	cp.ID = r.nextID
	r.nextID++
	cp.CreatedAt = time.Now()
	r.subs[cp.ID] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeRepo) SaveSubscription(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[cp.ID] = &cp
	return nil
}

func (r *fakeRepo) UpdateSubscriptionCAS(id uint, fromState string, updates map[string]any) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok || s.State != fromState {
		return false, nil
	}
	applySubscriptionUpdates(s, updates)
	return true, nil
}

func applySubscriptionUpdates(s *models.Subscription, updates map[string]any) {
	for k, v := range updates {
		switch k {
		case "state":
			s.State = v.(string)
		case "auto_renew":
			s.AutoRenew = v.(bool)
		case "acknowledged":
			s.Acknowledged = v.(bool)
		case "current_period_end":
			s.CurrentPeriodEnd = timePtrOf(v)
		case "current_period_start":
			s.CurrentPeriodStart = timePtrOf(v)
		case "last_payment_at":
			s.LastPaymentAt = timePtrOf(v)
		case "grace_started_at":
			s.GraceStartedAt = timePtrOf(v)
		case "cancelled_at":
			s.CancelledAt = timePtrOf(v)
		case "refunded_at":
			s.RefundedAt = timePtrOf(v)
		case "revoked_at":
			s.RevokedAt = timePtrOf(v)
		}
	}
}

func timePtrOf(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		return nil
	}
}

func (r *fakeRepo) AppendEvent(ev *models.SubscriptionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	cp := *ev
	r.events = append(r.events, &cp)
	return nil
}

func (r *fakeRepo) GetUser(userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeRepo) UpdateUserEntitlement(userID uint, updates map[string]any) error {
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
	if v, ok := updates["entitlement_subscription_id"]; ok {
		switch id := v.(type) {
		case uint:
			u.EntitlementSubscriptionID = &id
		case *uint:
			u.EntitlementSubscriptionID = id
		}
	}
	if v, ok := updates["entitlement_expires_at"]; ok {
		u.EntitlementExpiresAt = timePtrOf(v)
	}
	if v, ok := updates["entitlement_updated_at"]; ok {
		u.EntitlementUpdatedAt = timePtrOf(v)
	}
	return nil
}

func (r *fakeRepo) ListDueForExpiry(now time.Time, limit int) ([]models.Subscription, error) {
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

func (r *fakeRepo) ListGraceElapsed(now time.Time, graceWindow time.Duration, limit int) ([]models.Subscription, error) {
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

func (r *fakeRepo) ListRenewalCandidates(now time.Time, window time.Duration, limit int) ([]models.Subscription, error) {
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

func (r *fakeRepo) CountActive() (int64, error) {
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

func (r *fakeRepo) CountCreatedBetween(from, to time.Time) (int64, error) {
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

func (r *fakeRepo) CountCancelledBetween(from, to time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.subs {
		if s.CancelledAt != nil && !s.CancelledAt.Before(from) && s.CancelledAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) SumRevenueBetween(from, to time.Time) (int64, error) {
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

func (r *fakeRepo) UpsertDailyAnalytics(row *models.DailyAnalytics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.analytics[row.Day]
	if !ok {
		cp := *row
		r.analytics[row.Day] = &cp
		return nil
	}
	existing.ActiveCount = row.ActiveCount
	existing.NewCount = row.NewCount
	existing.CancelledCount = row.CancelledCount
	existing.RevenueMicros = row.RevenueMicros
	existing.Currency = row.Currency
	return nil
}

func (r *fakeRepo) AddDailyCounters(day string, expired, renewed int64) error {
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

func (r *fakeRepo) WithTx(fn func(Repository) error) error {
	return fn(r)
}

// fakeValidator is a scriptable platform validator.
type fakeValidator struct {
	kind  string
	facts *platform.PurchaseFacts
	err   error
	calls int
}

func (v *fakeValidator) Kind() string { return v.kind }

func (v *fakeValidator) Validate(ctx context.Context, platformRef, productID string) (*platform.PurchaseFacts, error) {
	_ = ctx
	_ = platformRef
	_ = productID
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	cp := *v.facts
	return &cp, nil
}
