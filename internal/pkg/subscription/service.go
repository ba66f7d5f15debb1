package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexmobile/subsync/app/models"
	"github.com/nexmobile/subsync/internal/pkg/platform"
	"gorm.io/gorm"
)

var (
	// ErrUnsupportedPlatform rejects platform values with no validator.
	ErrUnsupportedPlatform = errors.New("subscription: unsupported platform")
	// ErrRefClaimed signals that the purchase reference is already bound to
	// a different user.
	ErrRefClaimed = errors.New("subscription: purchase reference already registered to another user")
)

// DefaultRetryPolicy is the bounded backoff applied to transient platform
// failures by the pipeline and the renewal sweep.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Retryable:   platform.IsTransient,
}

// Service is the ordered validation pipeline: dedup check, platform
// validation with retry, allow-list enforcement, then one transactional
// ledger write covering subscription, entitlement projection and event.
type Service struct {
	repo       Repository
	validators map[string]platform.Validator
	catalog    *Catalog
	retry      RetryPolicy
	now        func() time.Time
}

// NewService creates a pipeline from injected collaborators.
func NewService(repo Repository, validators map[string]platform.Validator, catalog *Catalog) *Service {
	return &Service{
		repo:       repo,
		validators: validators,
		catalog:    catalog,
		retry:      DefaultRetryPolicy,
		now:        time.Now,
	}
}

// NewServiceFromDB creates a pipeline with env-configured validators and
// catalog from a GORM handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), platform.ValidatorsFromEnv(), CatalogFromEnv())
}

// ValidateResult is the pipeline outcome. Duplicate marks a replayed call
// that resolved to the already-stored record.
type ValidateResult struct {
	Subscription *models.Subscription
	Duplicate    bool
}

// ValidatePurchase verifies a purchase reference and records the resulting
// subscription. Calling it twice with the same (platform, platformRef) is
// safe: the second call returns the stored record unchanged.
func (s *Service) ValidatePurchase(ctx context.Context, userID uint, platformKind, platformRef, productID string) (*ValidateResult, error) {
	platformKind = strings.ToLower(strings.TrimSpace(platformKind))
	platformRef = strings.TrimSpace(platformRef)
	productID = strings.TrimSpace(productID)
	if userID == 0 || platformKind == "" || platformRef == "" || productID == "" {
		return nil, fmt.Errorf("%w: user, platform, platform_ref and product_id are required", platform.ErrBadRequest)
	}

	validator, ok := s.validators[platformKind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platformKind)
	}

	// Idempotency: a replayed validation must not re-charge or double-count.
	// Only a still-valid record short-circuits; a lapsed lineage falls
	// through to platform re-validation so a restore can reactivate it.
	var lapsed *models.Subscription
	if existing, err := s.repo.GetSubscriptionByPlatformRef(platformKind, platformRef); err == nil {
		if existing.UserID != userID {
			return nil, ErrRefClaimed
		}
		if existing.Entitles() || existing.State == models.SubStatePending {
			return &ValidateResult{Subscription: existing, Duplicate: true}, nil
		}
		lapsed = existing
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// The allow-list is checked before trusting anything the platform says
	// about the product.
	product, err := s.catalog.Lookup(productID)
	if err != nil {
		return nil, err
	}

	var facts *platform.PurchaseFacts
	err = s.retry.Do(ctx, func() error {
		var verr error
		facts, verr = validator.Validate(ctx, platformRef, productID)
		return verr
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	state := models.SubStateActive
	switch facts.PaymentState {
	case platform.PaymentPending:
		state = models.SubStatePending
	case platform.PaymentGrace:
		state = models.SubStateGracePeriod
	}

	if lapsed != nil {
		if err := s.refreshLapsed(lapsed, state, facts, now); err != nil {
			return nil, err
		}
		return &ValidateResult{Subscription: lapsed, Duplicate: true}, nil
	}

	sub := &models.Subscription{
		UserID:                userID,
		Platform:              platformKind,
		PlatformRef:           platformRef,
		OriginalTransactionID: facts.OriginalTransactionID,
		ProductID:             product.ID,
		Plan:                  product.Plan,
		AmountMicros:          product.AmountMicros,
		Currency:              product.Currency,
		State:                 state,
		AutoRenew:             facts.AutoRenew,
		Acknowledged:          facts.Acknowledged,
	}
	if !facts.ExpiresAt.IsZero() {
		end := facts.ExpiresAt
		sub.CurrentPeriodEnd = &end
		start := now
		sub.CurrentPeriodStart = &start
	}
	if facts.PaymentState == platform.PaymentConfirmed {
		paid := now
		sub.LastPaymentAt = &paid
	}
	if state == models.SubStateGracePeriod {
		g := now
		sub.GraceStartedAt = &g
	}

	var result *ValidateResult
	err = s.repo.WithTx(func(tx Repository) error {
		created, stored, err := tx.CreateSubscriptionIfAbsent(sub)
		if err != nil {
			return err
		}
		if !created {
			// Lost a race against a concurrent validation of the same
			// reference; treat exactly like the dedup hit above.
			if stored.UserID != userID {
				return ErrRefClaimed
			}
			result = &ValidateResult{Subscription: stored, Duplicate: true}
			return nil
		}

		if stored.Entitles() {
			if err := projectEntitlement(tx, stored, s.now()); err != nil {
				return err
			}
		}

		payload, _ := json.Marshal(map[string]any{
			"platform":      platformKind,
			"product_id":    product.ID,
			"order_id":      facts.OrderID,
			"payment_state": facts.PaymentState,
			"expires_at":    facts.ExpiresAt,
		})
		if err := tx.AppendEvent(&models.SubscriptionEvent{
			EventID:        uuid.NewString(),
			SubscriptionID: stored.ID,
			UserID:         userID,
			Type:           models.EventValidation,
			Kind:           string(facts.PaymentState),
			PayloadJSON:    string(payload),
		}); err != nil {
			return err
		}

		result = &ValidateResult{Subscription: stored}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// refreshLapsed reactivates an existing lapsed lineage from a fresh platform
// answer. The platform already confirmed the purchase again (a lapsed one
// errors out of Validate), so the stored record takes the new period.
func (s *Service) refreshLapsed(sub *models.Subscription, state string, facts *platform.PurchaseFacts, now time.Time) error {
	mutate := map[string]any{
		"auto_renew":   facts.AutoRenew,
		"acknowledged": facts.Acknowledged,
	}
	if !facts.ExpiresAt.IsZero() {
		end := facts.ExpiresAt
		mutate["current_period_end"] = end
		mutate["current_period_start"] = now
		sub.CurrentPeriodEnd = &end
	}
	if facts.PaymentState == platform.PaymentConfirmed {
		mutate["last_payment_at"] = now
	}
	if state != models.SubStateGracePeriod {
		mutate["grace_started_at"] = nil
		sub.GraceStartedAt = nil
	}
	sub.AutoRenew = facts.AutoRenew
	return s.Transition(sub, state, models.EventValidation, "revalidated", mutate)
}

// projectEntitlement rewrites the user's denormalized entitlement columns
// from one subscription row. Must run inside the same transaction as the
// subscription write.
func projectEntitlement(tx Repository, sub *models.Subscription, now time.Time) error {
	updates := map[string]any{
		"is_entitled":                 sub.Entitles(),
		"entitlement_subscription_id": sub.ID,
		"entitlement_expires_at":      sub.CurrentPeriodEnd,
		"entitlement_updated_at":      now,
	}
	return tx.UpdateUserEntitlement(sub.UserID, updates)
}

// Transition moves a subscription to target via a compare-and-swap on the
// current state, mirrors the entitlement projection and appends one event,
// all in one transaction. Applying a transition the record has already
// taken is a no-op that still appends the audit event.
func (s *Service) Transition(sub *models.Subscription, target, eventType, rawKind string, mutate map[string]any) error {
	next, changed, err := Apply(sub.State, target)
	if err != nil {
		return err
	}

	return s.repo.WithTx(func(tx Repository) error {
		if changed {
			updates := map[string]any{"state": next}
			for k, v := range mutate {
				updates[k] = v
			}
			if next == models.SubStateGracePeriod && sub.GraceStartedAt == nil {
				// Grace starts when the paid period lapsed, not when the
				// lapse was detected; a sweep catching up after downtime
				// must not grant a fresh window.
				anchor := s.now()
				if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(anchor) {
					anchor = *sub.CurrentPeriodEnd
				}
				updates["grace_started_at"] = anchor
			}

			swapped, err := tx.UpdateSubscriptionCAS(sub.ID, sub.State, updates)
			if err != nil {
				return err
			}
			if !swapped {
				// A concurrent writer moved the record first; the caller's
				// view is stale. The next delivery or sweep re-reads and
				// converges, so give up without an event.
				return nil
			}

			sub.State = next
			if err := projectEntitlement(tx, sub, s.now()); err != nil {
				return err
			}
		} else if len(mutate) > 0 {
			swapped, err := tx.UpdateSubscriptionCAS(sub.ID, sub.State, mutate)
			if err != nil {
				return err
			}
			if swapped {
				if err := projectEntitlement(tx, sub, s.now()); err != nil {
					return err
				}
			}
		}

		payload, _ := json.Marshal(map[string]any{"state": next, "changed": changed})
		return tx.AppendEvent(&models.SubscriptionEvent{
			EventID:        uuid.NewString(),
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Type:           eventType,
			Kind:           rawKind,
			PayloadJSON:    string(payload),
		})
	})
}

// Repo exposes the ledger for read-only collaborators (controllers, sweeps).
func (s *Service) Repo() Repository {
	return s.repo
}

// Validators exposes the per-platform validators (used by the renewal sweep
// and the client fallback chain).
func (s *Service) Validators() map[string]platform.Validator {
	return s.validators
}
