package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/nexmobile/subsync/internal/pkg/platform"
)

const (
	// DefaultOfflineGrace is the device-local window during which
	// entitlement is granted on the client's own authority when every
	// validation path is down. Anchored at first entry.
	DefaultOfflineGrace = 3 * 24 * time.Hour
	// DefaultLastGoodWindow bounds how old a previously successful
	// validation may be and still be trusted once more.
	DefaultLastGoodWindow = 24 * time.Hour
)

// LedgerReader is the authoritative backend read used as the third
// strategy in the chain.
type LedgerReader interface {
	UserEntitlement(ctx context.Context, userID uint) (entitled bool, expiresAt *time.Time, err error)
}

// PurchaseRef is the client's record of its last known purchase, used to
// re-validate directly against the platform when the backend is
// unreachable.
type PurchaseRef struct {
	Platform    string `json:"platform"`
	PlatformRef string `json:"platform_ref"`
	ProductID   string `json:"product_id"`
}

// entitlementValue is the JSON stored under KindEntitlement.
type entitlementValue struct {
	Entitled    bool       `json:"entitled"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ValidatedAt time.Time  `json:"validated_at"`
}

// Checker answers "does this user currently have entitlement" quickly and
// degrades gracefully: cached value, platform re-validation, ledger read,
// recent last-known-good, then a time-boxed offline grace period.
type Checker struct {
	cache          *Cache
	store          Store
	validators     map[string]platform.Validator
	ledger         LedgerReader
	offlineGrace   time.Duration
	lastGoodWindow time.Duration
	now            func() time.Time
}

// NewChecker wires the fallback chain. ledger may be nil on a pure-offline
// embedder; validators may be empty when no platform connectivity exists.
func NewChecker(cache *Cache, store Store, validators map[string]platform.Validator, ledger LedgerReader) *Checker {
	return &Checker{
		cache:          cache,
		store:          store,
		validators:     validators,
		ledger:         ledger,
		offlineGrace:   DefaultOfflineGrace,
		lastGoodWindow: DefaultLastGoodWindow,
		now:            time.Now,
	}
}

// SetOfflineGrace overrides the offline grace duration.
func (ch *Checker) SetOfflineGrace(d time.Duration) { ch.offlineGrace = d }

// SetClock overrides the checker clock (tests only).
func (ch *Checker) SetClock(now func() time.Time) { ch.now = now }

func graceKey(userID uint) string    { return fmt.Sprintf("client:%d:grace", userID) }
func failuresKey(userID uint) string { return fmt.Sprintf("client:%d:failures", userID) }

// RecordPurchase stores the purchase reference the chain re-validates with.
func (ch *Checker) RecordPurchase(ctx context.Context, userID uint, ref PurchaseRef) error {
	raw, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	return ch.cache.Put(ctx, userID, KindReceipt, string(raw))
}

// IsEntitled walks the fallback chain and stops at the first strategy with
// a confident answer. It never returns an error for pure connectivity
// failures; those degrade toward deny through the offline grace window.
func (ch *Checker) IsEntitled(ctx context.Context, userID uint, forceRefresh bool) bool {
	// 1. Fresh cached answer.
	entry, fresh, err := ch.cache.Get(ctx, userID, KindEntitlement)
	if err == nil && fresh && !forceRefresh {
		if v, ok := decodeEntitlement(entry.Value); ok {
			return v.Entitled
		}
	}

	// 2. Direct platform re-validation with the last known purchase.
	if entitled, ok := ch.checkPlatform(ctx, userID); ok {
		ch.recordSuccess(ctx, userID, entitled, nil)
		return entitled
	}

	// 3. Authoritative ledger read.
	if ch.ledger != nil {
		if entitled, expiresAt, lerr := ch.ledger.UserEntitlement(ctx, userID); lerr == nil {
			ch.recordSuccess(ctx, userID, entitled, expiresAt)
			return entitled
		}
	}

	ch.bumpFailures(ctx, userID)

	// 4. A validation that succeeded recently is trusted once more, even
	// past its freshness TTL.
	if entry == nil {
		entry, _, _ = ch.cache.Get(ctx, userID, KindEntitlement)
	}
	if entry != nil {
		if v, ok := decodeEntitlement(entry.Value); ok {
			if ch.now().Sub(v.ValidatedAt) <= ch.lastGoodWindow {
				return v.Entitled
			}
		}
	}

	// 5. Offline grace: grant on the client's own authority for a bounded
	// window anchored at first entry, then deny until a path succeeds.
	return ch.offlineGraceActive(ctx, userID)
}

func (ch *Checker) checkPlatform(ctx context.Context, userID uint) (entitled bool, ok bool) {
	refEntry, _, err := ch.cache.Get(ctx, userID, KindReceipt)
	if err != nil {
		return false, false
	}
	var ref PurchaseRef
	if err := json.Unmarshal([]byte(refEntry.Value), &ref); err != nil || ref.PlatformRef == "" {
		return false, false
	}
	validator, found := ch.validators[ref.Platform]
	if !found {
		return false, false
	}

	facts, err := validator.Validate(ctx, ref.PlatformRef, ref.ProductID)
	if err != nil {
		switch {
		case errors.Is(err, platform.ErrExpired),
			errors.Is(err, platform.ErrNotFound),
			errors.Is(err, platform.ErrUnconfirmed):
			// A verdict about the purchase itself (lapsed, refunded token
			// gone, payment never settled) is a confident "no".
			return false, true
		default:
			// Outages, rejected integration credentials and malformed
			// requests say nothing about the purchase: not an answer, fall
			// through the chain.
			return false, false
		}
	}

	switch facts.PaymentState {
	case platform.PaymentConfirmed, platform.PaymentGrace:
		return facts.ExpiresAt.IsZero() || facts.ExpiresAt.After(ch.now()), true
	default:
		return false, true
	}
}

func (ch *Checker) recordSuccess(ctx context.Context, userID uint, entitled bool, expiresAt *time.Time) {
	v := entitlementValue{Entitled: entitled, ExpiresAt: expiresAt, ValidatedAt: ch.now()}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := ch.cache.Put(ctx, userID, KindEntitlement, string(raw)); err != nil {
		log.Warnf("[Entitlement] failed to cache entitlement for user %d: %v", userID, err)
	}
	// A successful strategy closes any open offline grace window and resets
	// the failure counter.
	_ = ch.store.Delete(ctx, graceKey(userID))
	_ = ch.store.Delete(ctx, failuresKey(userID))
}

func (ch *Checker) bumpFailures(ctx context.Context, userID uint) {
	n := 0
	if raw, err := ch.store.Get(ctx, failuresKey(userID)); err == nil {
		n, _ = strconv.Atoi(raw)
	}
	_ = ch.store.Set(ctx, failuresKey(userID), strconv.Itoa(n+1), 0)
}

func (ch *Checker) offlineGraceActive(ctx context.Context, userID uint) bool {
	now := ch.now()
	raw, err := ch.store.Get(ctx, graceKey(userID))
	if err != nil {
		// First entry: persist the anchor so the window is auditable and
		// survives restarts.
		if serr := ch.store.Set(ctx, graceKey(userID), now.Format(time.RFC3339Nano), 0); serr != nil {
			log.Warnf("[Entitlement] failed to persist grace start for user %d: %v", userID, serr)
		}
		return true
	}

	start, perr := time.Parse(time.RFC3339Nano, raw)
	if perr != nil {
		return false
	}
	return now.Sub(start) < ch.offlineGrace
}

func decodeEntitlement(raw string) (*entitlementValue, bool) {
	var v entitlementValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	return &v, true
}
