package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Data kinds cached per user, each with its own TTL.
type Kind string

const (
	KindEntitlement Kind = "entitlement"
	KindBalance     Kind = "balance"
	KindReceipt     Kind = "receipt"
)

// DefaultTTLs are the per-kind cache lifetimes.
var DefaultTTLs = map[Kind]time.Duration{
	KindEntitlement: 15 * time.Minute,
	KindBalance:     5 * time.Minute,
	KindReceipt:     30 * 24 * time.Hour,
}

// Entry is the stored envelope. StoredAt lets callers reason about age
// beyond the store's TTL eviction (the fallback chain keeps entitlement
// entries around longer than their freshness window).
type Entry struct {
	Value    string    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Cache is an explicit cache component with constructor-injected TTLs and
// an explicit invalidation call. Nothing here is authoritative; every value
// is re-derivable from the ledger.
type Cache struct {
	store Store
	ttls  map[Kind]time.Duration
	now   func() time.Time
}

// NewCache creates a cache over a Store. Missing TTLs fall back to
// DefaultTTLs.
func NewCache(store Store, ttls map[Kind]time.Duration) *Cache {
	merged := make(map[Kind]time.Duration, len(DefaultTTLs))
	for k, v := range DefaultTTLs {
		merged[k] = v
	}
	for k, v := range ttls {
		merged[k] = v
	}
	return &Cache{store: store, ttls: merged, now: time.Now}
}

// SetClock overrides the cache clock (tests only).
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

func cacheKey(userID uint, kind Kind) string {
	return fmt.Sprintf("client:%d:%s", userID, kind)
}

// Put stores a value for (user, kind). The physical TTL is double the
// freshness window so stale-but-present reads remain possible for the
// fallback chain.
func (c *Cache) Put(ctx context.Context, userID uint, kind Kind, value string) error {
	entry := Entry{Value: value, StoredAt: c.now()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, cacheKey(userID, kind), string(raw), 2*c.ttls[kind])
}

// Get returns the entry and whether it is still within its freshness TTL.
func (c *Cache) Get(ctx context.Context, userID uint, kind Kind) (*Entry, bool, error) {
	raw, err := c.store.Get(ctx, cacheKey(userID, kind))
	if err != nil {
		return nil, false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, err
	}
	fresh := c.now().Sub(entry.StoredAt) <= c.ttls[kind]
	return &entry, fresh, nil
}

// Invalidate drops the cached value for (user, kind).
func (c *Cache) Invalidate(ctx context.Context, userID uint, kind Kind) error {
	return c.store.Delete(ctx, cacheKey(userID, kind))
}

// TTL exposes the configured freshness window for a kind.
func (c *Cache) TTL(kind Kind) time.Duration {
	return c.ttls[kind]
}
