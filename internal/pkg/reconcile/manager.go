package reconcile

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/nexmobile/subsync/internal/pkg/database"
	"github.com/nexmobile/subsync/internal/pkg/env"
	"github.com/nexmobile/subsync/internal/pkg/metrics/counter"
	"github.com/nexmobile/subsync/internal/pkg/subscription"
)

// Config carries the sweep cadence and windows. Sweeps select "still
// overdue" rows, so any cadence is safe; these are operational knobs only.
type Config struct {
	ExpiryInterval    time.Duration
	RenewalInterval   time.Duration
	AggregateInterval time.Duration
	CounterFlush      time.Duration

	BatchSize     int
	GraceWindow   time.Duration
	RenewalWindow time.Duration
}

// DefaultConfig reads the sweep knobs from the environment.
func DefaultConfig() Config {
	return Config{
		ExpiryInterval:    envDuration("SWEEP_EXPIRY_INTERVAL_MINUTES", 60) * time.Minute,
		RenewalInterval:   envDuration("SWEEP_RENEWAL_INTERVAL_HOURS", 24) * time.Hour,
		AggregateInterval: envDuration("SWEEP_AGGREGATE_INTERVAL_HOURS", 24) * time.Hour,
		CounterFlush:      30 * time.Second,
		BatchSize:         envInt("SWEEP_BATCH_SIZE", 500),
		GraceWindow:       envDuration("GRACE_WINDOW_HOURS", 72) * time.Hour,
		RenewalWindow:     envDuration("RENEWAL_WINDOW_DAYS", 3) * 24 * time.Hour,
	}
}

func envDuration(key string, def int) time.Duration {
	return time.Duration(envInt(key, def))
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(env.GetEnv(key, "")); err == nil && v > 0 {
		return v
	}
	return def
}

// Manager runs the three reconciliation sweeps on their own tickers. Each
// sweep processes bounded batches committed incrementally; a crash loses at
// most one batch, and the next run re-selects whatever is still overdue.
type Manager struct {
	svc *subscription.Service
	cfg Config

	expiryTicker    *time.Ticker
	renewalTicker   *time.Ticker
	aggregateTicker *time.Ticker
	flushTicker     *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
	now             func() time.Time
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global reconciliation manager (singleton).
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = NewManager(subscription.NewServiceFromDB(database.GetDB()), DefaultConfig())
	})
	return globalManager
}

// NewManager creates a manager around an injected pipeline service.
func NewManager(svc *subscription.Service, cfg Config) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Manager{
		svc:    svc,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start starts the sweep workers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Reconcile] Starting reconciliation sweeps")

	m.expiryTicker = time.NewTicker(m.cfg.ExpiryInterval)
	m.wg.Add(1)
	go m.sweepWorker("expiry", m.expiryTicker, func(ctx context.Context) error {
		_, err := m.RunExpirySweep(ctx)
		return err
	})

	m.renewalTicker = time.NewTicker(m.cfg.RenewalInterval)
	m.wg.Add(1)
	go m.sweepWorker("renewal", m.renewalTicker, func(ctx context.Context) error {
		_, err := m.RunRenewalSweep(ctx)
		return err
	})

	m.aggregateTicker = time.NewTicker(m.cfg.AggregateInterval)
	m.wg.Add(1)
	go m.sweepWorker("aggregate", m.aggregateTicker, func(ctx context.Context) error {
		return m.RunAggregateSweep(ctx)
	})

	m.flushTicker = time.NewTicker(m.cfg.CounterFlush)
	m.wg.Add(1)
	go m.sweepWorker("counter-flush", m.flushTicker, func(ctx context.Context) error {
		return counter.FlushAll(m.svc.Repo())
	})

	log.Info("[Reconcile] Started successfully")
}

// Stop stops the sweep workers and waits for in-flight batches.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Reconcile] Stopping reconciliation sweeps...")
	for _, t := range []*time.Ticker{m.expiryTicker, m.renewalTicker, m.aggregateTicker, m.flushTicker} {
		if t != nil {
			t.Stop()
		}
	}
	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	log.Info("[Reconcile] Stopped")
}

func (m *Manager) sweepWorker(name string, ticker *time.Ticker, run func(context.Context) error) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Infof("[Reconcile] %s worker stopping", name)
			return
		case <-ticker.C:
			if err := run(context.Background()); err != nil {
				// Background failures are never user-visible; the next tick
				// re-selects whatever is still pending.
				log.Errorf("[Reconcile] %s sweep failed: %v", name, err)
			}
		}
	}
}
