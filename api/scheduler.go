/*
scheduler.go - Periodic snapshot reconciliation

PURPOSE:
  Balance snapshots are a cache of the ledger. The scheduler periodically
  recomputes all of them and reports any that drifted, so a missed refresh
  never shows a stale balance for long.

CONFIGURATION:
  - CheckInterval: How often to run (scheduler.interval, default 1h)
  - Enabled: Whether the scheduler is active (scheduler.enabled)

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconcile endpoint (manual run)
  - ledger/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/trip-ledger/ledger"
)

// ReconciliationScheduler runs the reconciler on a ticker.
type ReconciliationScheduler struct {
	Reconciler    *ledger.Reconciler
	CheckInterval time.Duration
	Enabled       bool
	// RunTimeout bounds a single pass.
	RunTimeout time.Duration

	logger  *slog.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *ledger.ReconcileReport
}

func NewReconciliationScheduler(r *ledger.Reconciler, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Reconciler:    r,
		CheckInterval: time.Hour,
		Enabled:       true,
		RunTimeout:    5 * time.Minute,
		logger:        logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler. It runs once immediately.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.logger.Info("scheduler started", "interval", rs.CheckInterval)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	ticker, stop := rs.ticker, rs.stop
	rs.ticker, rs.stop = nil, nil
	rs.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	rs.wg.Wait()
	rs.logger.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	rs.RunNow()
	for {
		select {
		case <-ticker.C:
			rs.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one reconciliation pass synchronously.
func (rs *ReconciliationScheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.RunTimeout)
	defer cancel()

	report, err := rs.Reconciler.Run(ctx, "")
	if err != nil {
		rs.logger.Error("scheduled reconciliation failed", "error", err)
		return
	}

	rs.mu.Lock()
	rs.lastRun = &report
	rs.mu.Unlock()

	if len(report.Drifted) > 0 {
		rs.logger.Warn("scheduled reconciliation repaired drift", "drifted", len(report.Drifted))
	}
}

// LastRun returns the most recent successful report.
func (rs *ReconciliationScheduler) LastRun() (ledger.ReconcileReport, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lastRun == nil {
		return ledger.ReconcileReport{}, false
	}
	return *rs.lastRun, true
}
