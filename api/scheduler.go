/*
scheduler.go - Periodic consistency audit

PURPOSE:
  Runs circulation.Audit in the background and keeps the latest report for
  GET /api/audit. Violations are logged at Error and published to the
  audit gauge.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Audit is read-only; it never repairs anything

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(store, logger)
  scheduler.Reporter = metrics
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - circulation/audit.go: The checks themselves
  - handlers.go: GetAudit endpoint (manual run)
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hinlibs/circulation/circulation"
)

// ViolationReporter receives the violation count after each audit.
type ViolationReporter interface {
	SetAuditViolations(n int)
}

// AuditReport is the outcome of one audit run.
type AuditReport struct {
	RanAt      time.Time
	Violations []circulation.Violation
	Err        error
}

// AuditScheduler handles the periodic consistency audit.
type AuditScheduler struct {
	Store         circulation.TxStore
	Reporter      ViolationReporter
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *AuditReport
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(store circulation.TxStore, logger *slog.Logger) *AuditScheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AuditScheduler{
		Store:         store,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled || as.CheckInterval <= 0 {
		as.Logger.Info("audit scheduler disabled")
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.wg.Add(1)

	go as.run()

	as.Logger.Info("audit scheduler started", "interval", as.CheckInterval)
}

// Stop stops the scheduler.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.Logger.Info("audit scheduler stopped")
	}
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	// Run immediately on start
	as.RunNow(context.Background())

	for {
		select {
		case <-as.ticker.C:
			as.RunNow(context.Background())
		case <-as.stop:
			return
		}
	}
}

// RunNow audits immediately and records the report.
func (as *AuditScheduler) RunNow(ctx context.Context) AuditReport {
	report := AuditReport{RanAt: time.Now().UTC()}
	report.Violations, report.Err = circulation.Audit(ctx, as.Store)

	switch {
	case report.Err != nil:
		as.Logger.Warn("audit failed", "error", report.Err)
	case len(report.Violations) > 0:
		for _, v := range report.Violations {
			as.Logger.Error("invariant violated", "item", v.ItemID, "rule", v.Rule, "detail", v.Detail)
		}
	default:
		as.Logger.Debug("audit clean")
	}
	if report.Err == nil && as.Reporter != nil {
		as.Reporter.SetAuditViolations(len(report.Violations))
	}

	as.lastMu.Lock()
	as.last = &report
	as.lastMu.Unlock()
	return report
}

// LastReport returns the most recent report, if any run has completed.
func (as *AuditScheduler) LastReport() (AuditReport, bool) {
	as.lastMu.RLock()
	defer as.lastMu.RUnlock()
	if as.last == nil {
		return AuditReport{}, false
	}
	return *as.last, true
}

// GetNextRunTime returns when the next scheduled check will occur.
func (as *AuditScheduler) GetNextRunTime() time.Time {
	as.lastMu.RLock()
	defer as.lastMu.RUnlock()
	if as.last == nil {
		return time.Now().UTC()
	}
	return as.last.RanAt.Add(as.CheckInterval)
}
