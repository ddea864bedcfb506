/*
auditor.go - Periodic ledger integrity audit

PURPOSE:
  Periodically re-verifies the fingerprint chain so tampering done directly
  in the database is noticed without anyone calling /api/ledger/verify.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Verifies incrementally: each run re-checks from the last verified NSR
    (its link is part of the next record's check) to the current head
  - After a violation the next run starts again from NSR 1, so the
    violation keeps being reported until someone looks at it
  - Results flow to the ledger Observer (metrics) and the log

USAGE:
  auditor := NewIntegrityAuditor(ledger, time.Hour, log)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - handlers.go: VerifyLedger endpoint (manual audit)
  - punch/ledger.go: VerifyIntegrity
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/timeclock/punch"
)

// IntegrityAuditor runs Ledger.VerifyIntegrity on a ticker.
type IntegrityAuditor struct {
	Ledger        *punch.Ledger
	CheckInterval time.Duration
	Enabled       bool

	log      *zap.Logger
	ticker   *time.Ticker
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex

	runMu    sync.Mutex
	verified int64 // last NSR that verified clean
}

// NewIntegrityAuditor creates an auditor. A non-positive interval disables it.
func NewIntegrityAuditor(ledger *punch.Ledger, interval time.Duration, log *zap.Logger) *IntegrityAuditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &IntegrityAuditor{
		Ledger:        ledger,
		CheckInterval: interval,
		Enabled:       interval > 0,
		log:           log.Named("integrity.auditor"),
	}
}

// Start begins the audit loop.
func (a *IntegrityAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Enabled {
		a.log.Info("disabled, not starting")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.CheckInterval)
	a.stop = make(chan struct{})
	a.wg.Add(1)

	go a.run(a.ticker.C, a.stop)

	a.log.Info("started", zap.Duration("interval", a.CheckInterval))
}

// Stop stops the audit loop and waits for a running check to finish.
func (a *IntegrityAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker != nil {
		a.ticker.Stop()
		close(a.stop)
		a.wg.Wait()
		a.ticker = nil
		a.log.Info("stopped")
	}
}

func (a *IntegrityAuditor) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer a.wg.Done()

	a.RunOnce(context.Background())

	for {
		select {
		case <-tick:
			a.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce performs one incremental audit and returns its report.
func (a *IntegrityAuditor) RunOnce(ctx context.Context) (*punch.IntegrityReport, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	from := a.verified
	if from < 1 {
		from = 1
	}

	report, err := a.Ledger.VerifyIntegrity(ctx, from, 0)
	if err != nil {
		a.log.Error("integrity audit failed", zap.Int64("from", from), zap.Error(err))
		return nil, err
	}

	if verr := report.Err(); verr != nil {
		a.verified = 0
		a.log.Error("integrity audit found violations",
			zap.Int64("from", report.From),
			zap.Int64("to", report.To),
			zap.Error(verr))
		return report, nil
	}

	if report.To > a.verified {
		a.verified = report.To
	}
	a.log.Debug("integrity audit passed",
		zap.Int64("from", report.From),
		zap.Int64("to", report.To),
		zap.Int("checked", len(report.Entries)))
	return report, nil
}

// Verified returns the highest NSR verified clean so far.
func (a *IntegrityAuditor) Verified() int64 {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.verified
}
