package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/escalator/internal/platform/timeouts"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
)

const recoveryExhausted = "recovery exhausted"

// SweepReport summarizes one recovery sweep.
type SweepReport struct {
	Stale      int
	Leased     int
	Dispatched int
	Failed     int
	Exhausted  int
}

// Recovery completes dispatches whose worker died between claim and
// confirmation.
type Recovery struct {
	store      storage.Store
	dispatcher *Dispatcher
	cfg        Config
	clock      func() time.Time
	logf       func(string, ...any)
}

// NewRecovery builds a recovery sweeper. cfg is normalized.
func NewRecovery(store storage.Store, dispatcher *Dispatcher, cfg Config, clock func() time.Time, logf func(string, ...any)) *Recovery {
	if clock == nil {
		clock = time.Now
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Recovery{store: store, dispatcher: dispatcher, cfg: cfg.normalized(), clock: clock, logf: logf}
}

// Run sweeps every recovery interval until ctx is done. The startup sweep is
// the engine's job.
func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logf("recovery sweep: %v", err)
		}
	}
}

// Sweep pages through stale pending attempts, leases each one and re-runs its
// side effect without touching the stage claim. It stops when a page yields no
// lease, so attempts owned by another sweeper do not spin it.
func (r *Recovery) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	for {
		now := r.clock()
		staleBefore := now.Add(-r.cfg.StaleAfter)

		listCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
		stale, err := r.store.ListStaleAttempts(listCtx, staleBefore, r.cfg.BatchSize)
		cancel()
		if err != nil {
			return report, fmt.Errorf("list stale attempts: %w", err)
		}
		report.Stale += len(stale)

		leased := 0
		for _, candidate := range stale {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			leaseCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
			attempt, ok, err := r.store.LeaseStaleAttempt(leaseCtx, candidate.ID, staleBefore, now)
			cancel()
			if err != nil {
				return report, fmt.Errorf("lease attempt %s: %w", candidate.ID, err)
			}
			if !ok {
				continue
			}
			leased++
			report.Leased++
			r.recoverAttempt(ctx, attempt, &report)
		}
		if leased == 0 || len(stale) < r.cfg.BatchSize {
			break
		}
	}
	if report.Leased > 0 {
		r.logf("recovery sweep: stale=%d leased=%d dispatched=%d failed=%d exhausted=%d",
			report.Stale, report.Leased, report.Dispatched, report.Failed, report.Exhausted)
	}
	return report, nil
}

func (r *Recovery) recoverAttempt(ctx context.Context, attempt storage.DispatchAttemptRecord, report *SweepReport) {
	if attempt.RecoveryCount > r.cfg.MaxRecoveryAttempts {
		r.logf("recovery exhausted: attempt=%s task=%s channel=%s recoveries=%d", attempt.ID, attempt.TaskID, attempt.Channel, attempt.RecoveryCount-1)
		if err := r.failAttempt(ctx, attempt.ID, recoveryExhausted); err != nil {
			r.logf("mark attempt %s exhausted: %v", attempt.ID, err)
		}
		report.Exhausted++
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
	task, err := r.store.GetTask(loadCtx, attempt.TaskID)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if failErr := r.failAttempt(ctx, attempt.ID, "task not found"); failErr != nil {
				r.logf("mark orphan attempt %s failed: %v", attempt.ID, failErr)
			}
			report.Failed++
			return
		}
		r.logf("recover attempt %s: load task: %v", attempt.ID, err)
		return
	}

	r.logf("recovering attempt=%s task=%s channel=%s recovery=%d", attempt.ID, task.ID, attempt.Channel, attempt.RecoveryCount)
	outcome, err := r.dispatcher.Execute(ctx, task, attempt)
	if err != nil {
		r.logf("recover attempt %s: %v", attempt.ID, err)
	}
	switch outcome {
	case OutcomeDispatched:
		report.Dispatched++
	case OutcomeFailed:
		report.Failed++
	}
}

func (r *Recovery) failAttempt(ctx context.Context, attemptID, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
	defer cancel()
	return r.store.FailAttempt(ctx, attemptID, reason, r.clock().UTC())
}
