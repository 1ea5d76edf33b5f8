package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/louisbranch/escalator/internal/platform/timeouts"
	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
	"golang.org/x/sync/errgroup"
)

// StageReport summarizes one stage of one tick.
type StageReport struct {
	Stage      domain.Stage
	Due        int
	Dispatched int
	Failed     int
	Skipped    int
	// Err is set when the due-query failed; the next tick retries.
	Err error
}

// Scheduler runs the due-queries on a fixed interval and feeds due tasks to
// the dispatcher.
type Scheduler struct {
	tasks      storage.TaskStore
	dispatcher *Dispatcher
	cfg        Config
	clock      func() time.Time
	logf       func(string, ...any)
}

// NewScheduler builds a scheduler. cfg is normalized.
func NewScheduler(tasks storage.TaskStore, dispatcher *Dispatcher, cfg Config, clock func() time.Time, logf func(string, ...any)) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Scheduler{tasks: tasks, dispatcher: dispatcher, cfg: cfg.normalized(), clock: clock, logf: logf}
}

// Run ticks immediately and then every poll interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.logReports(s.Tick(ctx))
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs every enabled stage once, concurrently, and returns per-stage
// reports in ladder order.
func (s *Scheduler) Tick(ctx context.Context) []StageReport {
	stages := s.cfg.Policy.Stages()
	reports := make([]StageReport, len(stages))
	now := s.clock()

	var g errgroup.Group
	for i, stage := range stages {
		g.Go(func() error {
			reports[i] = s.tickStage(ctx, stage, now)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (s *Scheduler) tickStage(ctx context.Context, stage domain.Stage, now time.Time) StageReport {
	report := StageReport{Stage: stage}
	after, _ := s.cfg.Policy.Predecessor(stage)

	queryCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
	due, err := s.tasks.ListDueTasks(queryCtx, storage.DueQuery{
		Stage:  stage,
		After:  after,
		Cutoff: s.cfg.Policy.DueCutoff(stage, now),
		Limit:  s.cfg.BatchSize,
	})
	cancel()
	if err != nil {
		report.Err = fmt.Errorf("due query: %w", err)
		return report
	}
	report.Due = len(due)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	for _, task := range due {
		g.Go(func() error {
			outcome, err := s.dispatcher.Dispatch(ctx, task, stage)
			if err != nil {
				s.logf("dispatch %s task=%s: %v", stage, task.ID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeDispatched:
				report.Dispatched++
			case OutcomeFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (s *Scheduler) logReports(reports []StageReport) {
	for _, report := range reports {
		if report.Err != nil {
			s.logf("tick %s: %v", report.Stage, report.Err)
			continue
		}
		if report.Due == 0 {
			continue
		}
		s.logf("tick %s: due=%d dispatched=%d failed=%d skipped=%d",
			report.Stage, report.Due, report.Dispatched, report.Failed, report.Skipped)
	}
}
