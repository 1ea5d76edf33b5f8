package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/escalator/internal/platform/id"
	"github.com/louisbranch/escalator/internal/services/escalation/events"
	"github.com/louisbranch/escalator/internal/services/escalation/gateway"
	"github.com/louisbranch/escalator/internal/services/escalation/response"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
	"golang.org/x/sync/errgroup"
)

// Deps collects engine collaborators. Clock, NewID and Logf are optional.
type Deps struct {
	Store     storage.Store
	Gateways  gateway.Set
	Publisher events.Publisher
	Clock     func() time.Time
	NewID     func() (string, error)
	Logf      func(string, ...any)
}

// Engine wires the scheduler, recovery sweep and response handler over one
// store.
type Engine struct {
	scheduler  *Scheduler
	recovery   *Recovery
	responder  *response.Handler
	dispatcher *Dispatcher
	logf       func(string, ...any)
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	cfg = cfg.normalized()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = id.NewID
	}
	if deps.Logf == nil {
		deps.Logf = log.Printf
	}
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{Logf: deps.Logf}
	}

	dispatcher := NewDispatcher(DispatcherDeps{
		Claimer:        NewClaimer(deps.Store, cfg.Policy, deps.NewID),
		Ledger:         deps.Store,
		Gateways:       deps.Gateways,
		Publisher:      deps.Publisher,
		GatewayTimeout: cfg.GatewayTimeout,
		Clock:          deps.Clock,
		NewID:          deps.NewID,
		Logf:           deps.Logf,
	})
	return &Engine{
		scheduler:  NewScheduler(deps.Store, dispatcher, cfg, deps.Clock, deps.Logf),
		recovery:   NewRecovery(deps.Store, dispatcher, cfg, deps.Clock, deps.Logf),
		responder:  response.NewHandler(deps.Store, deps.Publisher, deps.Clock, deps.Logf),
		dispatcher: dispatcher,
		logf:       deps.Logf,
	}, nil
}

// Start runs a recovery sweep, calls onReady, then runs the scheduler and the
// periodic recovery loop until ctx is done.
func (e *Engine) Start(ctx context.Context, onReady func()) error {
	if _, err := e.recovery.Sweep(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("startup recovery: %w", err)
	}
	if onReady != nil {
		onReady()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scheduler.Run(gctx) })
	g.Go(func() error { return e.recovery.Run(gctx) })
	return g.Wait()
}

// Scheduler returns the poll scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Recovery returns the recovery sweeper.
func (e *Engine) Recovery() *Recovery { return e.recovery }

// Responder returns the inbound response handler.
func (e *Engine) Responder() *response.Handler { return e.responder }

// Dispatcher returns the stage dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }
