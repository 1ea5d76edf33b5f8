package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/escalator/internal/platform/id"
	platformotel "github.com/louisbranch/escalator/internal/platform/otel"
	"github.com/louisbranch/escalator/internal/platform/timeouts"
	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/events"
	"github.com/louisbranch/escalator/internal/services/escalation/gateway"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome summarizes one dispatch.
type Outcome int

const (
	// OutcomeSkipped means the stage was not claimed or the call was abandoned
	// on shutdown with its attempt left pending.
	OutcomeSkipped Outcome = iota
	// OutcomeDispatched means the side effect succeeded and was recorded.
	OutcomeDispatched
	// OutcomeFailed means the side effect failed; the stage stays consumed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeFailed:
		return "failed"
	}
	return "skipped"
}

// Dispatcher claims a stage and performs its side effect.
type Dispatcher struct {
	claimer   *Claimer
	ledger    storage.DispatchLedger
	gateways  gateway.Set
	publisher events.Publisher
	timeout   time.Duration
	clock     func() time.Time
	newID     func() (string, error)
	logf      func(string, ...any)
}

// DispatcherDeps collects dispatcher collaborators. Nil hooks fall back to
// time.Now, id.NewID and log.Printf.
type DispatcherDeps struct {
	Claimer        *Claimer
	Ledger         storage.DispatchLedger
	Gateways       gateway.Set
	Publisher      events.Publisher
	GatewayTimeout time.Duration
	Clock          func() time.Time
	NewID          func() (string, error)
	Logf           func(string, ...any)
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	d := &Dispatcher{
		claimer:   deps.Claimer,
		ledger:    deps.Ledger,
		gateways:  deps.Gateways,
		publisher: deps.Publisher,
		timeout:   deps.GatewayTimeout,
		clock:     deps.Clock,
		newID:     deps.NewID,
		logf:      deps.Logf,
	}
	if d.publisher == nil {
		d.publisher = events.LogPublisher{Logf: deps.Logf}
	}
	if d.timeout <= 0 {
		d.timeout = timeouts.GatewayCall
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.newID == nil {
		d.newID = id.NewID
	}
	if d.logf == nil {
		d.logf = log.Printf
	}
	return d
}

// Dispatch claims stage for task and, when the claim is won, executes it.
func (d *Dispatcher) Dispatch(ctx context.Context, task storage.TaskRecord, stage domain.Stage) (Outcome, error) {
	attempt, claimed, err := d.claimer.Claim(ctx, task.ID, stage, d.clock())
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("claim %s for task %s: %w", stage, task.ID, err)
	}
	if !claimed {
		return OutcomeSkipped, nil
	}
	return d.Execute(ctx, task, attempt)
}

// Execute performs the side effect of an already-claimed attempt and records
// the result in the dispatch ledger. It never re-claims, so recovery uses it
// directly. If ctx is cancelled mid-call the attempt is left pending for the
// next recovery sweep.
func (d *Dispatcher) Execute(ctx context.Context, task storage.TaskRecord, attempt storage.DispatchAttemptRecord) (Outcome, error) {
	ctx, span := platformotel.Tracer().Start(ctx, "escalation.dispatch", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("attempt.id", attempt.ID),
		attribute.String("escalation.channel", string(attempt.Channel)),
		attribute.Int("attempt.recovery_count", attempt.RecoveryCount),
	))
	defer span.End()

	receipt, sendErr := d.sideEffect(ctx, task, attempt)
	if sendErr != nil && ctx.Err() != nil {
		span.SetStatus(codes.Error, "abandoned")
		return OutcomeSkipped, errors.Join(ctx.Err(), sendErr)
	}

	// Outcomes are recorded even if shutdown starts now.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.StoreOperation)
	defer cancel()
	now := d.clock().UTC()

	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, sendErr.Error())
		d.logf("dispatch failed: task=%s channel=%s attempt=%s: %v", task.ID, attempt.Channel, attempt.ID, sendErr)
		if err := d.ledger.FailAttempt(writeCtx, attempt.ID, sendErr.Error(), now); err != nil {
			return OutcomeFailed, fmt.Errorf("record failed attempt %s: %w", attempt.ID, err)
		}
		return OutcomeFailed, nil
	}

	completion := storage.AttemptCompletion{
		AttemptID:    attempt.ID,
		ExternalID:   receipt.ExternalID,
		DispatchedAt: now,
	}
	if attempt.Channel.AcceptsResponses() {
		responseID, err := d.newID()
		if err != nil {
			return OutcomeFailed, fmt.Errorf("generate response id: %w", err)
		}
		completion.ResponseID = responseID
	}
	_, err := d.ledger.CompleteAttempt(writeCtx, completion)
	if errors.Is(err, storage.ErrConflict) && completion.ResponseID != "" && completion.ExternalID != "" {
		// Provider reused an id another message on this channel holds. The
		// send still happened.
		d.logf("dispatch recorded without callback link: task=%s channel=%s attempt=%s external_id=%s: %v", task.ID, attempt.Channel, attempt.ID, receipt.ExternalID, err)
		completion.Unlinked = true
		_, err = d.ledger.CompleteAttempt(writeCtx, completion)
	}
	if err != nil {
		span.RecordError(err)
		return OutcomeFailed, fmt.Errorf("record dispatched attempt %s: %w", attempt.ID, err)
	}
	span.SetAttributes(attribute.String("provider.external_id", receipt.ExternalID))
	return OutcomeDispatched, nil
}

func (d *Dispatcher) sideEffect(ctx context.Context, task storage.TaskRecord, attempt storage.DispatchAttemptRecord) (gateway.Receipt, error) {
	if attempt.Channel == domain.ChannelAutoMiss {
		err := d.publisher.Publish(ctx, events.Event{
			Kind:       events.KindTaskMissed,
			TaskID:     task.ID,
			Channel:    attempt.Channel,
			AttemptID:  attempt.ID,
			OccurredAt: d.clock().UTC(),
		})
		if err != nil {
			return gateway.Receipt{}, fmt.Errorf("publish %s: %w", events.KindTaskMissed, err)
		}
		return gateway.Receipt{}, nil
	}

	sender, err := d.gateways.For(attempt.Channel)
	if err != nil {
		return gateway.Receipt{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return sender.Send(callCtx, gateway.Message{
		AttemptID:   attempt.ID,
		TaskID:      task.ID,
		UserID:      task.UserID,
		Title:       task.Title,
		Stage:       attempt.Channel.Stage(),
		ScheduledAt: task.ScheduledAt,
	})
}
