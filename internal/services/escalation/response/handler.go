// Package response turns inbound provider callbacks into authoritative task
// transitions.
package response

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	platformotel "github.com/louisbranch/escalator/internal/platform/otel"
	"github.com/louisbranch/escalator/internal/platform/timeouts"
	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/events"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnknownExternalID indicates no sent message carries the callback's id.
	ErrUnknownExternalID = errors.New("unknown external id")
	// ErrExternalIDRequired indicates a callback without a provider id.
	ErrExternalIDRequired = errors.New("external id is required")
)

// Result reports how one callback was applied.
type Result struct {
	Kind domain.ResponseKind
	// Recognized is false when the payload did not map to a response; nothing
	// was written.
	Recognized bool
	// Duplicate is true when the external id already had a response.
	Duplicate    bool
	TaskID       string
	TaskStatus   domain.TaskStatus
	Transitioned bool
}

// Handler applies provider callbacks to the response ledger.
type Handler struct {
	ledger    storage.ResponseLedger
	publisher events.Publisher
	clock     func() time.Time
	logf      func(string, ...any)
}

// NewHandler builds a response handler. Nil publisher logs events; nil clock
// and logf fall back to time.Now and log.Printf.
func NewHandler(ledger storage.ResponseLedger, publisher events.Publisher, clock func() time.Time, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = log.Printf
	}
	if publisher == nil {
		publisher = events.LogPublisher{Logf: logf}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Handler{ledger: ledger, publisher: publisher, clock: clock, logf: logf}
}

// HandleResponse maps rawPayload for channel and applies it to the message
// identified by externalID. Replays of the same external id succeed without
// changing anything, so providers can redeliver freely.
func (h *Handler) HandleResponse(ctx context.Context, channel domain.Channel, externalID string, rawPayload string) (Result, error) {
	if h == nil || h.ledger == nil {
		return Result{}, fmt.Errorf("response handler is not configured")
	}
	if !channel.AcceptsResponses() {
		return Result{}, fmt.Errorf("%w: %q does not accept responses", domain.ErrInvalidChannel, channel)
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Result{}, ErrExternalIDRequired
	}

	ctx, span := platformotel.Tracer().Start(ctx, "escalation.response", trace.WithAttributes(
		attribute.String("escalation.channel", string(channel)),
		attribute.String("provider.external_id", externalID),
	))
	defer span.End()

	kind, ok := domain.MapResponse(channel, rawPayload)
	if !ok {
		h.logf("unrecognized %s response external_id=%s payload=%q", channel, externalID, truncate(rawPayload, 64))
		return Result{Kind: domain.ResponseNoResponse}, nil
	}
	span.SetAttributes(attribute.String("escalation.response", string(kind)))

	storeCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
	defer cancel()
	outcome, err := h.ledger.ApplyResponse(storeCtx, storage.ResponseInput{
		Channel:     channel,
		ExternalID:  externalID,
		Kind:        kind,
		RespondedAt: h.clock().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownExternalID, externalID)
		}
		return Result{}, fmt.Errorf("apply response: %w", err)
	}

	result := Result{
		Kind:         kind,
		Recognized:   true,
		Duplicate:    outcome.Duplicate,
		TaskID:       outcome.Record.TaskID,
		TaskStatus:   outcome.TaskStatus,
		Transitioned: outcome.Transitioned,
	}
	if result.Duplicate {
		h.logf("duplicate %s response external_id=%s task=%s", channel, externalID, result.TaskID)
		return result, nil
	}
	if result.Transitioned {
		h.announce(ctx, channel, externalID, result)
	}
	return result, nil
}

// announce publishes the transition. The state change is already committed,
// so a publish failure is logged rather than returned.
func (h *Handler) announce(ctx context.Context, channel domain.Channel, externalID string, result Result) {
	kind, ok := events.KindForStatus(result.TaskStatus)
	if !ok {
		return
	}
	err := h.publisher.Publish(ctx, events.Event{
		Kind:       kind,
		TaskID:     result.TaskID,
		Channel:    channel,
		ExternalID: externalID,
		OccurredAt: h.clock().UTC(),
	})
	if err != nil {
		h.logf("publish %s task=%s: %v", kind, result.TaskID, err)
	}
}

// truncate cuts value to at most limit bytes on a rune boundary.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}
