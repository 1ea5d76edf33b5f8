// Package gateway defines the outbound channel providers the dispatcher calls:
// push, urgent message and voice call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
)

var (
	// ErrNoGateway indicates no provider is configured for a channel.
	ErrNoGateway = errors.New("no gateway configured for channel")
	// ErrRejected indicates the provider refused the request permanently.
	ErrRejected = errors.New("provider rejected request")
)

// Message is the provider-neutral payload for one dispatch. AttemptID doubles
// as the provider idempotency key, so a recovery resend of the same attempt
// can be deduplicated upstream.
type Message struct {
	AttemptID   string
	TaskID      string
	UserID      string
	Title       string
	Stage       domain.Stage
	ScheduledAt time.Time
}

// Receipt is the provider acknowledgement. ExternalID correlates later
// callbacks; push providers may leave it empty.
type Receipt struct {
	ExternalID string
}

// Sender delivers one message on a channel.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (Receipt, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f(ctx, msg)
}

// Set routes channels to senders.
type Set struct {
	Push   Sender
	Urgent Sender
	Call   Sender
}

// For returns the sender for channel.
func (s Set) For(channel domain.Channel) (Sender, error) {
	var sender Sender
	switch channel {
	case domain.ChannelPush:
		sender = s.Push
	case domain.ChannelUrgent:
		sender = s.Urgent
	case domain.ChannelCall:
		sender = s.Call
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoGateway, channel)
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoGateway, channel)
	}
	return sender, nil
}

// ProviderError describes a non-success provider response.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}

// Unwrap exposes ErrRejected for permanent failures.
func (e *ProviderError) Unwrap() error {
	if e.Retryable() {
		return nil
	}
	return ErrRejected
}
