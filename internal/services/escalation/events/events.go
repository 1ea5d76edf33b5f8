// Package events publishes task transitions produced by the escalation engine
// to downstream consumers such as the rescheduling flow.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
)

// Kind names one transition event.
type Kind string

const (
	// KindTaskMissed is emitted when the ladder runs out.
	KindTaskMissed Kind = "task.missed"
	// KindTaskDone is emitted when a reply completes a task.
	KindTaskDone Kind = "task.done"
	// KindTaskDeclined is emitted when a reply marks a task missed.
	KindTaskDeclined Kind = "task.declined"
	// KindTaskRescheduled hands a task to the rescheduling flow.
	KindTaskRescheduled Kind = "task.rescheduled"
)

// KindForStatus returns the event kind announcing a reply-driven transition.
func KindForStatus(status domain.TaskStatus) (Kind, bool) {
	switch status {
	case domain.TaskDone:
		return KindTaskDone, true
	case domain.TaskMissed:
		return KindTaskDeclined, true
	case domain.TaskRescheduled:
		return KindTaskRescheduled, true
	}
	return "", false
}

// Event is the wire shape of one transition.
type Event struct {
	Kind       Kind           `json:"kind"`
	TaskID     string         `json:"task_id"`
	Channel    domain.Channel `json:"channel,omitempty"`
	AttemptID  string         `json:"attempt_id,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Encode renders the event as JSON.
func (e Event) Encode() ([]byte, error) {
	if e.Kind == "" {
		return nil, fmt.Errorf("event kind is required")
	}
	if e.TaskID == "" {
		return nil, fmt.Errorf("event task id is required")
	}
	return json.Marshal(e)
}

// Publisher delivers transition events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the process log. It is used when no broker is
// configured.
type LogPublisher struct {
	Logf func(format string, args ...any)
}

// Publish logs the encoded event.
func (p LogPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	logf := p.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("event %s", payload)
	return nil
}
