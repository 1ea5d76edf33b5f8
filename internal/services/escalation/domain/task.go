package domain

import (
	"fmt"
	"strings"
)

// TaskStatus is the authoritative lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending is the only state the escalation ladder acts on.
	TaskPending TaskStatus = "pending"
	// TaskDone means the user completed the task.
	TaskDone TaskStatus = "done"
	// TaskMissed means the user declined or the ladder ran out.
	TaskMissed TaskStatus = "missed"
	// TaskRescheduled means the task was handed to the rescheduling flow.
	TaskRescheduled TaskStatus = "rescheduled"
	// TaskCancelled means the task was withdrawn outside the engine.
	TaskCancelled TaskStatus = "cancelled"
)

// ParseTaskStatus validates a task status.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	status := TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case TaskPending, TaskDone, TaskMissed, TaskRescheduled, TaskCancelled:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTaskStatus, raw)
}

// Terminal reports whether s can no longer change.
func (s TaskStatus) Terminal() bool {
	return s != TaskPending && s != ""
}

// DispatchStatus tracks one outbound attempt in the dispatch ledger.
type DispatchStatus string

const (
	// DispatchPending is written before the provider is called.
	DispatchPending DispatchStatus = "pending"
	// DispatchDispatched means the provider accepted the request.
	DispatchDispatched DispatchStatus = "dispatched"
	// DispatchFailed means the provider rejected, errored or timed out.
	DispatchFailed DispatchStatus = "failed"
)

// ParseDispatchStatus validates a dispatch status.
func ParseDispatchStatus(raw string) (DispatchStatus, error) {
	status := DispatchStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case DispatchPending, DispatchDispatched, DispatchFailed:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDispatchStatus, raw)
}
