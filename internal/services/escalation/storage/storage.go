// Package storage defines the persistence contract of the escalation engine:
// tasks with per-stage claim timestamps, the dispatch ledger and the response
// ledger.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
)

var (
	// ErrNotFound indicates a requested task, attempt or response record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints
	// or with the current state of the row.
	ErrConflict = errors.New("record conflict")
)

// TaskRecord stores one scheduled task and its escalation progress.
type TaskRecord struct {
	ID             string
	UserID         string
	Title          string
	Status         domain.TaskStatus
	ScheduledAt    time.Time
	ReminderSentAt *time.Time
	UrgentSentAt   *time.Time
	CallSentAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SentAt returns the claim timestamp recorded for stage, or nil.
func (t TaskRecord) SentAt(stage domain.Stage) *time.Time {
	switch stage {
	case domain.StageReminder:
		return t.ReminderSentAt
	case domain.StageUrgent:
		return t.UrgentSentAt
	case domain.StageCall:
		return t.CallSentAt
	}
	return nil
}

// DispatchAttemptRecord stores one outbound side effect in the dispatch ledger.
type DispatchAttemptRecord struct {
	ID            string
	TaskID        string
	Channel       domain.Channel
	Status        domain.DispatchStatus
	ExternalID    string
	Error         string
	RecoveryCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DispatchedAt  *time.Time
}

// ResponseRecord stores one sent message and the user's answer to it.
type ResponseRecord struct {
	ID          string
	TaskID      string
	Channel     domain.Channel
	ExternalID  string
	SentAt      time.Time
	Response    domain.ResponseKind
	RespondedAt *time.Time
}

// DueQuery selects pending tasks ready for one stage.
type DueQuery struct {
	Stage domain.Stage
	// After is the stamped stage whose timestamp anchors the window. Empty
	// anchors on scheduled_at.
	After  domain.Stage
	Cutoff time.Time
	Limit  int
}

// ClaimInput identifies one stage claim and the attempt it records.
type ClaimInput struct {
	TaskID    string
	Stage     domain.Stage
	After     domain.Stage
	AttemptID string
	ClaimedAt time.Time
}

// AttemptCompletion confirms a successful side effect.
type AttemptCompletion struct {
	AttemptID    string
	ExternalID   string
	ResponseID   string
	DispatchedAt time.Time
	// Unlinked opens the response record without the external id, so
	// callbacks cannot reach it. The attempt still keeps the id.
	Unlinked bool
}

// ResponseInput carries one mapped inbound reply.
type ResponseInput struct {
	Channel     domain.Channel
	ExternalID  string
	Kind        domain.ResponseKind
	RespondedAt time.Time
}

// ResponseOutcome reports what applying a reply changed.
type ResponseOutcome struct {
	Record ResponseRecord
	// Duplicate is true when the record already held a response; nothing changed.
	Duplicate bool
	// TaskStatus is the task's status after the call.
	TaskStatus domain.TaskStatus
	// Transitioned is true when this call moved the task out of pending.
	Transitioned bool
}

// LedgerSummary stores dispatch ledger depth by status.
type LedgerSummary struct {
	Pending         int
	Dispatched      int
	Failed          int
	OldestPendingAt *time.Time
}

// TaskStore persists tasks and performs the per-stage compare-and-set claims.
type TaskStore interface {
	PutTask(ctx context.Context, record TaskRecord) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, error)
	ListDueTasks(ctx context.Context, query DueQuery) ([]TaskRecord, error)
	// ClaimStage sets the stage timestamp (or, for auto-miss, the missed
	// status) only if nobody else has, and records a pending attempt in the
	// same transaction. claimed is false when another worker won.
	ClaimStage(ctx context.Context, input ClaimInput) (attempt DispatchAttemptRecord, claimed bool, err error)
}

// DispatchLedger persists outbound attempt state.
type DispatchLedger interface {
	GetAttempt(ctx context.Context, attemptID string) (DispatchAttemptRecord, error)
	CompleteAttempt(ctx context.Context, completion AttemptCompletion) (DispatchAttemptRecord, error)
	FailAttempt(ctx context.Context, attemptID string, reason string, failedAt time.Time) error
	ListStaleAttempts(ctx context.Context, createdBefore time.Time, limit int) ([]DispatchAttemptRecord, error)
	// LeaseStaleAttempt takes exclusive recovery ownership of a pending
	// attempt whose last touch is at or before staleBefore.
	LeaseStaleAttempt(ctx context.Context, attemptID string, staleBefore time.Time, now time.Time) (DispatchAttemptRecord, bool, error)
	ListAttempts(ctx context.Context, status domain.DispatchStatus, limit int) ([]DispatchAttemptRecord, error)
	SummarizeLedger(ctx context.Context) (LedgerSummary, error)
	RequeueFailedAttempt(ctx context.Context, attemptID string, now time.Time) error
	RequeueFailedAttempts(ctx context.Context, limit int, now time.Time) (int, error)
}

// ResponseLedger persists replies keyed by provider external id.
type ResponseLedger interface {
	GetResponseByExternalID(ctx context.Context, channel domain.Channel, externalID string) (ResponseRecord, error)
	ListResponsesByTask(ctx context.Context, taskID string) ([]ResponseRecord, error)
	// ApplyResponse records the reply and transitions a pending task in one
	// transaction. Replays of the same external id are duplicates.
	ApplyResponse(ctx context.Context, input ResponseInput) (ResponseOutcome, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	TaskStore
	DispatchLedger
	ResponseLedger
}
