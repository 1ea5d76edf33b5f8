package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/escalator/internal/platform/id"
	"github.com/louisbranch/escalator/internal/platform/timeouts"
	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
)

// Claimer grants exclusive ownership of one stage of one task.
type Claimer struct {
	tasks  storage.TaskStore
	policy domain.Policy
	newID  func() (string, error)
}

// NewClaimer builds a claimer. A nil newID uses id.NewID.
func NewClaimer(tasks storage.TaskStore, policy domain.Policy, newID func() (string, error)) *Claimer {
	if newID == nil {
		newID = id.NewID
	}
	return &Claimer{tasks: tasks, policy: policy, newID: newID}
}

// Claim attempts the stage compare-and-set for taskID at now. claimed is false
// when another worker already owns the stage or the task left pending; that is
// not an error.
func (c *Claimer) Claim(ctx context.Context, taskID string, stage domain.Stage, now time.Time) (attempt storage.DispatchAttemptRecord, claimed bool, err error) {
	if c == nil || c.tasks == nil {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("claimer is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("task id is required")
	}
	if !c.policy.Enabled(stage) {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("%w: %s is not enabled", domain.ErrInvalidStage, stage)
	}
	attemptID, err := c.newID()
	if err != nil {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("generate attempt id: %w", err)
	}
	after, _ := c.policy.Predecessor(stage)
	claimCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
	defer cancel()
	return c.tasks.ClaimStage(claimCtx, storage.ClaimInput{
		TaskID:    taskID,
		Stage:     stage,
		After:     after,
		AttemptID: attemptID,
		ClaimedAt: now.UTC(),
	})
}
