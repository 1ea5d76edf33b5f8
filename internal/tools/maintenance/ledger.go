package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
)

type attemptRow struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	Channel       string     `json:"channel"`
	Status        string     `json:"status"`
	ExternalID    string     `json:"external_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	RecoveryCount int        `json:"recovery_count"`
	CreatedAt     time.Time  `json:"created_at"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty"`
}

type ledgerSummary struct {
	Pending         int        `json:"pending"`
	Dispatched      int        `json:"dispatched"`
	Failed          int        `json:"failed"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

type ledgerReport struct {
	Mode    string        `json:"mode"`
	Status  string        `json:"status,omitempty"`
	Limit   int           `json:"limit"`
	Summary ledgerSummary `json:"summary"`
	Rows    []attemptRow  `json:"rows"`
}

type requeueResult struct {
	Mode      string `json:"mode"`
	AttemptID string `json:"attempt_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Requeued  int    `json:"requeued"`
}

func runLedgerReport(ctx context.Context, inspector ledgerInspector, status string, limit int, jsonOutput bool, out io.Writer) error {
	if inspector == nil {
		return fmt.Errorf("ledger inspector is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("ledger limit must be > 0")
	}
	var filter domain.DispatchStatus
	if strings.TrimSpace(status) != "" {
		parsed, err := domain.ParseDispatchStatus(status)
		if err != nil {
			return err
		}
		filter = parsed
	}

	summary, err := inspector.SummarizeLedger(ctx)
	if err != nil {
		return fmt.Errorf("read ledger summary: %w", err)
	}
	records, err := inspector.ListAttempts(ctx, filter, limit)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	rows := make([]attemptRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, toAttemptRow(record))
	}

	if jsonOutput {
		encoded, err := json.Marshal(ledgerReport{
			Mode:    "ledger",
			Status:  string(filter),
			Limit:   limit,
			Summary: ledgerSummary(summary),
			Rows:    rows,
		})
		if err != nil {
			return fmt.Errorf("encode ledger report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(out, "Ledger summary: pending=%d dispatched=%d failed=%d\n", summary.Pending, summary.Dispatched, summary.Failed)
	if summary.OldestPendingAt == nil {
		fmt.Fprintln(out, "Oldest pending attempt: none")
	} else {
		fmt.Fprintf(out, "Oldest pending attempt: created_at=%s\n", summary.OldestPendingAt.Format(time.RFC3339))
	}
	if filter == "" {
		fmt.Fprintf(out, "Rows (all statuses, limit=%d):\n", limit)
	} else {
		fmt.Fprintf(out, "Rows (status=%s, limit=%d):\n", filter, limit)
	}
	for _, row := range rows {
		fmt.Fprintf(out, "- %s task=%s channel=%s status=%s recoveries=%d created_at=%s\n",
			row.ID, row.TaskID, row.Channel, row.Status, row.RecoveryCount, row.CreatedAt.Format(time.RFC3339))
		if row.Error != "" {
			fmt.Fprintf(out, "  error=%s\n", row.Error)
		}
	}
	return nil
}

func runRequeueFailed(ctx context.Context, requeuer ledgerRequeuer, attemptID string, now time.Time, jsonOutput bool, out io.Writer) error {
	if requeuer == nil {
		return fmt.Errorf("ledger requeuer is not configured")
	}
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return fmt.Errorf("attempt id is required")
	}
	if err := requeuer.RequeueFailedAttempt(ctx, attemptID, now); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("attempt %s not found", attemptID)
		case errors.Is(err, storage.ErrConflict):
			return fmt.Errorf("attempt %s is not failed: %w", attemptID, err)
		}
		return fmt.Errorf("requeue attempt: %w", err)
	}

	if jsonOutput {
		payload, err := json.Marshal(requeueResult{Mode: "requeue-failed", AttemptID: attemptID, Requeued: 1})
		if err != nil {
			return fmt.Errorf("encode requeue report: %w", err)
		}
		fmt.Fprintln(out, string(payload))
		return nil
	}
	fmt.Fprintf(out, "Requeued failed attempt: %s\n", attemptID)
	return nil
}

func runRequeueFailedBatch(ctx context.Context, requeuer ledgerRequeuer, limit int, now time.Time, jsonOutput bool, out io.Writer) error {
	if requeuer == nil {
		return fmt.Errorf("ledger requeuer is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("requeue limit must be > 0")
	}
	requeued, err := requeuer.RequeueFailedAttempts(ctx, limit, now)
	if err != nil {
		return fmt.Errorf("requeue failed attempts: %w", err)
	}

	if jsonOutput {
		payload, err := json.Marshal(requeueResult{Mode: "requeue-failed-batch", Limit: limit, Requeued: requeued})
		if err != nil {
			return fmt.Errorf("encode requeue report: %w", err)
		}
		fmt.Fprintln(out, string(payload))
		return nil
	}
	fmt.Fprintf(out, "Requeued failed attempts: %d (limit=%d)\n", requeued, limit)
	return nil
}

func toAttemptRow(record storage.DispatchAttemptRecord) attemptRow {
	return attemptRow{
		ID:            record.ID,
		TaskID:        record.TaskID,
		Channel:       string(record.Channel),
		Status:        string(record.Status),
		ExternalID:    record.ExternalID,
		Error:         record.Error,
		RecoveryCount: record.RecoveryCount,
		CreatedAt:     record.CreatedAt,
		DispatchedAt:  record.DispatchedAt,
	}
}
