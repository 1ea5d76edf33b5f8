package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
)

const attemptColumns = `id, task_id, channel, status, external_id, error, recovery_count, created_at, updated_at, dispatched_at`

func insertAttemptExec(ctx context.Context, exec sqlExecer, record storage.DispatchAttemptRecord) error {
	_, err := exec.ExecContext(ctx, `
INSERT INTO dispatch_attempts (`+attemptColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.TaskID,
		string(record.Channel),
		string(record.Status),
		record.ExternalID,
		record.Error,
		record.RecoveryCount,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
		toNullMillis(record.DispatchedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("insert dispatch attempt %s: %w", record.ID, storage.ErrConflict)
		}
		return fmt.Errorf("insert dispatch attempt %s: %w", record.ID, err)
	}
	return nil
}

// GetAttempt loads one dispatch attempt by id.
func (s *Store) GetAttempt(ctx context.Context, attemptID string) (storage.DispatchAttemptRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.DispatchAttemptRecord{}, err
	}
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return storage.DispatchAttemptRecord{}, fmt.Errorf("attempt id is required")
	}
	return getAttempt(ctx, s.sqlDB.QueryRowContext, attemptID)
}

type rowQuerier func(ctx context.Context, query string, args ...any) *sql.Row

func getAttempt(ctx context.Context, query rowQuerier, attemptID string) (storage.DispatchAttemptRecord, error) {
	row := query(ctx, `SELECT `+attemptColumns+` FROM dispatch_attempts WHERE id = ?`, attemptID)
	record, err := scanAttempt(row.Scan)
	if err != nil {
		return storage.DispatchAttemptRecord{}, notFound(err)
	}
	return record, nil
}

// CompleteAttempt marks a pending attempt dispatched and, for channels users
// can answer on, opens its response record. Completing an attempt that is
// already dispatched returns it unchanged.
func (s *Store) CompleteAttempt(ctx context.Context, completion storage.AttemptCompletion) (storage.DispatchAttemptRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.DispatchAttemptRecord{}, err
	}
	completion.AttemptID = strings.TrimSpace(completion.AttemptID)
	completion.ExternalID = strings.TrimSpace(completion.ExternalID)
	completion.ResponseID = strings.TrimSpace(completion.ResponseID)
	if completion.AttemptID == "" {
		return storage.DispatchAttemptRecord{}, fmt.Errorf("attempt id is required")
	}
	if completion.DispatchedAt.IsZero() {
		return storage.DispatchAttemptRecord{}, fmt.Errorf("dispatched at is required")
	}

	var record storage.DispatchAttemptRecord
	err := withTx(ctx, s.sqlDB, "attempt completion", func(tx *sql.Tx) error {
		current, err := getAttempt(ctx, tx.QueryRowContext, completion.AttemptID)
		if err != nil {
			return err
		}
		switch current.Status {
		case domain.DispatchDispatched:
			record = current
			return nil
		case domain.DispatchFailed:
			return fmt.Errorf("complete attempt %s: already failed: %w", current.ID, storage.ErrConflict)
		}

		dispatchedAt := toMillis(completion.DispatchedAt)
		if _, err := tx.ExecContext(ctx, `
UPDATE dispatch_attempts
SET status = ?, external_id = ?, error = '', updated_at = ?, dispatched_at = ?
WHERE id = ? AND status = 'pending'
`,
			string(domain.DispatchDispatched),
			completion.ExternalID,
			dispatchedAt,
			dispatchedAt,
			current.ID,
		); err != nil {
			return fmt.Errorf("mark attempt %s dispatched: %w", current.ID, err)
		}

		if current.Channel.AcceptsResponses() {
			if completion.ResponseID == "" {
				return fmt.Errorf("response id is required for %s attempts", current.Channel)
			}
			responseExternalID := completion.ExternalID
			if completion.Unlinked {
				responseExternalID = ""
			}
			if err := insertResponseExec(ctx, tx, storage.ResponseRecord{
				ID:         completion.ResponseID,
				TaskID:     current.TaskID,
				Channel:    current.Channel,
				ExternalID: responseExternalID,
				SentAt:     completion.DispatchedAt,
			}); err != nil {
				return err
			}
		}

		record = current
		record.Status = domain.DispatchDispatched
		record.ExternalID = completion.ExternalID
		record.Error = ""
		record.UpdatedAt = fromMillis(dispatchedAt)
		at := fromMillis(dispatchedAt)
		record.DispatchedAt = &at
		return nil
	})
	if err != nil {
		return storage.DispatchAttemptRecord{}, err
	}
	return record, nil
}

// FailAttempt marks a pending attempt failed. The stage claim is kept.
func (s *Store) FailAttempt(ctx context.Context, attemptID string, reason string, failedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return fmt.Errorf("attempt id is required")
	}
	if failedAt.IsZero() {
		return fmt.Errorf("failed at is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown failure"
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE dispatch_attempts
SET status = ?, error = ?, updated_at = ?
WHERE id = ? AND status = 'pending'
`, string(domain.DispatchFailed), reason, toMillis(failedAt), attemptID)
	if err != nil {
		return fmt.Errorf("mark attempt %s failed: %w", attemptID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark attempt failed rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	current, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	return fmt.Errorf("fail attempt %s in status %s: %w", attemptID, current.Status, storage.ErrConflict)
}

// ListStaleAttempts returns pending attempts created before createdBefore,
// oldest first.
func (s *Store) ListStaleAttempts(ctx context.Context, createdBefore time.Time, limit int) ([]storage.DispatchAttemptRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+attemptColumns+`
FROM dispatch_attempts
WHERE status = 'pending' AND created_at < ?
ORDER BY created_at ASC, id ASC
LIMIT ?
`, toMillis(createdBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	return collectAttempts(rows)
}

// LeaseStaleAttempt bumps updated_at and recovery_count on a pending attempt
// whose updated_at is at or before staleBefore. Only one caller wins.
func (s *Store) LeaseStaleAttempt(ctx context.Context, attemptID string, staleBefore time.Time, now time.Time) (storage.DispatchAttemptRecord, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.DispatchAttemptRecord{}, false, err
	}
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("attempt id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE dispatch_attempts
SET updated_at = ?, recovery_count = recovery_count + 1
WHERE id = ? AND status = 'pending' AND updated_at <= ?
`, toMillis(now), attemptID, toMillis(staleBefore))
	if err != nil {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("lease attempt %s: %w", attemptID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("lease attempt rows affected: %w", err)
	}
	if affected == 0 {
		return storage.DispatchAttemptRecord{}, false, nil
	}
	record, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return storage.DispatchAttemptRecord{}, false, err
	}
	return record, true, nil
}

// ListAttempts returns the newest attempts, optionally filtered by status.
func (s *Store) ListAttempts(ctx context.Context, status domain.DispatchStatus, limit int) ([]storage.DispatchAttemptRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	query := `SELECT ` + attemptColumns + ` FROM dispatch_attempts`
	args := []any{}
	if status != "" {
		parsed, err := domain.ParseDispatchStatus(string(status))
		if err != nil {
			return nil, err
		}
		query += ` WHERE status = ?`
		args = append(args, string(parsed))
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return collectAttempts(rows)
}

// SummarizeLedger counts attempts by status.
func (s *Store) SummarizeLedger(ctx context.Context) (storage.LedgerSummary, error) {
	if err := s.ready(ctx); err != nil {
		return storage.LedgerSummary{}, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM dispatch_attempts GROUP BY status`)
	if err != nil {
		return storage.LedgerSummary{}, fmt.Errorf("summarize ledger: %w", err)
	}
	defer rows.Close()

	var summary storage.LedgerSummary
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.LedgerSummary{}, fmt.Errorf("scan ledger summary: %w", err)
		}
		switch domain.DispatchStatus(status) {
		case domain.DispatchPending:
			summary.Pending = count
		case domain.DispatchDispatched:
			summary.Dispatched = count
		case domain.DispatchFailed:
			summary.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.LedgerSummary{}, fmt.Errorf("iterate ledger summary: %w", err)
	}

	var oldest sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM dispatch_attempts WHERE status = 'pending'`,
	).Scan(&oldest); err != nil {
		return storage.LedgerSummary{}, fmt.Errorf("oldest pending attempt: %w", err)
	}
	summary.OldestPendingAt = fromNullMillis(oldest)
	return summary, nil
}

// RequeueFailedAttempt moves one failed attempt back to pending so a later
// recovery sweep sends it again.
func (s *Store) RequeueFailedAttempt(ctx context.Context, attemptID string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return fmt.Errorf("attempt id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE dispatch_attempts
SET status = 'pending', error = '', recovery_count = 0, updated_at = ?
WHERE id = ? AND status = 'failed'
`, toMillis(now), attemptID)
	if err != nil {
		return fmt.Errorf("requeue attempt %s: %w", attemptID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue attempt rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		return fmt.Errorf("requeue attempt %s in status %s: %w", attemptID, current.Status, storage.ErrConflict)
	}
	return nil
}

// RequeueFailedAttempts requeues up to limit of the oldest failed attempts.
func (s *Store) RequeueFailedAttempts(ctx context.Context, limit int, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, fmt.Errorf("limit must be greater than zero")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE dispatch_attempts
SET status = 'pending', error = '', recovery_count = 0, updated_at = ?
WHERE id IN (
    SELECT id FROM dispatch_attempts
    WHERE status = 'failed'
    ORDER BY created_at ASC, id ASC
    LIMIT ?
)
`, toMillis(now), limit)
	if err != nil {
		return 0, fmt.Errorf("requeue failed attempts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue failed attempts rows affected: %w", err)
	}
	return int(affected), nil
}

func collectAttempts(rows *sql.Rows) ([]storage.DispatchAttemptRecord, error) {
	defer rows.Close()
	var records []storage.DispatchAttemptRecord
	for rows.Next() {
		record, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch attempt: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch attempts: %w", err)
	}
	return records, nil
}

func scanAttempt(scan scanner) (storage.DispatchAttemptRecord, error) {
	var (
		record               storage.DispatchAttemptRecord
		channel, status      string
		createdAt, updatedAt int64
		dispatchedAt         sql.NullInt64
	)
	if err := scan(
		&record.ID,
		&record.TaskID,
		&channel,
		&status,
		&record.ExternalID,
		&record.Error,
		&record.RecoveryCount,
		&createdAt,
		&updatedAt,
		&dispatchedAt,
	); err != nil {
		return storage.DispatchAttemptRecord{}, err
	}
	record.Channel = domain.Channel(channel)
	record.Status = domain.DispatchStatus(status)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	record.DispatchedAt = fromNullMillis(dispatchedAt)
	return record, nil
}

