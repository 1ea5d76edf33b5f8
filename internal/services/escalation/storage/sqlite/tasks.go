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

const taskColumns = `id, user_id, title, status, scheduled_at, reminder_sent_at, urgent_sent_at, call_sent_at, created_at, updated_at`

// PutTask inserts or replaces one task row.
func (s *Store) PutTask(ctx context.Context, record storage.TaskRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	normalized, err := normalizeTaskRecord(record)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    user_id = excluded.user_id,
    title = excluded.title,
    status = excluded.status,
    scheduled_at = excluded.scheduled_at,
    reminder_sent_at = excluded.reminder_sent_at,
    urgent_sent_at = excluded.urgent_sent_at,
    call_sent_at = excluded.call_sent_at,
    updated_at = excluded.updated_at
`,
		normalized.ID,
		normalized.UserID,
		normalized.Title,
		string(normalized.Status),
		toMillis(normalized.ScheduledAt),
		toNullMillis(normalized.ReminderSentAt),
		toNullMillis(normalized.UrgentSentAt),
		toNullMillis(normalized.CallSentAt),
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (storage.TaskRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.TaskRecord{}, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return storage.TaskRecord{}, fmt.Errorf("task id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	record, err := scanTask(row.Scan)
	if err != nil {
		return storage.TaskRecord{}, notFound(err)
	}
	return record, nil
}

// ListDueTasks returns up to query.Limit pending tasks that are due for
// query.Stage, oldest anchor first.
func (s *Store) ListDueTasks(ctx context.Context, query storage.DueQuery) ([]storage.TaskRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if query.Limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	anchor, err := anchorColumn(query.After)
	if err != nil {
		return nil, err
	}

	where := []string{"status = 'pending'", anchor + " IS NOT NULL", anchor + " <= ?"}
	if query.Stage.Stamped() {
		column, err := stampColumn(query.Stage)
		if err != nil {
			return nil, err
		}
		where = append(where, column+" IS NULL")
	} else if query.Stage != domain.StageAutoMiss {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStage, query.Stage)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE `+strings.Join(where, " AND ")+`
ORDER BY `+anchor+` ASC, id ASC
LIMIT ?
`, toMillis(query.Cutoff), query.Limit)
	if err != nil {
		return nil, fmt.Errorf("list due %s tasks: %w", query.Stage, err)
	}
	defer rows.Close()

	var records []storage.TaskRecord
	for rows.Next() {
		record, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due tasks: %w", err)
	}
	return records, nil
}

// ClaimStage performs the stage compare-and-set and records the pending
// dispatch attempt in the same transaction.
func (s *Store) ClaimStage(ctx context.Context, input storage.ClaimInput) (storage.DispatchAttemptRecord, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.DispatchAttemptRecord{}, false, err
	}
	input.TaskID = strings.TrimSpace(input.TaskID)
	input.AttemptID = strings.TrimSpace(input.AttemptID)
	if input.TaskID == "" {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("task id is required")
	}
	if input.AttemptID == "" {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("attempt id is required")
	}
	if input.ClaimedAt.IsZero() {
		return storage.DispatchAttemptRecord{}, false, fmt.Errorf("claimed at is required")
	}
	claimQuery, err := claimStatement(input.Stage, input.After)
	if err != nil {
		return storage.DispatchAttemptRecord{}, false, err
	}

	claimedAt := toMillis(input.ClaimedAt)
	attempt := storage.DispatchAttemptRecord{
		ID:        input.AttemptID,
		TaskID:    input.TaskID,
		Channel:   input.Stage.Channel(),
		Status:    domain.DispatchPending,
		CreatedAt: fromMillis(claimedAt),
		UpdatedAt: fromMillis(claimedAt),
	}
	claimed := false
	err = withTx(ctx, s.sqlDB, "stage claim", func(tx *sql.Tx) error {
		var args []any
		if input.Stage.Stamped() {
			args = []any{claimedAt, claimedAt, input.TaskID}
		} else {
			args = []any{string(domain.TaskMissed), claimedAt, input.TaskID}
		}
		result, err := tx.ExecContext(ctx, claimQuery, args...)
		if err != nil {
			return fmt.Errorf("claim %s for task %s: %w", input.Stage, input.TaskID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim %s rows affected: %w", input.Stage, err)
		}
		if affected == 0 {
			return nil
		}
		if err := insertAttemptExec(ctx, tx, attempt); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return storage.DispatchAttemptRecord{}, false, err
	}
	if !claimed {
		return storage.DispatchAttemptRecord{}, false, nil
	}
	return attempt, true, nil
}

func claimStatement(stage domain.Stage, after domain.Stage) (string, error) {
	guard := ""
	if after != "" {
		column, err := stampColumn(after)
		if err != nil {
			return "", err
		}
		guard = " AND " + column + " IS NOT NULL"
	}
	if stage == domain.StageAutoMiss {
		return `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'` + guard, nil
	}
	column, err := stampColumn(stage)
	if err != nil {
		return "", err
	}
	return `UPDATE tasks SET ` + column + ` = ?, updated_at = ? WHERE id = ? AND status = 'pending' AND ` + column + ` IS NULL` + guard, nil
}

func normalizeTaskRecord(record storage.TaskRecord) (storage.TaskRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.UserID = strings.TrimSpace(record.UserID)
	record.Title = strings.TrimSpace(record.Title)
	if record.ID == "" {
		return storage.TaskRecord{}, fmt.Errorf("task id is required")
	}
	if record.UserID == "" {
		return storage.TaskRecord{}, fmt.Errorf("user id is required")
	}
	if record.ScheduledAt.IsZero() {
		return storage.TaskRecord{}, fmt.Errorf("scheduled at is required")
	}
	if record.Status == "" {
		record.Status = domain.TaskPending
	}
	status, err := domain.ParseTaskStatus(string(record.Status))
	if err != nil {
		return storage.TaskRecord{}, err
	}
	record.Status = status
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	return record, nil
}

func scanTask(scan scanner) (storage.TaskRecord, error) {
	var (
		record                       storage.TaskRecord
		status                       string
		scheduledAt                  int64
		reminderAt, urgentAt, callAt sql.NullInt64
		createdAt, updatedAt         int64
	)
	if err := scan(
		&record.ID,
		&record.UserID,
		&record.Title,
		&status,
		&scheduledAt,
		&reminderAt,
		&urgentAt,
		&callAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.TaskRecord{}, err
	}
	record.Status = domain.TaskStatus(status)
	record.ScheduledAt = fromMillis(scheduledAt)
	record.ReminderSentAt = fromNullMillis(reminderAt)
	record.UrgentSentAt = fromNullMillis(urgentAt)
	record.CallSentAt = fromNullMillis(callAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
