package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
)

const responseColumns = `id, task_id, channel, external_id, sent_at, response, responded_at`

func insertResponseExec(ctx context.Context, exec sqlExecer, record storage.ResponseRecord) error {
	var externalID sql.NullString
	if record.ExternalID != "" {
		externalID = sql.NullString{String: record.ExternalID, Valid: true}
	}
	var response sql.NullString
	if record.Response != "" {
		response = sql.NullString{String: string(record.Response), Valid: true}
	}
	_, err := exec.ExecContext(ctx, `
INSERT INTO response_records (`+responseColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.TaskID,
		string(record.Channel),
		externalID,
		toMillis(record.SentAt),
		response,
		toNullMillis(record.RespondedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("insert response record for %s: %w", record.ExternalID, storage.ErrConflict)
		}
		return fmt.Errorf("insert response record: %w", err)
	}
	return nil
}

// GetResponseByExternalID loads the response record a provider id refers to.
func (s *Store) GetResponseByExternalID(ctx context.Context, channel domain.Channel, externalID string) (storage.ResponseRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ResponseRecord{}, err
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return storage.ResponseRecord{}, fmt.Errorf("external id is required")
	}
	return getResponse(ctx, s.sqlDB.QueryRowContext, channel, externalID)
}

func getResponse(ctx context.Context, query rowQuerier, channel domain.Channel, externalID string) (storage.ResponseRecord, error) {
	row := query(ctx, `
SELECT `+responseColumns+`
FROM response_records
WHERE external_id = ? AND channel = ?
`, externalID, string(channel))
	record, err := scanResponse(row.Scan)
	if err != nil {
		return storage.ResponseRecord{}, notFound(err)
	}
	return record, nil
}

// ListResponsesByTask returns every response record of a task in send order.
func (s *Store) ListResponsesByTask(ctx context.Context, taskID string) ([]storage.ResponseRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+responseColumns+`
FROM response_records
WHERE task_id = ?
ORDER BY sent_at ASC, id ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var records []storage.ResponseRecord
	for rows.Next() {
		record, err := scanResponse(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan response record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate response records: %w", err)
	}
	return records, nil
}

// ApplyResponse records a reply against its response record and, when the
// reply maps to a terminal status, moves the task out of pending. Both writes
// share one transaction; a replay finds the response already set and changes
// nothing.
func (s *Store) ApplyResponse(ctx context.Context, input storage.ResponseInput) (storage.ResponseOutcome, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ResponseOutcome{}, err
	}
	input.ExternalID = strings.TrimSpace(input.ExternalID)
	if input.ExternalID == "" {
		return storage.ResponseOutcome{}, fmt.Errorf("external id is required")
	}
	if !input.Channel.AcceptsResponses() {
		return storage.ResponseOutcome{}, fmt.Errorf("%w: %q does not accept responses", domain.ErrInvalidChannel, input.Channel)
	}
	kind, err := domain.ParseResponseKind(string(input.Kind))
	if err != nil {
		return storage.ResponseOutcome{}, err
	}
	if input.RespondedAt.IsZero() {
		return storage.ResponseOutcome{}, fmt.Errorf("responded at is required")
	}
	respondedAt := toMillis(input.RespondedAt)

	var outcome storage.ResponseOutcome
	err = withTx(ctx, s.sqlDB, "response apply", func(tx *sql.Tx) error {
		record, err := getResponse(ctx, tx.QueryRowContext, input.Channel, input.ExternalID)
		if err != nil {
			return err
		}
		if record.Response == "" {
			result, err := tx.ExecContext(ctx, `
UPDATE response_records
SET response = ?, responded_at = ?
WHERE id = ? AND response IS NULL
`, string(kind), respondedAt, record.ID)
			if err != nil {
				return fmt.Errorf("record response %s: %w", record.ID, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("record response rows affected: %w", err)
			}
			if affected == 1 {
				record.Response = kind
				at := fromMillis(respondedAt)
				record.RespondedAt = &at
			} else {
				outcome.Duplicate = true
			}
		} else {
			outcome.Duplicate = true
		}

		if !outcome.Duplicate {
			if status, ok := kind.TaskStatus(); ok {
				result, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, updated_at = ?
WHERE id = ? AND status = 'pending'
`, string(status), respondedAt, record.TaskID)
				if err != nil {
					return fmt.Errorf("transition task %s: %w", record.TaskID, err)
				}
				affected, err := result.RowsAffected()
				if err != nil {
					return fmt.Errorf("transition task rows affected: %w", err)
				}
				outcome.Transitioned = affected == 1
			}
		}

		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, record.TaskID).Scan(&status); err != nil {
			return fmt.Errorf("read task status: %w", notFound(err))
		}
		outcome.TaskStatus = domain.TaskStatus(status)
		outcome.Record = record
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ResponseOutcome{}, fmt.Errorf("response for %s %s: %w", input.Channel, input.ExternalID, storage.ErrNotFound)
		}
		return storage.ResponseOutcome{}, err
	}
	return outcome, nil
}

func scanResponse(scan scanner) (storage.ResponseRecord, error) {
	var (
		record      storage.ResponseRecord
		channel     string
		externalID  sql.NullString
		sentAt      int64
		response    sql.NullString
		respondedAt sql.NullInt64
	)
	if err := scan(
		&record.ID,
		&record.TaskID,
		&channel,
		&externalID,
		&sentAt,
		&response,
		&respondedAt,
	); err != nil {
		return storage.ResponseRecord{}, err
	}
	record.Channel = domain.Channel(channel)
	record.ExternalID = externalID.String
	record.SentAt = fromMillis(sentAt)
	record.Response = domain.ResponseKind(response.String)
	record.RespondedAt = fromNullMillis(respondedAt)
	return record, nil
}
