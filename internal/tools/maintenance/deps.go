package maintenance

import (
	"context"
	"time"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
)

// ledgerInspector reads dispatch ledger depth and rows.
type ledgerInspector interface {
	SummarizeLedger(ctx context.Context) (storage.LedgerSummary, error)
	ListAttempts(ctx context.Context, status domain.DispatchStatus, limit int) ([]storage.DispatchAttemptRecord, error)
}

// ledgerRequeuer moves failed attempts back to pending.
type ledgerRequeuer interface {
	RequeueFailedAttempt(ctx context.Context, attemptID string, now time.Time) error
	RequeueFailedAttempts(ctx context.Context, limit int, now time.Time) (int, error)
}

// closableLedger is the store surface the maintenance command opens.
type closableLedger interface {
	ledgerInspector
	ledgerRequeuer
	Close() error
}
