package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/events"
	"github.com/louisbranch/escalator/internal/services/escalation/gateway"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
	"github.com/louisbranch/escalator/internal/services/escalation/storage/sqlite"
)

// taskTime is the scheduled time shared by most tests.
var taskTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSender remembers every message and answers with a deterministic
// external id derived from the attempt id, or with externalID when set.
type recordingSender struct {
	mu         sync.Mutex
	messages   []gateway.Message
	err        error
	externalID string
}

func (s *recordingSender) Send(_ context.Context, msg gateway.Message) (gateway.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if s.err != nil {
		return gateway.Receipt{}, s.err
	}
	if s.externalID != "" {
		return gateway.Receipt{ExternalID: s.externalID}, nil
	}
	return gateway.Receipt{ExternalID: "ext-" + msg.AttemptID}, nil
}

func (s *recordingSender) sent() []gateway.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Message(nil), s.messages...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type senders struct {
	push   *recordingSender
	urgent *recordingSender
	call   *recordingSender
}

func newSenders() senders {
	return senders{push: &recordingSender{}, urgent: &recordingSender{}, call: &recordingSender{}}
}

func (s senders) set() gateway.Set {
	return gateway.Set{Push: s.push, Urgent: s.urgent, Call: s.call}
}

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "escalation.db")
	}
	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func putPendingTask(t *testing.T, store storage.TaskStore, taskID string, scheduledAt time.Time) {
	t.Helper()
	err := store.PutTask(context.Background(), storage.TaskRecord{
		ID:          taskID,
		UserID:      "user-1",
		Title:       "Take meds",
		Status:      domain.TaskPending,
		ScheduledAt: scheduledAt,
		CreatedAt:   scheduledAt.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("put task %s: %v", taskID, err)
	}
}

func getTask(t *testing.T, store storage.TaskStore, taskID string) storage.TaskRecord {
	t.Helper()
	task, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task %s: %v", taskID, err)
	}
	return task
}

func listAttempts(t *testing.T, ledger storage.DispatchLedger, status domain.DispatchStatus) []storage.DispatchAttemptRecord {
	t.Helper()
	attempts, err := ledger.ListAttempts(context.Background(), status, 1000)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	return attempts
}

// sequentialIDs returns a deterministic id generator with the given prefix.
func sequentialIDs(prefix string) func() (string, error) {
	var (
		mu   sync.Mutex
		next int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("%s-%d", prefix, next), nil
	}
}

func quietLogf(string, ...any) {}

type harness struct {
	store     *sqlite.Store
	clock     *fakeClock
	senders   senders
	publisher *recordingPublisher
	engine    *Engine
}

func testConfig(policy domain.Policy) Config {
	return Config{
		Policy:              policy,
		PollInterval:        time.Hour,
		BatchSize:           10,
		Workers:             4,
		GatewayTimeout:      time.Second,
		StaleAfter:          5 * time.Minute,
		RecoveryInterval:    time.Hour,
		MaxRecoveryAttempts: 3,
	}
}

func newHarness(t *testing.T, cfg Config, dbPath string, idPrefix string) *harness {
	t.Helper()
	h := &harness{
		store:     openStore(t, dbPath),
		clock:     newFakeClock(taskTime.Add(-time.Hour)),
		senders:   newSenders(),
		publisher: &recordingPublisher{},
	}
	engine, err := NewEngine(cfg, Deps{
		Store:     h.store,
		Gateways:  h.senders.set(),
		Publisher: h.publisher,
		Clock:     h.clock.Now,
		NewID:     sequentialIDs(idPrefix),
		Logf:      quietLogf,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) tickAt(t *testing.T, at time.Time) []StageReport {
	t.Helper()
	h.clock.Set(at)
	reports := h.engine.Scheduler().Tick(context.Background())
	for _, report := range reports {
		if report.Err != nil {
			t.Fatalf("tick %s at %s: %v", report.Stage, at, report.Err)
		}
	}
	return reports
}

func dispatchedBy(reports []StageReport) map[domain.Stage]int {
	out := map[domain.Stage]int{}
	for _, report := range reports {
		if report.Dispatched > 0 {
			out[report.Stage] = report.Dispatched
		}
	}
	return out
}
