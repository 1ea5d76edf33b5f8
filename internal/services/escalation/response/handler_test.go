package response

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/events"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
	"github.com/louisbranch/escalator/internal/services/escalation/storage/sqlite"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func newTestHandler(t *testing.T, publisher events.Publisher) (*Handler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "escalation.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	handler := NewHandler(store, publisher, func() time.Time { return baseTime.Add(5 * time.Minute) }, func(string, ...any) {})
	return handler, store
}

// sentUrgent records a delivered urgent message for taskID.
func sentUrgent(t *testing.T, store *sqlite.Store, taskID, externalID string) {
	t.Helper()
	ctx := context.Background()
	sent := baseTime
	if err := store.PutTask(ctx, storage.TaskRecord{ID: taskID, UserID: "user-1", Title: "Take meds", ScheduledAt: baseTime.Add(10 * time.Minute), ReminderSentAt: &sent, CreatedAt: baseTime.Add(-time.Hour)}); err != nil {
		t.Fatalf("put task: %v", err)
	}
	attempt, ok, err := store.ClaimStage(ctx, storage.ClaimInput{TaskID: taskID, Stage: domain.StageUrgent, After: domain.StageReminder, AttemptID: "att-" + taskID, ClaimedAt: baseTime.Add(time.Minute)})
	if err != nil || !ok {
		t.Fatalf("claim urgent: ok=%v err=%v", ok, err)
	}
	if _, err := store.CompleteAttempt(ctx, storage.AttemptCompletion{AttemptID: attempt.ID, ExternalID: externalID, ResponseID: "resp-" + taskID, DispatchedAt: baseTime.Add(time.Minute)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestHandleResponseTransitionsAndPublishes(t *testing.T) {
	publisher := &recordingPublisher{}
	handler, store := newTestHandler(t, publisher)
	sentUrgent(t, store, "task-1", "sms-1")

	result, err := handler.HandleResponse(context.Background(), domain.ChannelUrgent, "sms-1", "Feito!")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.Recognized || result.Duplicate || !result.Transitioned || result.TaskStatus != domain.TaskDone {
		t.Fatalf("result = %+v", result)
	}
	task, err := store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskDone {
		t.Fatalf("task status = %q", task.Status)
	}
	got := publisher.snapshot()
	if len(got) != 1 || got[0].Kind != events.KindTaskDone || got[0].TaskID != "task-1" || got[0].ExternalID != "sms-1" {
		t.Fatalf("events = %+v", got)
	}
}

func TestHandleResponseDuplicateCallbacks(t *testing.T) {
	publisher := &recordingPublisher{}
	handler, store := newTestHandler(t, publisher)
	sentUrgent(t, store, "task-1", "sms-1")

	first, err := handler.HandleResponse(context.Background(), domain.ChannelUrgent, "sms-1", "reschedule")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := handler.HandleResponse(context.Background(), domain.ChannelUrgent, "sms-1", "done")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Duplicate || !first.Transitioned {
		t.Fatalf("first = %+v", first)
	}
	if !second.Duplicate || second.Transitioned || second.TaskStatus != domain.TaskRescheduled {
		t.Fatalf("second = %+v", second)
	}
	got := publisher.snapshot()
	if len(got) != 1 || got[0].Kind != events.KindTaskRescheduled {
		t.Fatalf("events = %+v", got)
	}
	record, err := store.GetResponseByExternalID(context.Background(), domain.ChannelUrgent, "sms-1")
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if record.Response != domain.ResponseReschedule {
		t.Fatalf("stored response = %q", record.Response)
	}
}

func TestHandleResponseUnrecognizedPayloadWritesNothing(t *testing.T) {
	handler, store := newTestHandler(t, &recordingPublisher{})
	sentUrgent(t, store, "task-1", "sms-1")

	result, err := handler.HandleResponse(context.Background(), domain.ChannelUrgent, "sms-1", "what is this?")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Recognized {
		t.Fatalf("result = %+v", result)
	}
	record, err := store.GetResponseByExternalID(context.Background(), domain.ChannelUrgent, "sms-1")
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if record.Response != "" || record.RespondedAt != nil {
		t.Fatalf("record = %+v", record)
	}
}

func TestHandleResponseCallNoAnswerKeepsTaskPending(t *testing.T) {
	publisher := &recordingPublisher{}
	handler, store := newTestHandler(t, publisher)
	ctx := context.Background()
	sentUrgent(t, store, "task-1", "sms-1")
	attempt, ok, err := store.ClaimStage(ctx, storage.ClaimInput{TaskID: "task-1", Stage: domain.StageCall, After: domain.StageUrgent, AttemptID: "att-call", ClaimedAt: baseTime.Add(3 * time.Minute)})
	if err != nil || !ok {
		t.Fatalf("claim call: ok=%v err=%v", ok, err)
	}
	if _, err := store.CompleteAttempt(ctx, storage.AttemptCompletion{AttemptID: attempt.ID, ExternalID: "call-1", ResponseID: "resp-call", DispatchedAt: baseTime.Add(3 * time.Minute)}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	result, err := handler.HandleResponse(ctx, domain.ChannelCall, "call-1", "no-answer")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.Recognized || result.Kind != domain.ResponseNoResponse || result.Transitioned || result.TaskStatus != domain.TaskPending {
		t.Fatalf("result = %+v", result)
	}
	if len(publisher.snapshot()) != 0 {
		t.Fatal("no event expected for a no-response")
	}
}

func TestHandleResponseErrors(t *testing.T) {
	handler, store := newTestHandler(t, &recordingPublisher{})
	sentUrgent(t, store, "task-1", "sms-1")
	ctx := context.Background()

	if _, err := handler.HandleResponse(ctx, domain.ChannelUrgent, "  ", "done"); !errors.Is(err, ErrExternalIDRequired) {
		t.Fatalf("blank id err = %v", err)
	}
	if _, err := handler.HandleResponse(ctx, domain.ChannelUrgent, "sms-404", "done"); !errors.Is(err, ErrUnknownExternalID) {
		t.Fatalf("unknown id err = %v", err)
	}
	if _, err := handler.HandleResponse(ctx, domain.ChannelAutoMiss, "sms-1", "done"); !errors.Is(err, domain.ErrInvalidChannel) {
		t.Fatalf("auto miss err = %v", err)
	}
}

func TestHandleResponsePublishFailureIsNotFatal(t *testing.T) {
	handler, store := newTestHandler(t, &recordingPublisher{err: errors.New("broker down")})
	sentUrgent(t, store, "task-1", "sms-1")

	result, err := handler.HandleResponse(context.Background(), domain.ChannelUrgent, "sms-1", "missed")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.TaskStatus != domain.TaskMissed || !result.Transitioned {
		t.Fatalf("result = %+v", result)
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	for _, tt := range []struct {
		value string
		limit int
		want  string
	}{
		{value: "done", limit: 64, want: "done"},
		{value: "abcdef", limit: 3, want: "abc..."},
		{value: "ééé", limit: 3, want: "é..."},
		{value: "✔✔", limit: 2, want: "..."},
	} {
		got := truncate(tt.value, tt.limit)
		if got != tt.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tt.value, tt.limit, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) = %q is not valid UTF-8", tt.value, tt.limit, got)
		}
	}
}
