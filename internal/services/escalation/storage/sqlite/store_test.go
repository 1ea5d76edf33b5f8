package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/storage"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "escalation.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func putTask(t *testing.T, store *Store, record storage.TaskRecord) {
	t.Helper()
	if record.UserID == "" {
		record.UserID = "user-1"
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = baseTime.Add(-time.Hour)
	}
	if err := store.PutTask(context.Background(), record); err != nil {
		t.Fatalf("put task %s: %v", record.ID, err)
	}
}

func ptr(t time.Time) *time.Time { return &t }

func claim(t *testing.T, store *Store, taskID string, stage, after domain.Stage, at time.Time) (storage.DispatchAttemptRecord, bool) {
	t.Helper()
	attempt, ok, err := store.ClaimStage(context.Background(), storage.ClaimInput{
		TaskID:    taskID,
		Stage:     stage,
		After:     after,
		AttemptID: fmt.Sprintf("att-%s-%s-%d", taskID, stage, at.UnixNano()),
		ClaimedAt: at,
	})
	if err != nil {
		t.Fatalf("claim %s: %v", stage, err)
	}
	return attempt, ok
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected path error")
	}
}

func TestPutTaskRoundTrip(t *testing.T) {
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "task-1", Title: " Water plants ", ScheduledAt: baseTime, ReminderSentAt: ptr(baseTime.Add(-time.Minute))})

	got, err := store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
	if got.Title != "Water plants" {
		t.Fatalf("title = %q", got.Title)
	}
	if !got.ScheduledAt.Equal(baseTime) {
		t.Fatalf("scheduled at = %v, want %v", got.ScheduledAt, baseTime)
	}
	if got.ReminderSentAt == nil || !got.ReminderSentAt.Equal(baseTime.Add(-time.Minute)) {
		t.Fatalf("reminder sent at = %v", got.ReminderSentAt)
	}
	if got.UrgentSentAt != nil || got.CallSentAt != nil {
		t.Fatal("expected later stages unset")
	}

	if _, err := store.GetTask(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPutTaskValidates(t *testing.T) {
	store := openTestStore(t)
	tests := []storage.TaskRecord{
		{UserID: "u", ScheduledAt: baseTime},
		{ID: "t", ScheduledAt: baseTime},
		{ID: "t", UserID: "u"},
		{ID: "t", UserID: "u", ScheduledAt: baseTime, Status: "archived"},
	}
	for i, record := range tests {
		if err := store.PutTask(context.Background(), record); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestListDueTasksPerStage(t *testing.T) {
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "due-reminder", ScheduledAt: baseTime})
	putTask(t, store, storage.TaskRecord{ID: "future", ScheduledAt: baseTime.Add(time.Hour)})
	putTask(t, store, storage.TaskRecord{ID: "due-urgent", ScheduledAt: baseTime, ReminderSentAt: ptr(baseTime.Add(-5 * time.Minute))})
	putTask(t, store, storage.TaskRecord{ID: "fresh-reminder", ScheduledAt: baseTime, ReminderSentAt: ptr(baseTime)})
	putTask(t, store, storage.TaskRecord{ID: "done", ScheduledAt: baseTime, Status: domain.TaskDone})
	putTask(t, store, storage.TaskRecord{
		ID: "due-miss", ScheduledAt: baseTime,
		ReminderSentAt: ptr(baseTime.Add(-30 * time.Minute)),
		UrgentSentAt:   ptr(baseTime.Add(-20 * time.Minute)),
		CallSentAt:     ptr(baseTime.Add(-10 * time.Minute)),
	})

	tests := []struct {
		query storage.DueQuery
		want  []string
	}{
		{storage.DueQuery{Stage: domain.StageReminder, Cutoff: baseTime, Limit: 10}, []string{"due-reminder"}},
		{storage.DueQuery{Stage: domain.StageUrgent, After: domain.StageReminder, Cutoff: baseTime.Add(-2 * time.Minute), Limit: 10}, []string{"due-urgent"}},
		{storage.DueQuery{Stage: domain.StageCall, After: domain.StageUrgent, Cutoff: baseTime, Limit: 10}, nil},
		{storage.DueQuery{Stage: domain.StageAutoMiss, After: domain.StageCall, Cutoff: baseTime.Add(-5 * time.Minute), Limit: 10}, []string{"due-miss"}},
		{storage.DueQuery{Stage: domain.StageReminder, Cutoff: baseTime.Add(2 * time.Hour), Limit: 1}, []string{"due-reminder"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.query.Stage), func(t *testing.T) {
			got, err := store.ListDueTasks(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("list due: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tasks, want %v", len(got), tt.want)
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Fatalf("task[%d] = %q, want %q", i, got[i].ID, tt.want[i])
				}
			}
		})
	}

	if _, err := store.ListDueTasks(context.Background(), storage.DueQuery{Stage: domain.StageReminder, Cutoff: baseTime}); err == nil {
		t.Fatal("expected limit error")
	}
}

func TestClaimStageIsExclusiveUnderConcurrency(t *testing.T) {
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "task-1", ScheduledAt: baseTime})

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := store.ClaimStage(context.Background(), storage.ClaimInput{
				TaskID:    "task-1",
				Stage:     domain.StageReminder,
				AttemptID: fmt.Sprintf("att-%d", i),
				ClaimedAt: baseTime,
			})
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
	attempts, err := store.ListAttempts(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].Status != domain.DispatchPending || attempts[0].Channel != domain.ChannelPush {
		t.Fatalf("attempt = %+v", attempts[0])
	}
}

func TestClaimStageRequiresPredecessorAndPending(t *testing.T) {
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "fresh", ScheduledAt: baseTime})
	putTask(t, store, storage.TaskRecord{ID: "done", ScheduledAt: baseTime, Status: domain.TaskDone})

	if _, ok := claim(t, store, "fresh", domain.StageUrgent, domain.StageReminder, baseTime); ok {
		t.Fatal("urgent claimed before reminder")
	}
	if _, ok := claim(t, store, "done", domain.StageReminder, "", baseTime); ok {
		t.Fatal("claimed a terminal task")
	}
	if _, ok := claim(t, store, "fresh", domain.StageReminder, "", baseTime); !ok {
		t.Fatal("expected reminder claim")
	}
	if _, ok := claim(t, store, "fresh", domain.StageUrgent, domain.StageReminder, baseTime.Add(time.Minute)); !ok {
		t.Fatal("expected urgent claim after reminder")
	}

	task, err := store.GetTask(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.UrgentSentAt == nil || !task.UrgentSentAt.Equal(baseTime.Add(time.Minute)) {
		t.Fatalf("urgent sent at = %v", task.UrgentSentAt)
	}
}

func TestClaimAutoMissTransitionsOnce(t *testing.T) {
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "task-1", ScheduledAt: baseTime, ReminderSentAt: ptr(baseTime), UrgentSentAt: ptr(baseTime), CallSentAt: ptr(baseTime)})

	attempt, ok := claim(t, store, "task-1", domain.StageAutoMiss, domain.StageCall, baseTime.Add(10*time.Minute))
	if !ok {
		t.Fatal("expected auto-miss claim")
	}
	if attempt.Channel != domain.ChannelAutoMiss {
		t.Fatalf("channel = %q", attempt.Channel)
	}
	if _, ok := claim(t, store, "task-1", domain.StageAutoMiss, domain.StageCall, baseTime.Add(11*time.Minute)); ok {
		t.Fatal("auto-miss claimed twice")
	}
	task, err := store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskMissed {
		t.Fatalf("status = %q, want missed", task.Status)
	}
}

func TestCompleteAttemptOpensResponseRecord(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "task-1", ScheduledAt: baseTime, ReminderSentAt: ptr(baseTime)})
	attempt, _ := claim(t, store, "task-1", domain.StageUrgent, domain.StageReminder, baseTime.Add(time.Minute))

	done, err := store.CompleteAttempt(ctx, storage.AttemptCompletion{
		AttemptID: attempt.ID, ExternalID: "sms-1", ResponseID: "resp-1", DispatchedAt: baseTime.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.DispatchDispatched || done.DispatchedAt == nil {
		t.Fatalf("attempt = %+v", done)
	}

	again, err := store.CompleteAttempt(ctx, storage.AttemptCompletion{
		AttemptID: attempt.ID, ExternalID: "sms-1", ResponseID: "resp-2", DispatchedAt: baseTime.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("complete again: %v", err)
	}
	if !again.DispatchedAt.Equal(*done.DispatchedAt) {
		t.Fatalf("second completion changed dispatched at")
	}

	records, err := store.ListResponsesByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(records) != 1 || records[0].ExternalID != "sms-1" || records[0].Response != "" {
		t.Fatalf("records = %+v", records)
	}
}

func TestCompleteAutoMissHasNoResponseRecord(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "task-1", ScheduledAt: baseTime, CallSentAt: ptr(baseTime)})
	attempt, _ := claim(t, store, "task-1", domain.StageAutoMiss, domain.StageCall, baseTime.Add(time.Hour))

	if _, err := store.CompleteAttempt(ctx, storage.AttemptCompletion{AttemptID: attempt.ID, DispatchedAt: baseTime.Add(time.Hour)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	records, err := store.ListResponsesByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
}

func TestPushWithoutExternalIDStoresNullExternalID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for _, id := range []string{"a", "b"} {
		putTask(t, store, storage.TaskRecord{ID: id, ScheduledAt: baseTime})
		attempt, _ := claim(t, store, id, domain.StageReminder, "", baseTime)
		if _, err := store.CompleteAttempt(ctx, storage.AttemptCompletion{AttemptID: attempt.ID, ResponseID: "resp-" + id, DispatchedAt: baseTime}); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
}

func TestExternalIDIsUniquePerChannel(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "task-1", ScheduledAt: baseTime})
	push, _ := claim(t, store, "task-1", domain.StageReminder, "", baseTime)
	if _, err := store.CompleteAttempt(ctx, storage.AttemptCompletion{AttemptID: push.ID, ExternalID: "abc123", ResponseID: "resp-push", DispatchedAt: baseTime}); err != nil {
		t.Fatalf("complete push: %v", err)
	}

	dispatchedUrgent(t, store, "task-2", "abc123")

	for _, channel := range []domain.Channel{domain.ChannelPush, domain.ChannelUrgent} {
		if _, err := store.GetResponseByExternalID(ctx, channel, "abc123"); err != nil {
			t.Fatalf("get %s response: %v", channel, err)
		}
	}
}

func TestCompleteAttemptReusedExternalIDOnSameChannel(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dispatchedUrgent(t, store, "task-1", "abc123")

	putTask(t, store, storage.TaskRecord{ID: "task-2", ScheduledAt: baseTime, ReminderSentAt: ptr(baseTime)})
	attempt, ok := claim(t, store, "task-2", domain.StageUrgent, domain.StageReminder, baseTime.Add(time.Minute))
	if !ok {
		t.Fatal("expected claim")
	}
	completion := storage.AttemptCompletion{AttemptID: attempt.ID, ExternalID: "abc123", ResponseID: "resp-task-2", DispatchedAt: baseTime.Add(2 * time.Minute)}
	if _, err := store.CompleteAttempt(ctx, completion); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("complete err = %v, want ErrConflict", err)
	}
	got, err := store.GetAttempt(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if got.Status != domain.DispatchPending {
		t.Fatalf("status after rollback = %q, want pending", got.Status)
	}

	completion.Unlinked = true
	record, err := store.CompleteAttempt(ctx, completion)
	if err != nil {
		t.Fatalf("complete unlinked: %v", err)
	}
	if record.Status != domain.DispatchDispatched || record.ExternalID != "abc123" {
		t.Fatalf("record = %+v", record)
	}
	responses, err := store.ListResponsesByTask(ctx, "task-2")
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(responses) != 1 || responses[0].ExternalID != "" {
		t.Fatalf("responses = %+v", responses)
	}
}

func TestFailAttemptKeepsStageTimestamp(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "task-1", ScheduledAt: baseTime})
	attempt, _ := claim(t, store, "task-1", domain.StageReminder, "", baseTime)

	if err := store.FailAttempt(ctx, attempt.ID, "provider 503", baseTime.Add(time.Second)); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err := store.GetAttempt(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if got.Status != domain.DispatchFailed || got.Error != "provider 503" {
		t.Fatalf("attempt = %+v", got)
	}
	task, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ReminderSentAt == nil {
		t.Fatal("failed dispatch rolled back reminder timestamp")
	}
	if err := store.FailAttempt(ctx, attempt.ID, "again", baseTime); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, err := store.CompleteAttempt(ctx, storage.AttemptCompletion{AttemptID: attempt.ID, ResponseID: "r", DispatchedAt: baseTime}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestStaleAttemptLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	putTask(t, store, storage.TaskRecord{ID: "old", ScheduledAt: baseTime})
	putTask(t, store, storage.TaskRecord{ID: "new", ScheduledAt: baseTime})
	oldAttempt, _ := claim(t, store, "old", domain.StageReminder, "", baseTime)
	claim(t, store, "new", domain.StageReminder, "", baseTime.Add(10*time.Minute))

	now := baseTime.Add(11 * time.Minute)
	cutoff := now.Add(-5 * time.Minute)
	stale, err := store.ListStaleAttempts(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != oldAttempt.ID {
		t.Fatalf("stale = %+v", stale)
	}

	leased, ok, err := store.LeaseStaleAttempt(ctx, oldAttempt.ID, cutoff, now)
	if err != nil || !ok {
		t.Fatalf("lease: ok=%v err=%v", ok, err)
	}
	if leased.RecoveryCount != 1 || !leased.UpdatedAt.Equal(now) {
		t.Fatalf("leased = %+v", leased)
	}
	if _, ok, err := store.LeaseStaleAttempt(ctx, oldAttempt.ID, cutoff, now); err != nil || ok {
		t.Fatalf("second lease: ok=%v err=%v", ok, err)
	}
}

func TestSummaryAndRequeue(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		putTask(t, store, storage.TaskRecord{ID: id, ScheduledAt: baseTime})
		claim(t, store, id, domain.StageReminder, "", baseTime.Add(time.Duration(i)*time.Minute))
	}
	attempts, err := store.ListAttempts(ctx, domain.DispatchPending, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	for _, attempt := range attempts[:2] {
		if err := store.FailAttempt(ctx, attempt.ID, "boom", baseTime.Add(time.Hour)); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	summary, err := store.SummarizeLedger(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Pending != 1 || summary.Failed != 2 || summary.Dispatched != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.OldestPendingAt == nil || !summary.OldestPendingAt.Equal(baseTime) {
		t.Fatalf("oldest pending = %v", summary.OldestPendingAt)
	}

	if err := store.RequeueFailedAttempt(ctx, attempts[0].ID, baseTime.Add(2*time.Hour)); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := store.RequeueFailedAttempt(ctx, attempts[0].ID, baseTime.Add(2*time.Hour)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	n, err := store.RequeueFailedAttempts(ctx, 10, baseTime.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("requeue batch: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	summary, err = store.SummarizeLedger(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Pending != 3 || summary.Failed != 0 {
		t.Fatalf("summary after requeue = %+v", summary)
	}
}

func dispatchedUrgent(t *testing.T, store *Store, taskID, externalID string) {
	t.Helper()
	putTask(t, store, storage.TaskRecord{ID: taskID, ScheduledAt: baseTime, ReminderSentAt: ptr(baseTime)})
	attempt, ok := claim(t, store, taskID, domain.StageUrgent, domain.StageReminder, baseTime.Add(time.Minute))
	if !ok {
		t.Fatal("expected claim")
	}
	if _, err := store.CompleteAttempt(context.Background(), storage.AttemptCompletion{
		AttemptID: attempt.ID, ExternalID: externalID, ResponseID: "resp-" + taskID, DispatchedAt: baseTime.Add(time.Minute),
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestApplyResponseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dispatchedUrgent(t, store, "task-1", "sms-1")

	input := storage.ResponseInput{Channel: domain.ChannelUrgent, ExternalID: "sms-1", Kind: domain.ResponseDone, RespondedAt: baseTime.Add(3 * time.Minute)}
	first, err := store.ApplyResponse(ctx, input)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if first.Duplicate || !first.Transitioned || first.TaskStatus != domain.TaskDone {
		t.Fatalf("first = %+v", first)
	}

	input.Kind = domain.ResponseMissed
	second, err := store.ApplyResponse(ctx, input)
	if err != nil {
		t.Fatalf("apply again: %v", err)
	}
	if !second.Duplicate || second.Transitioned || second.TaskStatus != domain.TaskDone {
		t.Fatalf("second = %+v", second)
	}
	if second.Record.Response != domain.ResponseDone {
		t.Fatalf("response overwritten: %q", second.Record.Response)
	}
}

func TestApplyResponseNeverResurrectsTerminalTask(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dispatchedUrgent(t, store, "task-1", "sms-1")
	task, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	task.Status = domain.TaskCancelled
	if err := store.PutTask(ctx, task); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	out, err := store.ApplyResponse(ctx, storage.ResponseInput{Channel: domain.ChannelUrgent, ExternalID: "sms-1", Kind: domain.ResponseReschedule, RespondedAt: baseTime.Add(time.Hour)})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Transitioned || out.TaskStatus != domain.TaskCancelled {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestApplyResponseNoResponseLeavesTaskPending(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dispatchedUrgent(t, store, "task-1", "sms-1")

	out, err := store.ApplyResponse(ctx, storage.ResponseInput{Channel: domain.ChannelUrgent, ExternalID: "sms-1", Kind: domain.ResponseNoResponse, RespondedAt: baseTime.Add(time.Hour)})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Transitioned || out.TaskStatus != domain.TaskPending {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestApplyResponseUnknownExternalID(t *testing.T) {
	store := openTestStore(t)
	dispatchedUrgent(t, store, "task-1", "sms-1")

	_, err := store.ApplyResponse(context.Background(), storage.ResponseInput{Channel: domain.ChannelUrgent, ExternalID: "nope", Kind: domain.ResponseDone, RespondedAt: baseTime})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	_, err = store.ApplyResponse(context.Background(), storage.ResponseInput{Channel: domain.ChannelCall, ExternalID: "sms-1", Kind: domain.ResponseDone, RespondedAt: baseTime})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("channel mismatch err = %v, want ErrNotFound", err)
	}
}

func TestApplyResponseConcurrentDuplicates(t *testing.T) {
	store := openTestStore(t)
	dispatchedUrgent(t, store, "task-1", "sms-1")

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := store.ApplyResponse(context.Background(), storage.ResponseInput{Channel: domain.ChannelUrgent, ExternalID: "sms-1", Kind: domain.ResponseDone, RespondedAt: baseTime.Add(time.Hour)})
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if out.Transitioned {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if transitions != 1 {
		t.Fatalf("transitions = %d, want 1", transitions)
	}
}
