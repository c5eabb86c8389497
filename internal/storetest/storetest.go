// Package storetest is the behaviour suite every notifyflow task store must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/sky93/notifyflow"
)

// Store is a repository that can also open transactions.
type Store interface {
	notifyflow.Repository
	notifyflow.Transactor
}

// Open returns an empty store for one subtest.
type Open func(t *testing.T) Store

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, open Open) {
	t.Run("InsertAndFind", func(t *testing.T) { testInsertAndFind(t, open(t)) })
	t.Run("InsertConflict", func(t *testing.T) { testInsertConflict(t, open(t)) })
	t.Run("PrimaryKeyCollision", func(t *testing.T) { testPrimaryKeyCollision(t, open(t)) })
	t.Run("ClaimBatch", func(t *testing.T) { testClaimBatch(t, open(t)) })
	t.Run("ClaimBatchLimit", func(t *testing.T) { testClaimBatchLimit(t, open(t)) })
	t.Run("UpdateTerminal", func(t *testing.T) { testUpdateTerminal(t, open(t)) })
	t.Run("UpdateTerminalMissing", func(t *testing.T) { testUpdateTerminalMissing(t, open(t)) })
	t.Run("LockOneAndMarkPublished", func(t *testing.T) { testLockOneAndMarkPublished(t, open(t)) })
	t.Run("LockOneSkipsLocked", func(t *testing.T) { testLockOneSkipsLocked(t, open(t)) })
	t.Run("LockOneSkipIDs", func(t *testing.T) { testLockOneSkipIDs(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, open(t)) })
}

// NewTask builds a SEND_EMAIL task created offset after a fixed base time.
func NewTask(id, externalID string, status notifyflow.TaskStatus, p notifyflow.Priority, offset time.Duration) notifyflow.Task {
	created := base.Add(offset)
	return notifyflow.Task{
		ID:         id,
		Type:       notifyflow.TaskSendEmail,
		Status:     status,
		ExternalID: externalID,
		Priority:   p,
		Context:    json.RawMessage(`{"input":{"recipient":"a@example.com"},"failures":[]}`),
		CreatedAt:  created,
		ModifiedAt: created,
	}
}

func mustInsert(t *testing.T, s Store, tasks ...notifyflow.Task) {
	t.Helper()
	for _, task := range tasks {
		if err := s.Insert(context.Background(), task); err != nil {
			t.Fatalf("insert %s: %v", task.ID, err)
		}
	}
}

func mustFind(t *testing.T, s Store, externalID string) notifyflow.Task {
	t.Helper()
	task, ok, err := s.FindByExternalID(context.Background(), externalID)
	if err != nil {
		t.Fatalf("find %s: %v", externalID, err)
	}
	if !ok {
		t.Fatalf("task %s not found", externalID)
	}
	return task
}

func sameJSON(t *testing.T, got, want []byte) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("stored context is not JSON: %v (%s)", err, got)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("want is not JSON: %v", err)
	}
	if !reflect.DeepEqual(g, w) {
		t.Fatalf("context mismatch: got=%s want=%s", got, want)
	}
}

func ids(tasks []notifyflow.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func testInsertAndFind(t *testing.T, s Store) {
	task := NewTask("00000000-0000-0000-0000-000000000001", "ext-1", notifyflow.TaskPending, notifyflow.PriorityMedium, 0)
	mustInsert(t, s, task)

	got := mustFind(t, s, "ext-1")
	if got.ID != task.ID || got.Status != notifyflow.TaskPending || got.Priority != notifyflow.PriorityMedium {
		t.Fatalf("unexpected task: %+v", got)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("created at mismatch: got=%v want=%v", got.CreatedAt, task.CreatedAt)
	}
	if got.ExecutionCount != 0 || got.ExecutionStartedAt != nil || got.ExecutionScheduledAt != nil || got.Message != nil {
		t.Fatalf("expected fresh execution fields, got %+v", got)
	}
	sameJSON(t, got.Context, task.Context)

	if _, ok, err := s.FindByExternalID(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("expected missing task, got ok=%v err=%v", ok, err)
	}
}

func testInsertConflict(t *testing.T, s Store) {
	mustInsert(t, s, NewTask("00000000-0000-0000-0000-000000000001", "ext-1", notifyflow.TaskPending, notifyflow.PriorityLow, 0))

	err := s.Insert(context.Background(), NewTask("00000000-0000-0000-0000-000000000002", "ext-1", notifyflow.TaskPending, notifyflow.PriorityLow, 0))
	if !notifyflow.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var ce *notifyflow.ConflictError
	if !errors.As(err, &ce) || ce.ExternalID != "ext-1" {
		t.Fatalf("expected conflict on ext-1, got %v", err)
	}
}

func testPrimaryKeyCollision(t *testing.T, s Store) {
	mustInsert(t, s, NewTask("00000000-0000-0000-0000-000000000001", "ext-1", notifyflow.TaskPending, notifyflow.PriorityLow, 0))

	err := s.Insert(context.Background(), NewTask("00000000-0000-0000-0000-000000000001", "ext-2", notifyflow.TaskPending, notifyflow.PriorityLow, 0))
	if !errors.Is(err, notifyflow.ErrPrimaryKeyCollision) {
		t.Fatalf("expected primary key collision, got %v", err)
	}
	if notifyflow.IsConflict(err) {
		t.Fatalf("primary key collision must not be a conflict")
	}
}

func testClaimBatch(t *testing.T, s Store) {
	future := base.Add(time.Hour)
	past := base.Add(-time.Minute)

	pending := NewTask("00000000-0000-0000-0000-00000000000a", "pending", notifyflow.TaskPending, notifyflow.PriorityMedium, 0)
	dueErr := NewTask("00000000-0000-0000-0000-00000000000b", "due-error", notifyflow.TaskError, notifyflow.PriorityHigh, time.Second)
	dueErr.ExecutionScheduledAt = &past
	laterErr := NewTask("00000000-0000-0000-0000-00000000000c", "later-error", notifyflow.TaskError, notifyflow.PriorityHigh, 2*time.Second)
	laterErr.ExecutionScheduledAt = &future
	done := NewTask("00000000-0000-0000-0000-00000000000d", "completed", notifyflow.TaskCompleted, notifyflow.PriorityHigh, 3*time.Second)
	mustInsert(t, s, pending, dueErr, laterErr, done)

	started := base.Add(5 * time.Second)
	claim := notifyflow.ClaimBatch{
		FromStatuses: []notifyflow.TaskStatus{notifyflow.TaskPending, notifyflow.TaskError},
		DueBefore:    started,
		ToStatus:     notifyflow.TaskInProgress,
		StartedAt:    started,
	}
	got, err := s.ClaimBatch(context.Background(), claim)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if want := []string{dueErr.ID, pending.ID}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("unexpected claim order: got=%v want=%v", ids(got), want)
	}
	for _, task := range got {
		if task.Status != notifyflow.TaskInProgress {
			t.Fatalf("task %s not in progress: %s", task.ID, task.Status)
		}
		if task.ExecutionStartedAt == nil || !task.ExecutionStartedAt.Equal(started) {
			t.Fatalf("task %s has started at %v", task.ID, task.ExecutionStartedAt)
		}
		if task.ExecutionScheduledAt != nil {
			t.Fatalf("task %s kept scheduled at %v", task.ID, task.ExecutionScheduledAt)
		}
	}

	again, err := s.ClaimBatch(context.Background(), claim)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing left to claim, got %v", ids(again))
	}
	if st := mustFind(t, s, "later-error").Status; st != notifyflow.TaskError {
		t.Fatalf("future task was touched: %s", st)
	}
}

func testClaimBatchLimit(t *testing.T, s Store) {
	mustInsert(t, s,
		NewTask("00000000-0000-0000-0000-000000000001", "low", notifyflow.TaskPending, notifyflow.PriorityLow, 0),
		NewTask("00000000-0000-0000-0000-000000000002", "high", notifyflow.TaskPending, notifyflow.PriorityHigh, time.Second),
	)
	got, err := s.ClaimBatch(context.Background(), notifyflow.ClaimBatch{
		FromStatuses: []notifyflow.TaskStatus{notifyflow.TaskPending},
		DueBefore:    base.Add(time.Minute),
		ToStatus:     notifyflow.TaskInProgress,
		StartedAt:    base.Add(time.Minute),
		Limit:        1,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != "high" {
		t.Fatalf("expected only the high priority task, got %+v", got)
	}
	if st := mustFind(t, s, "low").Status; st != notifyflow.TaskPending {
		t.Fatalf("low priority task should stay pending, got %s", st)
	}
}

func testUpdateTerminal(t *testing.T, s Store) {
	task := NewTask("00000000-0000-0000-0000-000000000001", "ext-1", notifyflow.TaskPending, notifyflow.PriorityMedium, 0)
	mustInsert(t, s, task)
	started := base.Add(time.Second)
	if _, err := s.ClaimBatch(context.Background(), notifyflow.ClaimBatch{
		FromStatuses: []notifyflow.TaskStatus{notifyflow.TaskPending},
		DueBefore:    started,
		ToStatus:     notifyflow.TaskInProgress,
		StartedAt:    started,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	next := base.Add(10 * time.Minute)
	msg := "smtp down"
	ctxJSON := json.RawMessage(`{"input":{"recipient":"a@example.com"},"failures":[{"timestamp":"2026-05-04T12:00:01Z","failureType":"EMAIL_SENDER_FAILURE","message":"smtp down"}]}`)
	err := s.UpdateTerminal(context.Background(), notifyflow.TerminalUpdate{
		ID:                   task.ID,
		Status:               notifyflow.TaskError,
		ExecutionCount:       1,
		Context:              ctxJSON,
		Message:              &msg,
		ExecutionScheduledAt: &next,
		ModifiedAt:           started,
	})
	if err != nil {
		t.Fatalf("update terminal: %v", err)
	}

	got := mustFind(t, s, "ext-1")
	if got.Status != notifyflow.TaskError || got.ExecutionCount != 1 {
		t.Fatalf("unexpected status/count: %s/%d", got.Status, got.ExecutionCount)
	}
	if got.ExecutionStartedAt != nil {
		t.Fatalf("expected started at cleared, got %v", got.ExecutionStartedAt)
	}
	if got.ExecutionScheduledAt == nil || !got.ExecutionScheduledAt.Equal(next) {
		t.Fatalf("unexpected scheduled at %v", got.ExecutionScheduledAt)
	}
	if got.Message == nil || *got.Message != msg {
		t.Fatalf("unexpected message %v", got.Message)
	}
	if !got.ModifiedAt.Equal(started) {
		t.Fatalf("unexpected modified at %v", got.ModifiedAt)
	}
	sameJSON(t, got.Context, ctxJSON)
}

func testUpdateTerminalMissing(t *testing.T, s Store) {
	err := s.UpdateTerminal(context.Background(), notifyflow.TerminalUpdate{
		ID:         "00000000-0000-0000-0000-0000000000ff",
		Status:     notifyflow.TaskCompleted,
		Context:    json.RawMessage(`{}`),
		ModifiedAt: base,
	})
	if err == nil {
		t.Fatalf("expected error updating a missing task")
	}
}

func testLockOneAndMarkPublished(t *testing.T, s Store) {
	first := NewTask("00000000-0000-0000-0000-000000000001", "first", notifyflow.TaskCompleted, notifyflow.PriorityLow, 0)
	second := NewTask("00000000-0000-0000-0000-000000000002", "second", notifyflow.TaskFailed, notifyflow.PriorityHigh, time.Second)
	pending := NewTask("00000000-0000-0000-0000-000000000003", "pending", notifyflow.TaskPending, notifyflow.PriorityHigh, -time.Second)
	mustInsert(t, s, first, second, pending)

	q := notifyflow.LockQuery{
		Types:    []notifyflow.TaskType{notifyflow.TaskSendEmail},
		Statuses: []notifyflow.TaskStatus{notifyflow.TaskCompleted, notifyflow.TaskFailed},
	}

	for _, want := range []string{first.ID, second.ID} {
		err := s.WithinTx(context.Background(), func(ctx context.Context) error {
			task, ok, err := s.LockOne(ctx, q)
			if err != nil {
				return err
			}
			if !ok || task.ID != want {
				t.Fatalf("expected to lock %s, got ok=%v id=%s", want, ok, task.ID)
			}
			return s.MarkPublished(ctx, task.ID, notifyflow.TaskPublished)
		})
		if err != nil {
			t.Fatalf("publish tx: %v", err)
		}
	}

	for _, ext := range []string{"first", "second"} {
		if st := mustFind(t, s, ext).Status; st != notifyflow.TaskPublished {
			t.Fatalf("task %s not published: %s", ext, st)
		}
	}
	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		_, ok, err := s.LockOne(ctx, q)
		if ok {
			t.Fatalf("expected nothing left to publish")
		}
		return err
	})
	if err != nil {
		t.Fatalf("empty publish tx: %v", err)
	}
}

func testLockOneSkipsLocked(t *testing.T, s Store) {
	mustInsert(t, s,
		NewTask("00000000-0000-0000-0000-000000000001", "first", notifyflow.TaskCompleted, notifyflow.PriorityLow, 0),
		NewTask("00000000-0000-0000-0000-000000000002", "second", notifyflow.TaskCompleted, notifyflow.PriorityLow, time.Second),
	)
	q := notifyflow.LockQuery{
		Types:    []notifyflow.TaskType{notifyflow.TaskSendEmail},
		Statuses: []notifyflow.TaskStatus{notifyflow.TaskCompleted},
	}

	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		outer, ok, err := s.LockOne(ctx, q)
		if err != nil || !ok {
			t.Fatalf("outer lock: ok=%v err=%v", ok, err)
		}
		// A separate transaction must skip the row held above.
		return s.WithinTx(context.Background(), func(inner context.Context) error {
			other, ok, err := s.LockOne(inner, q)
			if err != nil || !ok {
				t.Fatalf("inner lock: ok=%v err=%v", ok, err)
			}
			if other.ID == outer.ID {
				t.Fatalf("both transactions locked %s", other.ID)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func testLockOneSkipIDs(t *testing.T, s Store) {
	mustInsert(t, s,
		NewTask("00000000-0000-0000-0000-000000000001", "first", notifyflow.TaskCompleted, notifyflow.PriorityLow, 0),
		NewTask("00000000-0000-0000-0000-000000000002", "second", notifyflow.TaskFailed, notifyflow.PriorityLow, time.Second),
	)
	q := notifyflow.LockQuery{
		Types:    []notifyflow.TaskType{notifyflow.TaskSendEmail},
		Statuses: []notifyflow.TaskStatus{notifyflow.TaskCompleted, notifyflow.TaskFailed},
		SkipIDs:  []string{"00000000-0000-0000-0000-000000000001"},
	}
	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		task, ok, err := s.LockOne(ctx, q)
		if err != nil {
			return err
		}
		if !ok || task.ExternalID != "second" {
			t.Fatalf("expected to skip the first task, got ok=%v ext=%s", ok, task.ExternalID)
		}
		q.SkipIDs = append(q.SkipIDs, task.ID)
		if _, ok, err := s.LockOne(ctx, q); err != nil || ok {
			t.Fatalf("expected nothing once both are skipped, ok=%v err=%v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func testRollbackOnError(t *testing.T, s Store) {
	mustInsert(t, s, NewTask("00000000-0000-0000-0000-000000000001", "first", notifyflow.TaskCompleted, notifyflow.PriorityLow, 0))
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := s.MarkPublished(ctx, "00000000-0000-0000-0000-000000000001", notifyflow.TaskPublished); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected block error returned unchanged, got %v", err)
	}
	if st := mustFind(t, s, "first").Status; st != notifyflow.TaskCompleted {
		t.Fatalf("expected rollback to keep COMPLETED, got %s", st)
	}
}
