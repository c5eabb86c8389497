package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/internal/storetest"
)

var completedEmails = notifyflow.LockQuery{
	Types:    []notifyflow.TaskType{notifyflow.TaskSendEmail},
	Statuses: []notifyflow.TaskStatus{notifyflow.TaskCompleted},
}

func TestStoreBehaviour(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return New() })
}

func TestFailedCommitRollsBack(t *testing.T) {
	s := New()
	task := storetest.NewTask("id-1", "ext-1", notifyflow.TaskCompleted, notifyflow.PriorityLow, 0)
	if err := s.Insert(context.Background(), task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	s.FailNextCommit(errors.New("connection reset"))
	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		return s.MarkPublished(ctx, task.ID, notifyflow.TaskPublished)
	})
	if !notifyflow.IsTemporary(err) {
		t.Fatalf("expected temporary commit error, got %v", err)
	}
	got, _ := s.Get(task.ID)
	if got.Status != notifyflow.TaskCompleted {
		t.Fatalf("expected rollback after failed commit, got %s", got.Status)
	}
}

func TestPanicRollsBackAndPropagates(t *testing.T) {
	s := New()
	task := storetest.NewTask("id-1", "ext-1", notifyflow.TaskCompleted, notifyflow.PriorityLow, 0)
	if err := s.Insert(context.Background(), task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("expected panic to propagate, got %v", r)
			}
		}()
		_ = s.WithinTx(context.Background(), func(ctx context.Context) error {
			locked, ok, err := s.LockOne(ctx, completedEmails)
			if err != nil || !ok {
				t.Fatalf("lock: ok=%v err=%v", ok, err)
			}
			if err := s.MarkPublished(ctx, locked.ID, notifyflow.TaskPublished); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	got, _ := s.Get(task.ID)
	if got.Status != notifyflow.TaskCompleted {
		t.Fatalf("expected rollback after panic, got %s", got.Status)
	}
	// The lock taken inside the panicking block must be gone.
	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		_, ok, err := s.LockOne(ctx, completedEmails)
		if !ok {
			t.Fatalf("expected task to be lockable again")
		}
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestRolledBackInsertFreesExternalID(t *testing.T) {
	s := New()
	task := storetest.NewTask("id-1", "ext-1", notifyflow.TaskPending, notifyflow.PriorityLow, 0)
	_ = s.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := s.Insert(ctx, task); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if _, ok, _ := s.FindByExternalID(context.Background(), "ext-1"); ok {
		t.Fatalf("rolled back insert is still visible")
	}
	if err := s.Insert(context.Background(), task); err != nil {
		t.Fatalf("re-insert after rollback: %v", err)
	}
}

func TestMarkPublishedStampsModifiedAt(t *testing.T) {
	stamp := time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)
	s := New().WithClock(notifyflow.ClockFunc(func() time.Time { return stamp }))
	task := storetest.NewTask("id-1", "ext-1", notifyflow.TaskCompleted, notifyflow.PriorityLow, 0)
	if err := s.Insert(context.Background(), task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.MarkPublished(context.Background(), task.ID, notifyflow.TaskPublished); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, _ := s.Get(task.ID)
	if got.Status != notifyflow.TaskPublished || !got.ModifiedAt.Equal(stamp) {
		t.Fatalf("expected PUBLISHED at %v, got %s at %v", stamp, got.Status, got.ModifiedAt)
	}
}
