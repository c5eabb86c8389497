package notifyflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/memstore"
)

// echoExecutor completes every task it is given.
func echoExecutor(s *memstore.Store) notifyflow.TaskExecutor {
	return notifyflow.ExecutorFunc(func(ctx context.Context, task notifyflow.Task) error {
		tc, err := notifyflow.DecodeTaskContext[echoInput](task.Context)
		if err != nil {
			return err
		}
		upd, err := notifyflow.RecordSuccess(task, &tc, now)
		if err != nil {
			return err
		}
		return s.UpdateTerminal(ctx, upd)
	})
}

func newPollerEngine(t *testing.T) (*notifyflow.Engine, *memstore.Store, *logRecorder) {
	t.Helper()
	return newPollerEngineWithPool(t, 0)
}

func newPollerEngineWithPool(t *testing.T, pool int) (*notifyflow.Engine, *memstore.Store, *logRecorder) {
	t.Helper()
	logs := &logRecorder{}
	cfg := testConfig(logs)
	if pool > 0 {
		cfg.WorkerPoolSize = pool
	}
	s := memstore.New()
	e := notifyflow.New(cfg, s, s, nil)
	e.RegisterExecutor(echoType, echoExecutor(s))
	return e, s, logs
}

func TestPollerIsolatesCrashingExecutor(t *testing.T) {
	e, s, logs := newPollerEngine(t)
	e.RegisterExecutor(crashType, notifyflow.ExecutorFunc(func(context.Context, notifyflow.Task) error {
		panic("template engine exploded")
	}))
	mustInsert(t, s,
		newTask("t1", "ext-1", echoType, notifyflow.TaskPending, pendingContext),
		newTask("t2", "ext-2", crashType, notifyflow.TaskPending, pendingContext),
		newTask("t3", "ext-3", echoType, notifyflow.TaskPending, pendingContext),
	)

	report := e.Poller().RunCycle(context.Background())

	want := notifyflow.CycleReport{Claimed: 3, Dispatched: 3, Succeeded: 2, Crashed: 1}
	if report != want {
		t.Fatalf("unexpected report: got=%+v want=%+v", report, want)
	}
	for _, id := range []string{"t1", "t3"} {
		if st := status(s, id); st != notifyflow.TaskCompleted {
			t.Fatalf("task %s not completed: %s", id, st)
		}
	}
	if st := status(s, "t2"); st != notifyflow.TaskInProgress {
		t.Fatalf("crashed task should stay IN_PROGRESS, got %s", st)
	}
	if logs.errorCount() != 1 {
		t.Fatalf("expected the crash to be logged once, got %d", logs.errorCount())
	}
	if ev := logs.errors[0]; ev.TaskID == nil || *ev.TaskID != "t2" || ev.Err == nil {
		t.Fatalf("crash event lacks task details: %+v", ev)
	}
}

func TestPollerCountsExecutorErrors(t *testing.T) {
	e, s, _ := newPollerEngine(t)
	e.RegisterExecutor(crashType, notifyflow.ExecutorFunc(func(context.Context, notifyflow.Task) error {
		return errors.New("storage down")
	}))
	mustInsert(t, s, newTask("t1", "ext-1", crashType, notifyflow.TaskPending, pendingContext))

	report := e.Poller().RunCycle(context.Background())
	if report.Failed != 1 || report.Succeeded != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestPollerLeavesUnknownTypesInProgress(t *testing.T) {
	e, s, logs := newPollerEngine(t)
	mustInsert(t, s, newTask("t1", "ext-1", orphanType, notifyflow.TaskPending, pendingContext))

	report := e.Poller().RunCycle(context.Background())

	if report.Claimed != 1 || report.Skipped != 1 || report.Dispatched != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if st := status(s, "t1"); st != notifyflow.TaskInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", st)
	}
	if len(logs.warns) != 1 {
		t.Fatalf("expected one warning, got %d", len(logs.warns))
	}
}

func TestPollerClaimsOnlyDueTasks(t *testing.T) {
	e, s, _ := newPollerEngine(t)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	due := newTask("t1", "ext-1", echoType, notifyflow.TaskError, pendingContext)
	due.ExecutionCount = 1
	due.ExecutionScheduledAt = &past
	later := newTask("t2", "ext-2", echoType, notifyflow.TaskError, pendingContext)
	later.ExecutionCount = 1
	later.ExecutionScheduledAt = &future
	mustInsert(t, s, due, later)

	report := e.Poller().RunCycle(context.Background())

	if report.Claimed != 1 || report.Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	got, _ := s.Get("t1")
	if got.Status != notifyflow.TaskCompleted || got.ExecutionCount != 2 {
		t.Fatalf("due task not completed: %+v", got)
	}
	if st := status(s, "t2"); st != notifyflow.TaskError {
		t.Fatalf("future task touched: %s", st)
	}
}

func TestPollerEmptyCycle(t *testing.T) {
	e, _, _ := newPollerEngine(t)
	if report := e.Poller().RunCycle(context.Background()); report != (notifyflow.CycleReport{}) {
		t.Fatalf("expected empty report, got %+v", report)
	}
}

func insertPending(t *testing.T, s *memstore.Store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("t%d", i)
		mustInsert(t, s, newTask(id, "ext-"+id, crashType, notifyflow.TaskPending, pendingContext))
		ids = append(ids, id)
	}
	return ids
}

func TestPollerBoundsConcurrency(t *testing.T) {
	e, s, _ := newPollerEngineWithPool(t, 2)
	ids := insertPending(t, s, 4)

	var inFlight, peak atomic.Int32
	complete := echoExecutor(s)
	e.RegisterExecutor(crashType, notifyflow.ExecutorFunc(func(ctx context.Context, task notifyflow.Task) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		inFlight.Add(-1)
		return complete.Execute(ctx, task)
	}))

	report := e.Poller().RunCycle(context.Background())

	if report.Succeeded != 4 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := peak.Load(); got != 2 {
		t.Fatalf("expected 2 executions at once, saw %d", got)
	}
	for _, id := range ids {
		if st := status(s, id); st != notifyflow.TaskCompleted {
			t.Fatalf("task %s not completed: %s", id, st)
		}
	}
}

func TestPollerFinishesInFlightOnCancel(t *testing.T) {
	e, s, _ := newPollerEngineWithPool(t, 2)
	ids := insertPending(t, s, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		once      sync.Once
		cancelled atomic.Int32
	)
	complete := echoExecutor(s)
	e.RegisterExecutor(crashType, notifyflow.ExecutorFunc(func(execCtx context.Context, task notifyflow.Task) error {
		once.Do(cancel)
		time.Sleep(30 * time.Millisecond)
		if execCtx.Err() != nil {
			cancelled.Add(1)
		}
		return complete.Execute(execCtx, task)
	}))

	report := e.Poller().RunCycle(ctx)

	if report.Claimed != 4 || report.Succeeded != 4 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if n := cancelled.Load(); n != 0 {
		t.Fatalf("%d executions saw a cancelled context", n)
	}
	for _, id := range ids {
		if st := status(s, id); st != notifyflow.TaskCompleted {
			t.Fatalf("task %s not completed: %s", id, st)
		}
	}
}
