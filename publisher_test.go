package notifyflow_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/memstore"
)

func newPublisherEngine(t *testing.T, pub notifyflow.Publisher, batch int) (*notifyflow.Engine, *memstore.Store, *logRecorder) {
	t.Helper()
	logs := &logRecorder{}
	cfg := testConfig(logs)
	cfg.PublishBatchSize = batch
	s := memstore.New()
	e := notifyflow.New(cfg, s, s, pub)
	e.Publisher().SetTypes(echoType)
	return e, s, logs
}

func completed(id, externalID string) notifyflow.Task {
	return newTask(id, externalID, echoType, notifyflow.TaskCompleted, fmt.Sprintf(completedContext, externalID))
}

func TestPublisherDrainsInCreationOrder(t *testing.T) {
	pub := &recordingPublisher{}
	e, s, _ := newPublisherEngine(t, pub, 10)
	mustInsert(t, s, completed("t1", "ext-1"), completed("t2", "ext-2"))

	report := e.Publisher().RunCycle(context.Background())

	want := notifyflow.PublishReport{Attempts: 3, Published: 2}
	if report != want {
		t.Fatalf("unexpected report: got=%+v want=%+v", report, want)
	}
	if got := pub.externalIDs(); !reflect.DeepEqual(got, []string{"ext-1", "ext-2"}) {
		t.Fatalf("unexpected publish order: %v", got)
	}
	if pub.calls[0].Payload != `{"correlationId":"ext-1","status":"SUCCESSFUL"}` {
		t.Fatalf("unexpected payload: %s", pub.calls[0].Payload)
	}
	for _, id := range []string{"t1", "t2"} {
		if st := status(s, id); st != notifyflow.TaskPublished {
			t.Fatalf("task %s not published: %s", id, st)
		}
	}
}

func TestPublisherFailureDoesNotBlockLaterTasks(t *testing.T) {
	pub := &recordingPublisher{failOn: map[string]bool{"ext-1": true}}
	e, s, logs := newPublisherEngine(t, pub, 10)
	mustInsert(t, s, completed("t1", "ext-1"), completed("t2", "ext-2"))

	report := e.Publisher().RunCycle(context.Background())

	want := notifyflow.PublishReport{Attempts: 3, Published: 1, Failed: 1}
	if report != want {
		t.Fatalf("unexpected report: got=%+v want=%+v", report, want)
	}
	if st := status(s, "t1"); st != notifyflow.TaskCompleted {
		t.Fatalf("failed publish must leave the task COMPLETED, got %s", st)
	}
	if st := status(s, "t2"); st != notifyflow.TaskPublished {
		t.Fatalf("second task not published: %s", st)
	}
	if logs.errorCount() != 1 {
		t.Fatalf("expected one logged failure, got %d", logs.errorCount())
	}

	// The failed task is picked again by the next cycle.
	pub.failOn = nil
	report = e.Publisher().RunCycle(context.Background())
	if report.Published != 1 || status(s, "t1") != notifyflow.TaskPublished {
		t.Fatalf("retry cycle did not publish the first task: %+v", report)
	}
}

func TestPublisherSkipsUndecodableContext(t *testing.T) {
	pub := &recordingPublisher{}
	e, s, _ := newPublisherEngine(t, pub, 10)
	mustInsert(t, s, newTask("t1", "ext-1", echoType, notifyflow.TaskFailed, `not json`))

	report := e.Publisher().RunCycle(context.Background())

	want := notifyflow.PublishReport{Attempts: 2, Failed: 1}
	if report != want {
		t.Fatalf("unexpected report: got=%+v want=%+v", report, want)
	}
	if len(pub.calls) != 0 {
		t.Fatalf("nothing should be published, got %v", pub.externalIDs())
	}
	if st := status(s, "t1"); st != notifyflow.TaskFailed {
		t.Fatalf("task status changed to %s", st)
	}
}

func TestPublisherRespectsBatchSize(t *testing.T) {
	pub := &recordingPublisher{}
	e, s, _ := newPublisherEngine(t, pub, 1)
	mustInsert(t, s, completed("t1", "ext-1"), completed("t2", "ext-2"))

	report := e.Publisher().RunCycle(context.Background())

	want := notifyflow.PublishReport{Attempts: 1, Published: 1}
	if report != want {
		t.Fatalf("unexpected report: got=%+v want=%+v", report, want)
	}
	if st := status(s, "t2"); st != notifyflow.TaskCompleted {
		t.Fatalf("second task should wait for the next cycle, got %s", st)
	}
}

func TestPublisherCommitFailureKeepsTaskPublishable(t *testing.T) {
	pub := &recordingPublisher{}
	e, s, _ := newPublisherEngine(t, pub, 10)
	mustInsert(t, s, completed("t1", "ext-1"))
	s.FailNextCommit(errors.New("connection reset"))

	report := e.Publisher().RunCycle(context.Background())

	want := notifyflow.PublishReport{Attempts: 2, Failed: 1}
	if report != want {
		t.Fatalf("unexpected report: got=%+v want=%+v", report, want)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(pub.calls))
	}
	if st := status(s, "t1"); st != notifyflow.TaskCompleted {
		t.Fatalf("rolled back mark must leave the task COMPLETED, got %s", st)
	}
}

func TestPublisherIgnoresOtherStatuses(t *testing.T) {
	pub := &recordingPublisher{}
	e, s, _ := newPublisherEngine(t, pub, 10)
	mustInsert(t, s,
		newTask("t1", "ext-1", echoType, notifyflow.TaskPending, pendingContext),
		newTask("t2", "ext-2", echoType, notifyflow.TaskPublished, fmt.Sprintf(completedContext, "ext-2")),
	)

	report := e.Publisher().RunCycle(context.Background())
	if report.Attempts != 1 || report.Published != 0 || len(pub.calls) != 0 {
		t.Fatalf("unexpected cycle: %+v calls=%v", report, pub.externalIDs())
	}
}
