package notifyflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/memstore"
)

const (
	echoType   notifyflow.TaskType = "ECHO"
	crashType  notifyflow.TaskType = "CRASH"
	orphanType notifyflow.TaskType = "ORPHAN"
)

type echoInput struct {
	Text string `json:"text"`
}

func init() {
	notifyflow.RegisterContext[echoInput](echoType)
}

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// logRecorder collects events from the engine log callbacks.
type logRecorder struct {
	mu     sync.Mutex
	errors []notifyflow.LogEvent
	warns  []notifyflow.LogEvent
}

func (r *logRecorder) errorLog(ev notifyflow.LogEvent) {
	r.mu.Lock()
	r.errors = append(r.errors, ev)
	r.mu.Unlock()
}

func (r *logRecorder) warnLog(ev notifyflow.LogEvent) {
	r.mu.Lock()
	r.warns = append(r.warns, ev)
	r.mu.Unlock()
}

func (r *logRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func testConfig(logs *logRecorder) notifyflow.Config {
	cfg := notifyflow.DefaultConfig()
	cfg.Clock = notifyflow.ClockFunc(func() time.Time { return now })
	cfg.InfoLog = func(notifyflow.LogEvent) {}
	cfg.WarnLog = logs.warnLog
	cfg.ErrorLog = logs.errorLog
	return cfg
}

func newTask(id, externalID string, typ notifyflow.TaskType, status notifyflow.TaskStatus, ctx string) notifyflow.Task {
	return notifyflow.Task{
		ID:         id,
		Type:       typ,
		Status:     status,
		ExternalID: externalID,
		Priority:   notifyflow.PriorityMedium,
		Context:    json.RawMessage(ctx),
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

const (
	pendingContext   = `{"input":{"text":"hi"},"failures":[]}`
	completedContext = `{"input":{"text":"hi"},"failures":[],"output":{"correlationId":"%s","status":"SUCCESSFUL"}}`
)

func mustInsert(t testing.TB, s *memstore.Store, tasks ...notifyflow.Task) {
	t.Helper()
	for _, task := range tasks {
		if err := s.Insert(context.Background(), task); err != nil {
			t.Fatalf("insert %s: %v", task.ID, err)
		}
	}
}

func status(s *memstore.Store, id string) notifyflow.TaskStatus {
	task, _ := s.Get(id)
	return task.Status
}

// recordingPublisher keeps every publish in order and fails for selected external ids.
type recordingPublisher struct {
	mu     sync.Mutex
	calls  []publishCall
	failOn map[string]bool
}

type publishCall struct {
	Type       notifyflow.TaskType
	ExternalID string
	Payload    string
}

func (p *recordingPublisher) Publish(_ context.Context, typ notifyflow.TaskType, externalID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{Type: typ, ExternalID: externalID, Payload: string(payload)})
	if p.failOn[externalID] {
		return errors.New("broker unavailable")
	}
	return nil
}

func (p *recordingPublisher) externalIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.ExternalID)
	}
	return out
}
