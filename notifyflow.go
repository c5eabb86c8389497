// Package notifyflow is a persistent, retryable task engine. Tasks are stored,
// claimed and executed by per-type executors, and their outcomes are published
// to a broker through a transactional outbox.
package notifyflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Engine struct {
	cfg       *Config
	repo      Repository
	executors *executorRegistry
	poller    *ExecutionPoller
	publisher *OutcomePublisher
	sched     *Scheduler
}

func New(cfg Config, repo Repository, tx Transactor, pub Publisher) *Engine {
	c := cfg.WithDefaults()
	executors := newExecutorRegistry()
	return &Engine{
		cfg:       &c,
		repo:      repo,
		executors: executors,
		poller:    newExecutionPoller(&c, repo, executors),
		publisher: newOutcomePublisher(&c, repo, tx, pub),
	}
}

// Config returns the effective configuration, defaults applied.
func (e *Engine) Config() Config { return *e.cfg }

// RegisterExecutor associates a task type with its executor.
func (e *Engine) RegisterExecutor(t TaskType, exec TaskExecutor) {
	e.executors.register(t, exec)
}

func (e *Engine) Poller() *ExecutionPoller { return e.poller }

func (e *Engine) Publisher() *OutcomePublisher { return e.publisher }

// Submission is a request to create a task.
type Submission struct {
	Type TaskType
	// ExternalID is the caller's idempotency key. A random one is generated when empty.
	ExternalID string
	// Priority defaults to PriorityMedium.
	Priority Priority
	Input    any
}

// Submit inserts a new PENDING task. Resubmitting an external id yields *ConflictError.
func (e *Engine) Submit(ctx context.Context, s Submission) (Task, error) {
	if !IsRegistered(s.Type) {
		return Task{}, &InvalidityError{Field: "type", Reason: "unknown task type " + string(s.Type)}
	}
	if s.Priority == 0 {
		s.Priority = PriorityMedium
	}
	if s.Priority < PriorityLow || s.Priority > PriorityHigh {
		return Task{}, &InvalidityError{Field: "priority", Reason: "must be LOW, MEDIUM or HIGH"}
	}
	if s.ExternalID == "" {
		s.ExternalID = uuid.NewString()
	}

	raw, err := NewTaskContext(s.Input).Encode()
	if err != nil {
		return Task{}, &InvalidityError{Field: "input", Reason: err.Error()}
	}
	if _, err := DecodeContextView(s.Type, raw); err != nil {
		return Task{}, &InvalidityError{Field: "input", Reason: err.Error()}
	}

	now := e.cfg.Clock.Now()
	task := Task{
		ID:         uuid.NewString(),
		Type:       s.Type,
		Status:     TaskPending,
		ExternalID: s.ExternalID,
		Priority:   s.Priority,
		Context:    raw,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := e.repo.Insert(ctx, task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Lookup returns the task submitted with externalID.
func (e *Engine) Lookup(ctx context.Context, externalID string) (Task, error) {
	t, ok, err := e.repo.FindByExternalID(ctx, externalID)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, &NotFoundError{Entity: "task", Key: externalID}
	}
	return t, nil
}

// Start schedules the execution poller and the outcome publisher.
// It returns immediately; call Shutdown to stop them.
func (e *Engine) Start(ctx context.Context) error {
	if e.sched != nil {
		e.cfg.logError(LogEvent{Message: "Jobs already started on this Engine instance."})
		return nil
	}
	sched, err := NewScheduler(ctx, e.cfg, e.poller, e.publisher)
	if err != nil {
		return err
	}
	e.sched = sched
	sched.Start()
	return nil
}

// Shutdown gracefully stops the scheduled jobs, waiting up to timeout for them to exit.
func (e *Engine) Shutdown(timeout time.Duration) {
	if e.sched == nil {
		e.cfg.logInfo(LogEvent{Message: "No jobs to shut down (did you call Start?)."})
		return
	}
	e.sched.Shutdown(timeout)
	e.sched = nil
	e.cfg.logInfo(LogEvent{Message: "notifyflow shutdown complete."})
}
