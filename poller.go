package notifyflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ExecutionPollerName = "execution-poller"

	tracerName = "github.com/sky93/notifyflow"
)

// CycleReport counts what happened in one execution poller cycle.
type CycleReport struct {
	Claimed    int
	Dispatched int
	Succeeded  int
	Failed     int
	Crashed    int
	Skipped    int
}

// ExecutionPoller claims due tasks and runs them on their executors.
type ExecutionPoller struct {
	cfg       *Config
	repo      Repository
	executors *executorRegistry
	tracer    trace.Tracer
}

func newExecutionPoller(cfg *Config, repo Repository, executors *executorRegistry) *ExecutionPoller {
	return &ExecutionPoller{
		cfg:       cfg,
		repo:      repo,
		executors: executors,
		tracer:    otel.Tracer(tracerName),
	}
}

func (p *ExecutionPoller) Name() string { return ExecutionPollerName }

func (p *ExecutionPoller) Schedule() string { return p.cfg.PollerSchedule }

// Execute runs one cycle. Crashes outside a task execution are logged, never raised.
func (p *ExecutionPoller) Execute(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.logError(LogEvent{
				Message: "Execution poller cycle crashed",
				Job:     ExecutionPollerName,
				Err:     fmt.Errorf("panic: %v", r),
			})
		}
	}()
	p.RunCycle(ctx)
}

type executionOutcome int

const (
	outcomeSucceeded executionOutcome = iota
	outcomeFailed
	outcomeCrashed
)

// RunCycle claims every due PENDING or ERROR task and waits until each
// dispatched execution has finished.
func (p *ExecutionPoller) RunCycle(ctx context.Context) CycleReport {
	ctx, span := p.tracer.Start(ctx, "notifyflow.execution_poller.cycle")
	defer span.End()

	var report CycleReport
	start := time.Now()
	now := p.cfg.Clock.Now()

	tasks, err := p.repo.ClaimBatch(ctx, ClaimBatch{
		FromStatuses: []TaskStatus{TaskPending, TaskError},
		DueBefore:    now,
		ToStatus:     TaskInProgress,
		StartedAt:    now,
		Limit:        p.cfg.ClaimBatchSize,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		p.cfg.logError(LogEvent{
			Message: "Error claiming due tasks",
			Job:     ExecutionPollerName,
			Err:     err,
		})
		return report
	}
	report.Claimed = len(tasks)
	if len(tasks) == 0 {
		return report
	}

	// Claimed rows are already IN_PROGRESS; a stop request must not abandon them.
	runCtx := context.WithoutCancel(ctx)

	sem := make(chan struct{}, p.cfg.WorkerPoolSize)
	results := make(chan executionOutcome, len(tasks))
	var wg sync.WaitGroup

	for _, t := range tasks {
		exec, ok := p.executors.get(t.Type)
		if !ok {
			report.Skipped++
			p.cfg.logWarn(taskEvent(ExecutionPollerName, t,
				fmt.Sprintf("No executor registered for task type %s; task left IN_PROGRESS", t.Type), nil))
			continue
		}
		report.Dispatched++

		sem <- struct{}{}
		wg.Add(1)
		go func(t Task, exec TaskExecutor) {
			defer wg.Done()
			defer func() { <-sem }()
			results <- p.runOne(runCtx, t, exec)
		}(t, exec)
	}

	wg.Wait()
	close(results)

	for r := range results {
		switch r {
		case outcomeSucceeded:
			report.Succeeded++
		case outcomeFailed:
			report.Failed++
		case outcomeCrashed:
			report.Crashed++
		}
	}

	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.Int("notifyflow.claimed", report.Claimed),
		attribute.Int("notifyflow.succeeded", report.Succeeded),
		attribute.Int("notifyflow.failed", report.Failed),
		attribute.Int("notifyflow.crashed", report.Crashed),
		attribute.Int("notifyflow.skipped", report.Skipped),
	)
	p.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Execution cycle finished: claimed=%d succeeded=%d failed=%d crashed=%d skipped=%d",
			report.Claimed, report.Succeeded, report.Failed, report.Crashed, report.Skipped),
		Job:      ExecutionPollerName,
		Duration: &elapsed,
	})
	return report
}

// runOne isolates one execution: a panic becomes a crashed outcome for this task only.
func (p *ExecutionPoller) runOne(ctx context.Context, t Task, exec TaskExecutor) (outcome executionOutcome) {
	ctx, span := p.tracer.Start(ctx, "notifyflow.task.execute", trace.WithAttributes(
		attribute.String("notifyflow.task.id", t.ID),
		attribute.String("notifyflow.task.type", string(t.Type)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "executor crashed")
			ev := taskEvent(ExecutionPollerName, t, fmt.Sprintf("Task %s crashed", t.ID), err)
			p.cfg.logError(ev)
			outcome = outcomeCrashed
		}
	}()

	if err := exec.Execute(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor failed")
		elapsed := time.Since(start)
		ev := taskEvent(ExecutionPollerName, t, fmt.Sprintf("Task %s FAILED in %v", t.ID, elapsed), err)
		ev.Duration = &elapsed
		p.cfg.logError(ev)
		return outcomeFailed
	}

	elapsed := time.Since(start)
	ev := taskEvent(ExecutionPollerName, t, fmt.Sprintf("Task %s executed in %v", t.ID, elapsed), nil)
	ev.Duration = &elapsed
	p.cfg.logInfo(ev)
	return outcomeSucceeded
}
