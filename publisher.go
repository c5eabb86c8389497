package notifyflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const OutcomePublisherName = "outcome-publisher"

// Publisher delivers a task outcome to the external broker, keyed by externalID.
type Publisher interface {
	Publish(ctx context.Context, taskType TaskType, externalID string, payload []byte) error
}

// PublishReport counts what happened in one outcome publisher cycle.
type PublishReport struct {
	// Attempts is the number of LockOne calls, including the final empty one.
	Attempts  int
	Published int
	Failed    int
}

// OutcomePublisher drains COMPLETED and FAILED tasks to the broker, one task per
// transaction. A crash between a successful publish and the commit of its mark
// can publish that task twice; consumers deduplicate on the external id.
type OutcomePublisher struct {
	cfg    *Config
	repo   Repository
	tx     Transactor
	pub    Publisher
	types  []TaskType
	tracer trace.Tracer
}

func newOutcomePublisher(cfg *Config, repo Repository, tx Transactor, pub Publisher) *OutcomePublisher {
	return &OutcomePublisher{
		cfg:    cfg,
		repo:   repo,
		tx:     tx,
		pub:    pub,
		tracer: otel.Tracer(tracerName),
	}
}

func (p *OutcomePublisher) Name() string { return OutcomePublisherName }

func (p *OutcomePublisher) Schedule() string { return p.cfg.PublisherSchedule }

// SetTypes restricts the task types the publisher picks. By default every type
// with a registered context schema is published.
func (p *OutcomePublisher) SetTypes(types ...TaskType) {
	p.types = append([]TaskType(nil), types...)
}

func (p *OutcomePublisher) publishableTypes() []TaskType {
	types := append([]TaskType(nil), p.types...)
	if len(types) == 0 {
		types = RegisteredTypes()
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Execute runs one cycle. Crashes are logged, never raised.
func (p *OutcomePublisher) Execute(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.logError(LogEvent{
				Message: "Outcome publisher cycle crashed",
				Job:     OutcomePublisherName,
				Err:     fmt.Errorf("panic: %v", r),
			})
		}
	}()
	p.RunCycle(ctx)
}

type publishStep int

const (
	stepEmpty publishStep = iota
	stepPublished
	stepFailed
)

var publishableStatuses = []TaskStatus{TaskCompleted, TaskFailed}

// RunCycle publishes up to PublishBatchSize tasks and stops early when none is left.
func (p *OutcomePublisher) RunCycle(ctx context.Context) PublishReport {
	ctx, span := p.tracer.Start(ctx, "notifyflow.outcome_publisher.cycle")
	defer span.End()

	var report PublishReport
	start := time.Now()
	types := p.publishableTypes()

	p.cfg.logInfo(LogEvent{Message: "Outcome publishing started", Job: OutcomePublisherName})

	// Tasks that failed this cycle are skipped so one stuck task cannot starve the rest.
	var tried []string

loop:
	for i := 0; i < p.cfg.PublishBatchSize; i++ {
		if ctx.Err() != nil {
			break
		}
		report.Attempts++

		q := LockQuery{Types: types, Statuses: publishableStatuses, SkipIDs: tried}
		var res publishResult
		err := p.tx.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			res, err = p.publishOne(ctx, q)
			return err
		})
		if err != nil {
			report.Failed++
			if res.taskID != "" {
				tried = append(tried, res.taskID)
			}
			span.RecordError(err)
			p.cfg.logError(LogEvent{
				Message: "Error publishing task outcome",
				Job:     OutcomePublisherName,
				Err:     err,
			})
			continue
		}

		switch res.step {
		case stepEmpty:
			break loop
		case stepPublished:
			report.Published++
		case stepFailed:
			report.Failed++
			tried = append(tried, res.taskID)
		}
	}

	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.Int("notifyflow.published", report.Published),
		attribute.Int("notifyflow.failed", report.Failed),
	)
	p.cfg.logInfo(LogEvent{
		Message:  fmt.Sprintf("Outcome publishing finished: failures=%d successes=%d", report.Failed, report.Published),
		Job:      OutcomePublisherName,
		Duration: &elapsed,
	})
	return report
}

type publishResult struct {
	step   publishStep
	taskID string
}

// publishOne runs inside the iteration's transaction. Failures that leave the
// row untouched are reported as stepFailed so the lock is released by a commit;
// only storage errors abort the transaction.
func (p *OutcomePublisher) publishOne(ctx context.Context, q LockQuery) (publishResult, error) {
	task, ok, err := p.repo.LockOne(ctx, q)
	if err != nil {
		return publishResult{step: stepFailed}, err
	}
	if !ok {
		return publishResult{step: stepEmpty}, nil
	}
	failed := publishResult{step: stepFailed, taskID: task.ID}

	payload, err := ExtractOutput(task)
	if err != nil {
		p.cfg.logError(taskEvent(OutcomePublisherName, task, "Cannot extract task output", err))
		return failed, nil
	}

	if err := p.pub.Publish(ctx, task.Type, task.ExternalID, payload); err != nil {
		p.cfg.logError(taskEvent(OutcomePublisherName, task, "Error publishing task output", err))
		return failed, nil
	}

	if err := p.repo.MarkPublished(ctx, task.ID, TaskPublished); err != nil {
		return failed, fmt.Errorf("mark task %s published: %w", task.ID, err)
	}
	return publishResult{step: stepPublished, taskID: task.ID}, nil
}
