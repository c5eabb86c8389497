package notifyflow

import (
	"time"
)

// LogEvent captures information about a logging event.
type LogEvent struct {
	// A human-readable message about the event.
	Message string

	// The job that emitted the event ("execution-poller", "outcome-publisher"), if any.
	Job string

	// The task ID, if available.
	TaskID *string

	// The external (idempotency) ID of the task, if available.
	ExternalID *string

	// The task type, if available.
	TaskType *string

	// Any error associated with the event.
	Err error

	// How long the cycle or execution took, if relevant.
	Duration *time.Duration
}

// Config holds the settings of the engine and its two scheduled jobs.
type Config struct {
	// MaxExecutionCount is the number of attempts after which a recoverable
	// failure becomes terminal.
	MaxExecutionCount int

	// TemplateNotFoundBackoffHours is multiplied by the attempt number to
	// reschedule a task whose template is missing.
	TemplateNotFoundBackoffHours int

	// EmailSenderFailureBackoffMinutes is multiplied by the attempt number to
	// reschedule a task whose dispatch failed.
	EmailSenderFailureBackoffMinutes int

	// PollerSchedule is the cron cadence (with seconds) of the execution poller.
	PollerSchedule string

	// PublisherSchedule is the cron cadence (with seconds) of the outcome publisher.
	PublisherSchedule string

	// PublishBatchSize bounds the tasks published per publisher cycle.
	PublishBatchSize int

	// WorkerPoolSize bounds the executions running at once in one poller cycle.
	WorkerPoolSize int

	// ClaimBatchSize caps the tasks claimed per poller cycle. Zero claims all due tasks.
	ClaimBatchSize int

	// Clock is used for every timestamp the engine writes. Defaults to SystemClock.
	Clock Clock

	// InfoLog is called for informational or success logs.
	// If nil, defaults to printing to stdout.
	InfoLog func(ev LogEvent)

	// WarnLog is called for conditions that need an operator but are not errors.
	// If nil, defaults to printing to stderr.
	WarnLog func(ev LogEvent)

	// ErrorLog is called for error logs.
	// If nil, defaults to printing to stderr.
	ErrorLog func(ev LogEvent)
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		MaxExecutionCount:                3,
		TemplateNotFoundBackoffHours:     1,
		EmailSenderFailureBackoffMinutes: 5,
		PollerSchedule:                   "*/10 * * * * *",
		PublisherSchedule:                "*/10 * * * * *",
		PublishBatchSize:                 10,
		WorkerPoolSize:                   8,
		Clock:                            SystemClock,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxExecutionCount <= 0 {
		c.MaxExecutionCount = d.MaxExecutionCount
	}
	if c.TemplateNotFoundBackoffHours <= 0 {
		c.TemplateNotFoundBackoffHours = d.TemplateNotFoundBackoffHours
	}
	if c.EmailSenderFailureBackoffMinutes <= 0 {
		c.EmailSenderFailureBackoffMinutes = d.EmailSenderFailureBackoffMinutes
	}
	if c.PollerSchedule == "" {
		c.PollerSchedule = d.PollerSchedule
	}
	if c.PublisherSchedule == "" {
		c.PublisherSchedule = d.PublisherSchedule
	}
	if c.PublishBatchSize <= 0 {
		c.PublishBatchSize = d.PublishBatchSize
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = d.WorkerPoolSize
	}
	if c.ClaimBatchSize < 0 {
		c.ClaimBatchSize = 0
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.InfoLog == nil {
		c.InfoLog = defaultInfoLog
	}
	if c.WarnLog == nil {
		c.WarnLog = defaultWarnLog
	}
	if c.ErrorLog == nil {
		c.ErrorLog = defaultErrorLog
	}
	return c
}
