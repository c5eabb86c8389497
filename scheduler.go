package notifyflow

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs jobs on their cron cadence. A job never overlaps with itself;
// different jobs run independently of each other.
type Scheduler struct {
	cfg    *Config
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler parses the schedule of every job. Cycles receive a context derived
// from ctx that is canceled on Shutdown.
func NewScheduler(ctx context.Context, cfg *Config, jobs ...Job) (*Scheduler, error) {
	logger := cronLogger{cfg: cfg}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	schedCtx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cfg:    cfg,
		cron:   c,
		ctx:    schedCtx,
		cancel: cancel,
	}

	for _, j := range jobs {
		job := j
		if _, err := c.AddFunc(job.Schedule(), func() { s.run(job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule job %s (%q): %w", job.Name(), job.Schedule(), err)
		}
	}
	return s, nil
}

func (s *Scheduler) run(job Job) {
	if s.ctx.Err() != nil {
		return
	}
	job.Execute(s.ctx)
}

// Start begins firing jobs. It returns immediately.
func (s *Scheduler) Start() {
	s.cfg.logInfo(LogEvent{Message: "Scheduler started."})
	s.cron.Start()
}

// Shutdown stops firing new cycles and waits up to timeout for running ones.
// Running executions of claimed tasks are allowed to finish.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cfg.logInfo(LogEvent{Message: "Shutdown requested. Stopping scheduled jobs..."})
	stopped := s.cron.Stop()
	s.cancel()

	doneCh := make(chan struct{})
	go func() {
		<-stopped.Done()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		s.cfg.logInfo(LogEvent{Message: "All scheduled jobs exited cleanly."})
	case <-time.After(timeout):
		s.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Shutdown timed out after %v. Some cycles may still be running.", timeout),
		})
	}
}

// cronLogger routes cron's own logging through the configured callbacks.
type cronLogger struct {
	cfg *Config
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	// cron reports every wake-up at info level; only skips are worth surfacing.
	if msg == "skip" {
		l.cfg.logWarn(LogEvent{Message: "Previous cycle still running, skipping this run"})
	}
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.cfg.logError(LogEvent{
		Message: fmt.Sprintf("scheduler: %s %v", msg, keysAndValues),
		Err:     err,
	})
}
