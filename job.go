package notifyflow

import "context"

// Job is a periodic unit run by the Scheduler.
type Job interface {
	Name() string
	// Schedule is a cron expression with a leading seconds field.
	Schedule() string
	Execute(ctx context.Context)
}
