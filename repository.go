package notifyflow

import "context"

// Repository is the storage contract of the engine.
//
// Every method joins the transaction carried by ctx when one was opened through
// a Transactor, and runs on its own otherwise.
type Repository interface {
	// Insert stores a new task. A duplicate ExternalID yields *ConflictError; a
	// duplicate ID yields *UnexpectedError wrapping ErrPrimaryKeyCollision.
	Insert(ctx context.Context, task Task) error

	// ClaimBatch atomically moves every due task in one of the FromStatuses to
	// ToStatus, stamps ExecutionStartedAt, clears ExecutionScheduledAt and returns
	// the updated rows.
	ClaimBatch(ctx context.Context, claim ClaimBatch) ([]Task, error)

	// LockOne locks the oldest task matching q until the enclosing transaction
	// ends, skipping rows locked elsewhere. ok is false when nothing is eligible.
	LockOne(ctx context.Context, q LockQuery) (task Task, ok bool, err error)

	// UpdateTerminal writes the outcome of an execution attempt.
	UpdateTerminal(ctx context.Context, update TerminalUpdate) error

	// MarkPublished sets the status of one task.
	MarkPublished(ctx context.Context, id string, status TaskStatus) error

	// FindByExternalID looks a task up by its idempotency key.
	FindByExternalID(ctx context.Context, externalID string) (Task, bool, error)
}
