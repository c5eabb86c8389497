package notifyflow

import (
	"fmt"
	"time"
)

// LinearBackoff is unit*step scaled by the attempt about to be recorded:
// step * (executionCount + 1) units.
func LinearBackoff(unit time.Duration, step, executionCount int) time.Duration {
	if executionCount < 0 {
		executionCount = 0
	}
	return unit * time.Duration(step*(executionCount+1))
}

// RecordFailure applies a recoverable failure to a claimed task.
//
// The failure is appended to tc and the execution count advances. Once the count
// reaches maxExecutionCount the task becomes FAILED with an output carrying the
// first recorded failure type; otherwise it becomes ERROR and is rescheduled
// after backoff.
func RecordFailure[I any](task Task, tc *TaskContext[I], ft FailureType, msg string, backoff time.Duration, maxExecutionCount int, now time.Time) (TerminalUpdate, error) {
	tc.AddFailure(now, ft, msg)
	count := task.ExecutionCount + 1

	upd := TerminalUpdate{
		ID:             task.ID,
		ExecutionCount: count,
		ModifiedAt:     now,
	}

	if count >= maxExecutionCount {
		first, _ := tc.FirstFailureType()
		tc.Output = &Output{
			CorrelationID: task.ExternalID,
			Status:        OutputFailed,
			FailureType:   &first,
		}
		m := fmt.Sprintf("task failed permanently after reaching max execution count %d", maxExecutionCount)
		upd.Status = TaskFailed
		upd.Message = &m
	} else {
		next := now.Add(backoff)
		upd.Status = TaskError
		upd.ExecutionScheduledAt = &next
	}

	raw, err := tc.Encode()
	if err != nil {
		return TerminalUpdate{}, err
	}
	upd.Context = raw
	return upd, nil
}

// RecordSuccess completes a claimed task.
func RecordSuccess[I any](task Task, tc *TaskContext[I], now time.Time) (TerminalUpdate, error) {
	tc.Output = &Output{
		CorrelationID: task.ExternalID,
		Status:        OutputSuccessful,
	}
	raw, err := tc.Encode()
	if err != nil {
		return TerminalUpdate{}, err
	}
	return TerminalUpdate{
		ID:             task.ID,
		Status:         TaskCompleted,
		ExecutionCount: task.ExecutionCount + 1,
		Context:        raw,
		ModifiedAt:     now,
	}, nil
}
