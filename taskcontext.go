package notifyflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// FailureType names a recoverable failure recorded in a task context.
type FailureType string

// OutputStatus is the outcome written once a task reaches a terminal status.
type OutputStatus string

const (
	OutputSuccessful OutputStatus = "SUCCESSFUL"
	OutputFailed     OutputStatus = "FAILED"
)

// Failure is one recorded attempt failure. Failures are never truncated.
type Failure struct {
	Timestamp   time.Time   `json:"timestamp"`
	FailureType FailureType `json:"failureType"`
	Message     *string     `json:"message,omitempty"`
}

// Output is the terminal record published to the event consumer.
type Output struct {
	CorrelationID string       `json:"correlationId"`
	Status        OutputStatus `json:"status"`
	FailureType   *FailureType `json:"failureType,omitempty"`
}

// TaskContext is the per-type document stored in Task.Context.
type TaskContext[I any] struct {
	Input    I         `json:"input"`
	Failures []Failure `json:"failures"`
	Output   *Output   `json:"output,omitempty"`
}

// NewTaskContext starts a context for a freshly submitted task.
func NewTaskContext[I any](input I) TaskContext[I] {
	return TaskContext[I]{Input: input, Failures: []Failure{}}
}

// AddFailure appends a failure entry.
func (c *TaskContext[I]) AddFailure(at time.Time, ft FailureType, msg string) {
	f := Failure{Timestamp: at.UTC(), FailureType: ft}
	if msg != "" {
		f.Message = &msg
	}
	c.Failures = append(c.Failures, f)
}

// FirstFailureType returns the type of the earliest recorded failure.
func (c *TaskContext[I]) FirstFailureType() (FailureType, bool) {
	if len(c.Failures) == 0 {
		return "", false
	}
	return c.Failures[0].FailureType, true
}

func (c TaskContext[I]) OutputRecord() *Output { return c.Output }

func (c TaskContext[I]) FailureRecords() []Failure { return c.Failures }

// Encode serializes the context for storage.
func (c TaskContext[I]) Encode() (json.RawMessage, error) {
	if c.Failures == nil {
		c.Failures = []Failure{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode task context: %w", err)
	}
	return b, nil
}

// DecodeTaskContext parses a stored context into its typed shape.
func DecodeTaskContext[I any](raw json.RawMessage) (TaskContext[I], error) {
	var c TaskContext[I]
	if len(raw) == 0 {
		return c, errors.New("decode task context: empty document")
	}
	var shape struct {
		Input *json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return c, fmt.Errorf("decode task context: %w", err)
	}
	// A null document or a null input unmarshals to nil here.
	if shape.Input == nil {
		return c, errors.New("decode task context: missing input")
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("decode task context: %w", err)
	}
	if c.Failures == nil {
		c.Failures = []Failure{}
	}
	return c, nil
}

// ContextView is the type-independent part of a decoded task context.
type ContextView interface {
	OutputRecord() *Output
	FailureRecords() []Failure
}

type contextDecoder func(raw json.RawMessage) (ContextView, error)

var (
	schemaMu sync.RWMutex
	schemas  = make(map[TaskType]contextDecoder)
)

// RegisterContext binds a task type to its input shape. Executors register their
// type once at start-up so that the publisher can read outputs of any task.
func RegisterContext[I any](t TaskType) {
	schemaMu.Lock()
	schemas[t] = func(raw json.RawMessage) (ContextView, error) {
		return DecodeTaskContext[I](raw)
	}
	schemaMu.Unlock()
}

// RegisteredTypes lists every task type with a context schema.
func RegisteredTypes() []TaskType {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	out := make([]TaskType, 0, len(schemas))
	for t := range schemas {
		out = append(out, t)
	}
	return out
}

// IsRegistered reports whether t has a context schema.
func IsRegistered(t TaskType) bool {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	_, ok := schemas[t]
	return ok
}

// DecodeContextView decodes raw with the schema registered for t.
func DecodeContextView(t TaskType, raw json.RawMessage) (ContextView, error) {
	schemaMu.RLock()
	dec, ok := schemas[t]
	schemaMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no context schema registered for task type %s", t)
	}
	return dec(raw)
}

// ExtractOutput returns the serialized output record of a terminal task.
func ExtractOutput(task Task) ([]byte, error) {
	view, err := DecodeContextView(task.Type, task.Context)
	if err != nil {
		return nil, err
	}
	out := view.OutputRecord()
	if out == nil {
		return nil, fmt.Errorf("task %s has no output record", task.ID)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return b, nil
}
