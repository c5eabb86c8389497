package notifyflow

import (
	"errors"
	"fmt"
)

// ConflictError is returned when an idempotency key was already submitted.
type ConflictError struct {
	ExternalID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task with external id %q already exists", e.ExternalID)
}

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

// InvalidityError is returned when input fails validation.
type InvalidityError struct {
	Field  string
	Reason string
}

func (e *InvalidityError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UnexpectedError wraps storage, broker and transport failures.
// Temporary tells callers whether a blind retry is safe.
type UnexpectedError struct {
	Op        string
	Temporary bool
	Cause     error
}

func (e *UnexpectedError) Error() string {
	if e.Cause == nil {
		return e.Op
	}
	return e.Op + ": " + e.Cause.Error()
}

func (e *UnexpectedError) Unwrap() error { return e.Cause }

// ErrPrimaryKeyCollision is the cause carried by an UnexpectedError when an insert
// hits an existing task id with a different external id.
var ErrPrimaryKeyCollision = errors.New("task id already exists")

// Unexpected wraps err as a non-temporary UnexpectedError. A nil err stays nil.
func Unexpected(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnexpectedError{Op: op, Cause: err}
}

// Temporary wraps err as an UnexpectedError that is safe to retry.
func Temporary(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnexpectedError{Op: op, Temporary: true, Cause: err}
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

func IsInvalid(err error) bool {
	var i *InvalidityError
	return errors.As(err, &i)
}

// IsTemporary reports whether err is an UnexpectedError marked temporary.
func IsTemporary(err error) bool {
	var u *UnexpectedError
	return errors.As(err, &u) && u.Temporary
}
