package model

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError marks malformed payloads or malformed AI output.
// Terminal: retrying cannot fix bad input.
type ValidationError struct {
	Message string
}

func NewValidationError(message string) ValidationError {
	return ValidationError{Message: message}
}

func (e ValidationError) Error() string {
	return e.Message
}

// TransientError marks network, timeout and quota failures. Retried with
// bounded exponential backoff before degrading or failing.
type TransientError struct {
	Op  string
	Err error
}

func NewTransientError(op string, err error) TransientError {
	return TransientError{Op: op, Err: err}
}

func (e TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error {
	return e.Err
}

// SafetyRejection marks an AI content-policy block. Terminal, and
// distinguishable from transient failure: the call will never succeed.
type SafetyRejection struct {
	Reason string
}

func (e SafetyRejection) Error() string {
	return fmt.Sprintf("content safety rejection: %s", e.Reason)
}

// TransactionConflict reports that a discount write lost the
// monotonic-improvement race. Callers treat it as success/no-op.
type TransactionConflict struct {
	Reason string
}

func (e TransactionConflict) Error() string {
	return fmt.Sprintf("transaction conflict: %s", e.Reason)
}

// IsRetryable reports whether an error may succeed on a later attempt.
// Context deadline errors count: the per-step timeout elapsed but the
// run may still have budget.
func IsRetryable(err error) bool {
	var transient TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsSafetyRejection(err error) bool {
	var rejection SafetyRejection
	return errors.As(err, &rejection)
}

func IsConflict(err error) bool {
	var conflict TransactionConflict
	return errors.As(err, &conflict)
}

// TruncateError bounds the human-readable message persisted on a failed
// entity so a huge AI payload never lands in the store.
func TruncateError(err error, max int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > max {
		return msg[:max] + "..."
	}
	return msg
}
