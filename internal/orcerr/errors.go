// Package orcerr defines the error taxonomy shared by the orchestration
// engines. Lookup and validation failures are returned synchronously;
// per-action failures are captured on results instead of thrown.
package orcerr

import (
	"errors"
	"fmt"
)

// Code classifies an orchestration error.
type Code string

const (
	// CodeNotFound indicates an unknown playbook, workflow, policy, task,
	// rule, instance or execution id.
	CodeNotFound Code = "NOT_FOUND"

	// CodeValidation indicates a rejected call: missing required variable,
	// entity-type mismatch, unmet transition condition, or an operation
	// applied in the wrong state.
	CodeValidation Code = "VALIDATION"

	// CodeStalled indicates a playbook whose remaining actions can never
	// become ready.
	CodeStalled Code = "STALLED"

	// CodeActionFailed indicates a single action's own error, recorded on
	// its result rather than propagated.
	CodeActionFailed Code = "ACTION_FAILED"
)

// Error is a coded orchestration error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code so callers can compare against sentinel values.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// NotFound creates a NOT_FOUND error for a resource.
func NotFound(resourceType, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resourceType, id),
	}
}

// Validation creates a VALIDATION error.
func Validation(format string, args ...any) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// Stalled creates a STALLED error for a playbook execution.
func Stalled(executionID string) *Error {
	return &Error{
		Code:    CodeStalled,
		Message: fmt.Sprintf("execution %s stalled: unsatisfied dependencies", executionID),
	}
}

// ActionFailed wraps a single action's failure.
func ActionFailed(actionID string, err error) *Error {
	return &Error{
		Code:    CodeActionFailed,
		Message: fmt.Sprintf("action %s failed", actionID),
		Err:     err,
	}
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeNotFound
}

// IsValidation reports whether err carries the VALIDATION code.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeValidation
}

// IsStalled reports whether err carries the STALLED code.
func IsStalled(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeStalled
}
