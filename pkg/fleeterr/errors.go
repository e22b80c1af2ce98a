// Package fleeterr defines the error taxonomy shared by the pool, scheduler
// and process manager.
package fleeterr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies categories of errors
type Code string

const (
	// Caller errors
	CodeInvalidParam Code = "INVALID_PARAM"
	CodeQueueFull    Code = "QUEUE_FULL"
	CodeTaskNotFound Code = "TASK_NOT_FOUND"
	CodeNoHandler    Code = "NO_HANDLER"

	// Scheduling outcomes
	CodePoolEmpty          Code = "POOL_EMPTY"
	CodeInstanceBusy       Code = "INSTANCE_BUSY"
	CodeTimeout            Code = "TIMEOUT"
	CodeCancelled          Code = "CANCELLED"
	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"

	// Instance lifecycle errors
	CodePoolInitFailed    Code = "POOL_INIT_FAILED"
	CodeLaunchFailed      Code = "LAUNCH_FAILED"
	CodeKillFailed        Code = "KILL_FAILED"
	CodeHealthCheckFailed Code = "HEALTH_CHECK_FAILED"
	CodeInstanceNotFound  Code = "INSTANCE_NOT_FOUND"
	CodeOutOfMemory       Code = "OUT_OF_MEMORY"
)

// Sentinels for errors.Is comparisons. Matching is by code only, so any
// *Error carrying the same code compares equal.
var (
	ErrInvalidParam       = &Error{Code: CodeInvalidParam, Message: "invalid parameter"}
	ErrQueueFull          = &Error{Code: CodeQueueFull, Message: "queue full"}
	ErrTaskNotFound       = &Error{Code: CodeTaskNotFound, Message: "task not found"}
	ErrNoHandler          = &Error{Code: CodeNoHandler, Message: "no handler registered"}
	ErrPoolEmpty          = &Error{Code: CodePoolEmpty, Message: "no instance available"}
	ErrInstanceBusy       = &Error{Code: CodeInstanceBusy, Message: "instance busy"}
	ErrTimeout            = &Error{Code: CodeTimeout, Message: "timeout"}
	ErrCancelled          = &Error{Code: CodeCancelled, Message: "cancelled"}
	ErrMaxRetriesExceeded = &Error{Code: CodeMaxRetriesExceeded, Message: "max retries exceeded"}
	ErrPoolInitFailed     = &Error{Code: CodePoolInitFailed, Message: "pool initialization failed"}
	ErrLaunchFailed       = &Error{Code: CodeLaunchFailed, Message: "launch failed"}
	ErrKillFailed         = &Error{Code: CodeKillFailed, Message: "kill failed"}
	ErrHealthCheckFailed  = &Error{Code: CodeHealthCheckFailed, Message: "health check failed"}
	ErrInstanceNotFound   = &Error{Code: CodeInstanceNotFound, Message: "instance not found"}
	ErrOutOfMemory        = &Error{Code: CodeOutOfMemory, Message: "out of memory"}
)

// Error carries a code plus the context needed to troubleshoot it.
type Error struct {
	// Code identifies the error type
	Code Code

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]any

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// New creates an Error with the given code and message
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error with the given code wrapping cause
func Wrap(code Code, cause error, message string) *Error {
	return New(code, message).WithCause(cause)
}

// Error implements the error interface
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Code, e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		kv := make([]string, 0, len(keys))
		for _, k := range keys {
			kv = append(kv, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(kv, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, "suggestion: "+e.Suggestion)
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
