package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error by the stage of orchestration that produced it.
type ErrorClass string

const (
	// ErrorClassInput indicates a handler input could not be built from the
	// state and the bound context (missing argument, malformed value).
	ErrorClassInput ErrorClass = "input"

	// ErrorClassPlanning indicates the planner could not produce a plan.
	ErrorClassPlanning ErrorClass = "planning"

	// ErrorClassTask indicates a handler returned an error while running.
	ErrorClassTask ErrorClass = "task"

	// ErrorClassCancelled indicates the caller cancelled a seek.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassInvalid indicates misuse of a construction API, such as a
	// malformed route pattern or a duplicate graph node.
	ErrorClassInvalid ErrorClass = "invalid"
)

// Error is the classified error returned by every package of the engine.
// The worker returns it unchanged from SeekTarget.
// nolint:revive // Error is intentionally generic, callers use engine.Error
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code refines the class for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Path is the state path the error refers to, if any.
	Path string `json:"path,omitempty"`

	// Task is the job id the error refers to, if any.
	Task string `json:"task,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Task != "" && e.Path != "":
		msg += fmt.Sprintf(" (task=%s, path=%s)", e.Task, e.Path)
	case e.Path != "":
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	case e.Task != "":
		msg += fmt.Sprintf(" (task=%s)", e.Task)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two errors match when
// their class matches and, if the target carries a code, their codes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Class != t.Class {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// NewInputError creates a new input error.
func NewInputError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassInput,
		Code:    ErrCodeInvalidInput,
		Message: message,
		Err:     err,
	}
}

// NewPlanningError creates a new planning error with the given code.
func NewPlanningError(code, message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPlanning,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewTaskError creates a new task error wrapping the handler failure.
func NewTaskError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassTask,
		Code:    ErrCodeHandlerFailed,
		Message: message,
		Err:     err,
	}
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(err error) *Error {
	return &Error{
		Class:   ErrorClassCancelled,
		Code:    ErrCodeCancelled,
		Message: "seek cancelled",
		Err:     err,
	}
}

// NewInvalidError creates a new construction error with the given code.
func NewInvalidError(code, message string, err error) *Error {
	return &Error{
		Class:   ErrorClassInvalid,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithPath adds path context to an error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithTask adds task context to an error.
func (e *Error) WithTask(task string) *Error {
	e.Task = task
	return e
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsInputError returns true if the error is classified as an input error.
func IsInputError(err error) bool {
	return hasClass(err, ErrorClassInput)
}

// IsPlanningError returns true if the error is classified as a planning error.
func IsPlanningError(err error) bool {
	return hasClass(err, ErrorClassPlanning)
}

// IsTaskError returns true if the error is classified as a task error.
func IsTaskError(err error) bool {
	return hasClass(err, ErrorClassTask)
}

// IsCancelled returns true if the error is classified as a cancellation.
func IsCancelled(err error) bool {
	return hasClass(err, ErrorClassCancelled)
}

// IsInvalid returns true if the error is classified as a construction error.
func IsInvalid(err error) bool {
	return hasClass(err, ErrorClassInvalid)
}

// AsError extracts the first *Error in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func hasClass(err error, class ErrorClass) bool {
	if e, ok := AsError(err); ok {
		return e.Class == class
	}
	return false
}

// Error codes.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeHandlerFailed    = "HANDLER_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeUnreachable      = "UNREACHABLE"
	ErrCodeMaxDepthExceeded = "MAX_DEPTH_EXCEEDED"
	ErrCodeTooManyReplans   = "TOO_MANY_REPLANS"
	ErrCodeCycleDetected    = "CYCLE_DETECTED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeInvalidPattern   = "INVALID_PATTERN"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalidHandler   = "INVALID_HANDLER"
	ErrCodeCommitFailed     = "COMMIT_FAILED"
)

// Sentinel errors for use with errors.Is.
var (
	ErrUnreachable      = &Error{Class: ErrorClassPlanning, Code: ErrCodeUnreachable}
	ErrMaxDepthExceeded = &Error{Class: ErrorClassPlanning, Code: ErrCodeMaxDepthExceeded}
	ErrTooManyReplans   = &Error{Class: ErrorClassPlanning, Code: ErrCodeTooManyReplans}
	ErrCycleDetected    = &Error{Class: ErrorClassPlanning, Code: ErrCodeCycleDetected}
	ErrPolicyDenied     = &Error{Class: ErrorClassPlanning, Code: ErrCodePolicyDenied}
	ErrCancelled        = &Error{Class: ErrorClassCancelled}
	ErrInput            = &Error{Class: ErrorClassInput}
	ErrTask             = &Error{Class: ErrorClassTask}
)
