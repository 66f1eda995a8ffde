package operation

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error by how the caller should react to it.
type ErrorClass string

const (
	// ErrorClassRejected marks a request that was refused before any work started.
	// Examples: unknown operation, locked operation, operation already in flight.
	ErrorClassRejected ErrorClass = "rejected"

	// ErrorClassExpected marks a failure the operation itself reported.
	ErrorClassExpected ErrorClass = "expected"

	// ErrorClassAbrupt marks an unexpected fault raised while performing.
	ErrorClassAbrupt ErrorClass = "abrupt"

	// ErrorClassIO marks a failure talking to an external resource.
	ErrorClassIO ErrorClass = "io"
)

// Error is a classified error carrying the controller and operation it concerns.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Controller is the controller group the error concerns, if any.
	Controller string `json:"controller,omitempty"`

	// Operation is the operation the error concerns, if any.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Controller != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (controller=%s, operation=%s)", msg, e.Controller, e.Operation)
	} else if e.Controller != "" {
		msg = fmt.Sprintf("%s (controller=%s)", msg, e.Controller)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports equality by class and code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewRejectedError creates an error for a refused request.
func NewRejectedError(message string, err error) *Error {
	return &Error{Class: ErrorClassRejected, Message: message, Err: err}
}

// NewExpectedError creates an error for a failure reported by an operation.
func NewExpectedError(message string, err error) *Error {
	return &Error{Class: ErrorClassExpected, Message: message, Err: err}
}

// NewAbruptError creates an error for an unexpected fault.
func NewAbruptError(message string, err error) *Error {
	return &Error{Class: ErrorClassAbrupt, Message: message, Err: err}
}

// NewIOError creates an error for a failed resource access.
func NewIOError(message string, err error) *Error {
	return &Error{Class: ErrorClassIO, Message: message, Err: err}
}

// WithController adds the controller group to an error.
func (e *Error) WithController(id string) *Error {
	e.Controller = id
	return e
}

// WithOperation adds the operation to an error.
func (e *Error) WithOperation(id string) *Error {
	e.Operation = id
	return e
}

// WithCode adds an error code to an error.
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

// IsRejected returns true if the error is classified as a rejection.
func IsRejected(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassRejected
	}
	return false
}

// IsNotFound returns true if the error carries ErrCodeNotFound.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// HasCode returns true if any classified error in the chain carries code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first classified error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAlreadyExists        = "ALREADY_EXISTS"
	ErrCodeLocked               = "LOCKED"
	ErrCodeBusy                 = "BUSY"
	ErrCodeNotActive            = "NOT_ACTIVE"
	ErrCodeNoSensor             = "NO_SENSOR"
	ErrCodeDenied               = "DENIED"
	ErrCodeUnexpectedParameters = "UNEXPECTED_PARAMETERS"
	ErrCodeParametersRequired   = "PARAMETERS_REQUIRED"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeShuttingDown         = "SHUTTING_DOWN"
	ErrCodeInternal             = "INTERNAL_ERROR"
)
