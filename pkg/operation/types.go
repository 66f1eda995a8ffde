package operation

import (
	"fmt"
)

// Messages of the results and errors produced for a payload an operation
// cannot use.
const (
	MsgParametersRequired   = "Parameters required"
	MsgUnexpectedParameters = "Unexpected parameters"
)

// Parameters is the opaque payload an operation receives per invocation.
// Operations recover their concrete type with ParamsAs.
type Parameters = any

// ParamsAs casts params to T. It accepts T and *T. A nil payload fails with
// ErrCodeParametersRequired and any other type with ErrCodeUnexpectedParameters.
func ParamsAs[T any](params Parameters) (T, error) {
	var zero T
	switch p := params.(type) {
	case nil:
		return zero, NewRejectedError(MsgParametersRequired, nil).WithCode(ErrCodeParametersRequired)
	case T:
		return p, nil
	case *T:
		if p == nil {
			return zero, NewRejectedError(MsgParametersRequired, nil).WithCode(ErrCodeParametersRequired)
		}
		return *p, nil
	default:
		return zero, NewRejectedError(MsgUnexpectedParameters, nil).
			WithCode(ErrCodeUnexpectedParameters).
			WithDetail("expected", fmt.Sprintf("%T", zero)).
			WithDetail("got", fmt.Sprintf("%T", params))
	}
}

// Result is the outcome an operation reports for one attempt.
// An empty Message means the outcome carries no message.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Ok returns a successful result.
func Ok(message string) Result {
	return Result{OK: true, Message: message}
}

// Err returns a failed result.
func Err(message string) Result {
	return Result{OK: false, Message: message}
}

func (r Result) String() string {
	status := "ok"
	if !r.OK {
		status = "err"
	}
	if r.Message == "" {
		return status
	}
	return fmt.Sprintf("%s: %s", status, r.Message)
}

// StateKind enumerates the events of an invocation's state stream.
type StateKind string

const (
	StateStarted  StateKind = "started"
	StateOk       StateKind = "ok"
	StateFailed   StateKind = "failed"
	StateLocked   StateKind = "locked"
	StateAborted  StateKind = "aborted"
	StatePanicked StateKind = "panicked"
)

// Valid reports whether k is a known state kind.
func (k StateKind) Valid() bool {
	switch k {
	case StateStarted, StateOk, StateFailed, StateLocked, StateAborted, StatePanicked:
		return true
	}
	return false
}

// OpState is one event on an invocation's state stream.
type OpState struct {
	Kind    StateKind `json:"state"`
	Message string    `json:"message,omitempty"`
}

// Started reports that the work began.
func Started() OpState { return OpState{Kind: StateStarted} }

// Succeeded reports a successful completion.
func Succeeded(message string) OpState { return OpState{Kind: StateOk, Message: message} }

// Failed reports a failed completion.
func Failed(message string) OpState { return OpState{Kind: StateFailed, Message: message} }

// Locked reports that the invocation was refused.
func Locked(message string) OpState { return OpState{Kind: StateLocked, Message: message} }

// Aborted reports that the invocation was cancelled.
func Aborted() OpState { return OpState{Kind: StateAborted} }

// Panicked reports that the work terminated abruptly.
func Panicked(message string) OpState { return OpState{Kind: StatePanicked, Message: message} }

// FromResult maps a completed attempt to its terminal state.
func FromResult(r Result) OpState {
	if r.OK {
		return Succeeded(r.Message)
	}
	return Failed(r.Message)
}

// IsTerminal reports whether s ends a stream.
func (s OpState) IsTerminal() bool {
	return s.Kind != StateStarted
}

func (s OpState) String() string {
	if s.Message == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}
