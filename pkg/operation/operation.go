package operation

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Operation is a named unit of corrective work.
type Operation interface {
	// ID returns the operation identifier, unique within its controller group.
	ID() string

	// Description returns a human-readable description.
	Description() string

	// Perform runs one attempt. Expected failures are reported as Err results.
	// Perform should return promptly once ctx is cancelled.
	Perform(ctx context.Context, params Parameters) Result
}

// PerformFunc is the signature of an operation body.
type PerformFunc func(ctx context.Context, params Parameters) Result

// Func adapts a plain function into an Operation.
type Func struct {
	id          string
	description string
	perform     PerformFunc
}

// NewFunc creates an Operation backed by fn.
func NewFunc(id, description string, fn PerformFunc) *Func {
	return &Func{id: id, description: description, perform: fn}
}

func (f *Func) ID() string          { return f.id }
func (f *Func) Description() string { return f.description }

func (f *Func) Perform(ctx context.Context, params Parameters) Result {
	return f.perform(ctx, params)
}

// PanicError describes an attempt that terminated abruptly.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", p.Value)
}

// Message returns the text carried by the Panicked state.
func (p *PanicError) Message() string {
	switch v := p.Value.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Invoke runs one attempt of op and converts a panic into a PanicError.
// Exactly one of the returns is meaningful: when perr is non-nil the result is zero.
func Invoke(ctx context.Context, op Operation, params Parameters) (res Result, perr *PanicError) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			perr = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return op.Perform(ctx, params), nil
}
