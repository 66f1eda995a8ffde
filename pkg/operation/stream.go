package operation

import (
	"context"
	"iter"
	"sync"
)

// Stream is the ordered sequence of states produced by one invocation.
// It holds at most one undelivered state: the producer suspends on the next
// state until the consumer pulls or closes the stream. The sequence ends after
// exactly one terminal state.
//
// Consumers must drain the stream or call Close.
type Stream struct {
	ch        chan OpState
	done      chan struct{}
	closeOnce sync.Once
}

// Emitter is the producer side of a Stream.
type Emitter struct {
	s        *Stream
	finished bool
}

// NewStream returns a stream and the emitter that feeds it.
func NewStream() (*Stream, *Emitter) {
	s := &Stream{
		ch:   make(chan OpState, 1),
		done: make(chan struct{}),
	}
	return s, &Emitter{s: s}
}

// Rejected returns a stream holding the single terminal state.
func Rejected(state OpState) *Stream {
	s, e := NewStream()
	e.Emit(state)
	return s
}

// Emit hands state to the consumer. It blocks while the previous state is
// still undelivered and returns false once the consumer has closed the stream.
// Emitting a terminal state ends the stream; later calls are ignored.
func (e *Emitter) Emit(state OpState) bool {
	if e.finished {
		return false
	}
	if state.IsTerminal() {
		e.finished = true
		defer close(e.s.ch)
	}
	select {
	case <-e.s.done:
		return false
	default:
	}
	select {
	case e.s.ch <- state:
		return true
	case <-e.s.done:
		return false
	}
}

// Next returns the next state. It returns false when the stream has ended,
// the stream was closed or ctx is done.
func (s *Stream) Next(ctx context.Context) (OpState, bool) {
	select {
	case st, ok := <-s.ch:
		return st, ok
	case <-s.done:
		return OpState{}, false
	case <-ctx.Done():
		return OpState{}, false
	}
}

// All iterates the remaining states.
func (s *Stream) All(ctx context.Context) iter.Seq[OpState] {
	return func(yield func(OpState) bool) {
		for {
			st, ok := s.Next(ctx)
			if !ok || !yield(st) {
				return
			}
		}
	}
}

// Collect drains the stream.
func (s *Stream) Collect(ctx context.Context) []OpState {
	var states []OpState
	for st := range s.All(ctx) {
		states = append(states, st)
	}
	return states
}

// Close releases the producer. States not yet pulled are dropped.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
