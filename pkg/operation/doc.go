// Package operation defines the unit of corrective work and the primitives
// every invocation goes through.
//
// An Operation performs one attempt and reports a Result. Invoke wraps an
// attempt in a panic barrier, turning an abrupt termination into a PanicError
// instead of unwinding the caller. Retry re-attempts failed attempts at a fixed
// delay and never retries a panic.
//
// Each invocation reports its progress as a Stream of OpState values:
//
//	Started, then exactly one of Ok, Failed, Aborted or Panicked
//
// or a single Locked state when the invocation is refused. Streams are
// demand-driven: the producer never runs more than one state ahead of the
// consumer.
//
// Parameters are untyped at the registry boundary. Operations recover their
// concrete payload with ParamsAs, which fails with a classified Error rather
// than panicking on a type mismatch.
package operation
