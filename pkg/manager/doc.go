// Package manager holds the registry of controllers and operations and runs
// their invocations.
//
// Operations are addressed by (controller id, operation id). For each
// operation the manager enforces two rules:
//
//   - a locked operation rejects every activation with a single Locked state
//     until it is unlocked; a panic locks the operation and stops its sensor
//   - at most one invocation is in flight; a concurrent activation is
//     rejected with Locked("operation is already active")
//
// An accepted activation yields a stream of Started followed by exactly one
// terminal state. Retries happen inside the invocation and only the final
// attempt is reported.
package manager
