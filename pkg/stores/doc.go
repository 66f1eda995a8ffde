// Package stores persists the invocation journal, lifecycle events and the
// key/value resources of SQL-backed drift controllers in SQLite.
//
// The schema is managed by embedded golang-migrate migrations. Timestamps
// are stored as Unix nanoseconds.
package stores
