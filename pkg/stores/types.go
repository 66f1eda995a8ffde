package stores

import (
	"time"
)

// Invocation is one journal row.
type Invocation struct {
	ID           string     `json:"id"`
	ControllerID string     `json:"controller_id"`
	OperationID  string     `json:"operation_id"`
	Trigger      string     `json:"trigger"`
	State        string     `json:"state"`
	Message      string     `json:"message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the invocation reached a terminal state.
func (i *Invocation) Finished() bool {
	return i.FinishedAt != nil
}

// Event is a persisted lifecycle event.
type Event struct {
	ID           int64     `json:"id"`
	EventID      string    `json:"event_id"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	ControllerID string    `json:"controller_id,omitempty"`
	OperationID  string    `json:"operation_id,omitempty"`
	InvocationID string    `json:"invocation_id,omitempty"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Data         string    `json:"data"` // JSON blob
	Timestamp    time.Time `json:"timestamp"`
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	ControllerID string
	Type         string
	Limit        int
}

// ResourceState is a key/value row backing SQL resources of drift controllers.
type ResourceState struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

const defaultListLimit = 50

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
