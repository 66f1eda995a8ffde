package controller

import (
	"context"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
)

// Controller detects a deviation from a desired state and corrects it.
type Controller interface {
	ID() string
	Description() string

	// Notified blocks until the controller decides a correction is needed.
	// It returns an error only when ctx is done.
	Notified(ctx context.Context) error

	// Perform applies the correction.
	Perform(ctx context.Context) operation.Result
}

// ResourceStore holds the observed value of a controlled resource.
type ResourceStore interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, value string) error
}

// Initializer is implemented by stores that can seed a missing resource.
type Initializer interface {
	// Initialize writes value only if the resource does not exist yet.
	Initialize(ctx context.Context, value string) error
}

// Watcher is implemented by stores that can signal changes.
type Watcher interface {
	// Watch returns a channel that receives a value after the resource may
	// have changed. The channel is closed when ctx is done.
	Watch(ctx context.Context) (<-chan struct{}, error)
}
