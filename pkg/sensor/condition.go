package sensor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
)

// ActivationCondition decides when a sensor fires and with which parameters.
type ActivationCondition interface {
	// Activate suspends until the condition is met and returns the parameters
	// for the invocation. It returns an error only when ctx is done or the
	// condition cannot be waited on.
	Activate(ctx context.Context) (operation.Parameters, error)
}

// ConditionFunc adapts a function into an ActivationCondition.
type ConditionFunc func(ctx context.Context) (operation.Parameters, error)

func (f ConditionFunc) Activate(ctx context.Context) (operation.Parameters, error) {
	return f(ctx)
}

// IntervalCondition fires on a fixed period.
type IntervalCondition struct {
	period time.Duration
	params operation.Parameters
}

// Interval returns a condition that fires every seconds seconds, at least once
// per second, with params.
func Interval(seconds uint32, params operation.Parameters) *IntervalCondition {
	return &IntervalCondition{
		period: time.Duration(max(seconds, 1)) * time.Second,
		params: params,
	}
}

// Period returns the effective wait between firings.
func (c *IntervalCondition) Period() time.Duration { return c.period }

func (c *IntervalCondition) Activate(ctx context.Context) (operation.Parameters, error) {
	timer := time.NewTimer(c.period)
	defer timer.Stop()

	select {
	case <-timer.C:
		return c.params, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FileChangeCondition fires when a file is created or written.
type FileChangeCondition struct {
	path   string
	params operation.Parameters
}

// FileChange returns a condition that fires on the next write to path.
func FileChange(path string, params operation.Parameters) *FileChangeCondition {
	return &FileChangeCondition{path: path, params: params}
}

// Activate watches the parent directory so the file may be replaced by rename.
func (c *FileChangeCondition) Activate(ctx context.Context) (operation.Parameters, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(c.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				return c.params, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			return nil, fmt.Errorf("watch error: %w", err)
		}
	}
}
