package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vawter.tech/stopper"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

// FireFunc submits the bound operation with the parameters a condition produced.
type FireFunc func(params operation.Parameters)

// Option configures a Sensor.
type Option func(*Sensor)

// WithLogger sets the sensor logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(s *Sensor) {
		s.logger = logger
	}
}

// WithErrorBackoff sets the pause after a condition fails before it is awaited again.
func WithErrorBackoff(d time.Duration) Option {
	return func(s *Sensor) {
		s.backoff = d
	}
}

// Sensor repeatedly awaits its condition and fires the operation it is bound to.
type Sensor struct {
	condition ActivationCondition
	logger    *telemetry.Logger
	backoff   time.Duration

	mu   sync.Mutex
	name string
	fire FireFunc
	run  *stopper.Context
}

// New creates an unbound, stopped sensor.
func New(condition ActivationCondition, opts ...Option) *Sensor {
	s := &Sensor{
		condition: condition,
		logger:    telemetry.NewNopLogger(),
		backoff:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Condition returns the activation condition.
func (s *Sensor) Condition() ActivationCondition {
	return s.condition
}

// Bind attaches the sensor to one operation. A sensor can be bound only once.
func (s *Sensor) Bind(name string, fire FireFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fire != nil {
		return fmt.Errorf("sensor already bound to %s", s.name)
	}
	if fire == nil {
		return errors.New("fire function is required")
	}
	s.name = name
	s.fire = fire
	s.logger = s.logger.WithField("sensor", name)
	return nil
}

// Start launches the sensor loop under ctx. It returns false if the sensor is
// already running or not bound.
func (s *Sensor) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil || s.fire == nil {
		return false
	}

	sctx := stopper.WithContext(ctx)
	waitCtx, cancel := context.WithCancel(sctx)

	// Wake a pending condition as soon as a stop is requested.
	sctx.Go(func(sctx *stopper.Context) error {
		select {
		case <-sctx.Stopping():
		case <-waitCtx.Done():
		}
		cancel()
		return nil
	})
	sctx.Go(func(sctx *stopper.Context) error {
		return s.loop(sctx, waitCtx, s.fire)
	})

	s.run = sctx
	s.logger.Debug("Sensor started")
	return true
}

// Stop requests the loop to end. It does not wait for the loop and never
// cancels an invocation the sensor already submitted. It returns false if the
// sensor was not running.
func (s *Sensor) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return false
	}
	s.run.Stop(0)
	s.run = nil
	s.logger.Debug("Sensor stopped")
	return true
}

// Running reports whether the loop is active.
func (s *Sensor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

func (s *Sensor) loop(sctx *stopper.Context, waitCtx context.Context, fire FireFunc) error {
	for !sctx.IsStopping() && waitCtx.Err() == nil {
		params, err := s.condition.Activate(waitCtx)
		if sctx.IsStopping() || waitCtx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.WithError(err).Warn("Activation condition failed")
			select {
			case <-time.After(s.backoff):
			case <-sctx.Stopping():
				return nil
			case <-waitCtx.Done():
				return nil
			}
			continue
		}
		fire(params)
	}
	return nil
}
