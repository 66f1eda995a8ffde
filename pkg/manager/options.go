package manager

import (
	"context"
	"encoding/json"
	"time"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/policy"
	"github.com/geo-mak/autonomic-playground/pkg/sensor"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

// Trigger values recorded for each invocation.
const (
	TriggerManual = "manual"
	TriggerSensor = "sensor"
)

// Record is one invocation as seen by a Journal.
type Record struct {
	ID         string              `json:"id"`
	Controller string              `json:"controller"`
	Operation  string              `json:"operation"`
	Trigger    string              `json:"trigger"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
	State      operation.StateKind `json:"state"`
	Message    string              `json:"message,omitempty"`
}

// Journal persists invocation history.
type Journal interface {
	InvocationStarted(ctx context.Context, rec Record) error
	InvocationFinished(ctx context.Context, rec Record) error
	History(ctx context.Context, controllerID, operationID string, limit int) ([]Record, error)
}

// Admission decides whether an activation may proceed. policy.Engine
// implements it.
type Admission interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records invocation metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTracer traces invocations.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// WithEvents publishes lifecycle events.
func WithEvents(events *telemetry.EventPublisher) Option {
	return func(m *Manager) {
		m.events = events
	}
}

// WithJournal records every accepted invocation.
func WithJournal(journal Journal) Option {
	return func(m *Manager) {
		m.journal = journal
	}
}

// WithAdmission consults admission before every activation.
func WithAdmission(admission Admission) Option {
	return func(m *Manager) {
		m.admission = admission
	}
}

// ParameterDecoder turns a wire payload into the parameters an operation expects.
type ParameterDecoder func(raw json.RawMessage) (operation.Parameters, error)

// SubmitOption configures a registered operation.
type SubmitOption func(*entry)

// WithSensor binds s to the operation. With autostart the sensor starts
// together with the manager.
func WithSensor(s *sensor.Sensor, autostart bool) SubmitOption {
	return func(e *entry) {
		e.sensor = s
		e.autostart = autostart
	}
}

// WithRetry re-attempts failed invocations.
func WithRetry(r operation.Retry) SubmitOption {
	return func(e *entry) {
		e.retry = &r
	}
}

// WithParameterDecoder sets how wire parameters are decoded for the operation.
func WithParameterDecoder(decode ParameterDecoder) SubmitOption {
	return func(e *entry) {
		e.decode = decode
	}
}

// WithParameters decodes wire parameters into a T.
func WithParameters[T any]() SubmitOption {
	return WithParameterDecoder(func(raw json.RawMessage) (operation.Parameters, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}
