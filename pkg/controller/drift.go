package controller

import (
	"context"
	"time"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

// DriftOption configures a DriftController.
type DriftOption func(*DriftController)

// WithLogger sets the controller logger.
func WithLogger(logger *telemetry.Logger) DriftOption {
	return func(d *DriftController) {
		d.logger = logger
	}
}

// WithMetrics records drift detections and corrections.
func WithMetrics(metrics *telemetry.Metrics) DriftOption {
	return func(d *DriftController) {
		d.metrics = metrics
	}
}

// WithEvents publishes drift detections.
func WithEvents(events *telemetry.EventPublisher) DriftOption {
	return func(d *DriftController) {
		d.events = events
	}
}

// WithTracer traces corrections.
func WithTracer(tracer *telemetry.Tracer) DriftOption {
	return func(d *DriftController) {
		d.tracer = tracer
	}
}

// DriftController keeps a resource at a desired value. It polls the store and
// reports drift when the observed value differs.
type DriftController struct {
	id          string
	description string
	store       ResourceStore
	desired     string
	poll        time.Duration

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer
}

// NewDriftController creates a controller for store. A non-positive poll
// defaults to one second.
func NewDriftController(id, description string, store ResourceStore, desired string, poll time.Duration, opts ...DriftOption) *DriftController {
	if poll <= 0 {
		poll = time.Second
	}
	d := &DriftController{
		id:          id,
		description: description,
		store:       store,
		desired:     desired,
		poll:        poll,
		logger:      telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithController(id)
	return d
}

func (d *DriftController) ID() string          { return d.id }
func (d *DriftController) Description() string { return d.description }

// Store returns the controlled resource.
func (d *DriftController) Store() ResourceStore { return d.store }

// Desired returns the value the controller enforces.
func (d *DriftController) Desired() string { return d.desired }

// Initialize seeds the resource with the desired value when it is missing.
func (d *DriftController) Initialize(ctx context.Context) error {
	if init, ok := d.store.(Initializer); ok {
		return init.Initialize(ctx, d.desired)
	}
	if _, err := d.store.Read(ctx); err == nil {
		return nil
	}
	return d.store.Write(ctx, d.desired)
}

// Notified waits one poll period (or a store change) between reads and returns
// once the observed value differs from the desired one. Read failures are
// logged and polling continues.
func (d *DriftController) Notified(ctx context.Context) error {
	var changes <-chan struct{}
	if w, ok := d.store.(Watcher); ok {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := w.Watch(watchCtx)
		if err != nil {
			d.logger.WithError(err).Warn("Change notifications unavailable, polling only")
		} else {
			changes = ch
		}
	}

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
		}

		observed, err := d.store.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.WithError(err).Warn("Failed to read resource")
			continue
		}
		if observed != d.desired {
			d.logger.WithField("observed", observed).Warn("State change has been detected")
			d.metrics.RecordDriftDetection(d.id)
			if err := d.events.PublishDriftDetected(d.id, observed, d.desired); err != nil {
				d.logger.WithError(err).Debug("Failed to publish drift event")
			}
			return nil
		}
	}
}

// Perform writes the desired value back.
func (d *DriftController) Perform(ctx context.Context) operation.Result {
	ctx, span := d.tracer.StartCorrectionSpan(ctx, d.id)
	defer span.End()

	d.logger.Info("Starting the control operation")
	if err := d.store.Write(ctx, d.desired); err != nil {
		d.logger.WithError(err).Error("The correction action has failed")
		d.metrics.RecordCorrection(d.id, "failed")
		telemetry.RecordError(span, err)
		return operation.Err(err.Error())
	}

	d.logger.Info("The state has been corrected")
	d.metrics.RecordCorrection(d.id, "ok")
	telemetry.RecordSuccess(span)
	return operation.Ok("")
}
