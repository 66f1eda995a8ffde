package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/geo-mak/autonomic-playground/pkg/controller"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/sensor"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

// OperationInfo is a live snapshot of one registered operation.
type OperationInfo struct {
	Controller  string           `json:"controller"`
	ID          string           `json:"id"`
	Description string           `json:"description"`
	Locked      bool             `json:"locked"`
	Performing  bool             `json:"performing"`
	HasSensor   bool             `json:"has_sensor"`
	Sensing     bool             `json:"sensing"`
	Retry       *operation.Retry `json:"retry,omitempty"`
	Phase       string           `json:"phase,omitempty"`
}

// ControllerInfo groups the operations registered under one controller id.
type ControllerInfo struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	Operations  []OperationInfo `json:"operations"`
}

type group struct {
	id          string
	description string
	resource    controller.ResourceStore
	ops         map[string]*entry
	order       []string
}

// Manager is the registry of controllers and operations. It enforces the lock
// and one-invocation-in-flight rules and runs invocations.
type Manager struct {
	// logger is the component logger
	logger *telemetry.Logger

	// metrics, tracer and events are optional telemetry sinks
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	// journal records invocation history, if set
	journal Journal

	// admission vets activations, if set
	admission Admission

	// root is the context every invocation and sensor runs under
	root   context.Context
	cancel context.CancelFunc

	// mu protects the registry tables and lifecycle flags
	mu      sync.RWMutex
	groups  map[string]*group
	order   []string
	started bool
	closed  bool

	// running tracks invocation runners for Shutdown
	running sync.WaitGroup
}

// New creates an empty manager.
func New(opts ...Option) *Manager {
	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger: telemetry.NewNopLogger(),
		root:   root,
		cancel: cancel,
		groups: make(map[string]*group),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.NewComponentLogger("manager")
	return m
}

// Submit registers op under controllerID.
func (m *Manager) Submit(controllerID string, op operation.Operation, opts ...SubmitOption) error {
	e := &entry{controller: controllerID, op: op}
	for _, opt := range opts {
		opt(e)
	}
	return m.register(e, "")
}

// SubmitController registers c as a group holding one operation with the
// controller's id. Its Notified drives an autostarted sensor.
func (m *Manager) SubmitController(c controller.Controller, opts ...SubmitOption) error {
	cycle := controller.NewCycle(c, m.logger)
	e := &entry{controller: c.ID(), op: cycle, cycle: cycle}
	e.sensor = sensor.New(cycle, sensor.WithLogger(m.logger))
	e.autostart = true
	for _, opt := range opts {
		opt(e)
	}
	if d, ok := c.(interface{ Store() controller.ResourceStore }); ok {
		e.resource = d.Store()
	}
	return m.register(e, c.Description())
}

func (m *Manager) register(e *entry, description string) error {
	if e.controller == "" || e.op == nil || e.op.ID() == "" {
		return operation.NewRejectedError("controller id and operation are required", nil).
			WithCode(operation.ErrCodeValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[e.controller]
	if !ok {
		g = &group{id: e.controller, description: description, ops: make(map[string]*entry)}
	}
	if _, exists := g.ops[e.op.ID()]; exists {
		return operation.NewRejectedError("operation already registered", nil).
			WithCode(operation.ErrCodeAlreadyExists).
			WithController(e.controller).
			WithOperation(e.op.ID())
	}
	if e.sensor != nil {
		if err := e.sensor.Bind(e.controller+"/"+e.op.ID(), m.fire(e)); err != nil {
			return operation.NewRejectedError("sensor cannot be bound", err).
				WithCode(operation.ErrCodeValidation).
				WithController(e.controller).
				WithOperation(e.op.ID())
		}
	}

	if !ok {
		m.groups[e.controller] = g
		m.order = append(m.order, e.controller)
	}
	if e.resource != nil {
		g.resource = e.resource
	}
	g.ops[e.op.ID()] = e
	g.order = append(g.order, e.op.ID())

	if m.started && e.autostart {
		m.startSensor(e)
	}
	m.logger.WithOperation(e.controller, e.op.ID()).Debug("Operation registered")
	return nil
}

// Start starts every autostart sensor. Operations registered later start
// their sensors on registration.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.closed {
		return
	}
	m.started = true
	for _, gid := range m.order {
		g := m.groups[gid]
		for _, oid := range g.order {
			if e := g.ops[oid]; e.autostart {
				m.startSensor(e)
			}
		}
	}
	m.logger.Info("Manager started")
}

func (m *Manager) startSensor(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked || e.sensor == nil {
		return
	}
	if e.sensor.Start(m.root) {
		_ = m.events.PublishSensorChanged(e.controller, e.op.ID(), true)
	}
}

// Shutdown stops every sensor, rejects new activations and waits for running
// invocations until ctx is done. Invocations still running then are cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var entries []*entry
	for _, gid := range m.order {
		g := m.groups[gid]
		for _, oid := range g.order {
			entries = append(entries, g.ops[oid])
		}
	}
	m.mu.Unlock()

	for _, e := range entries {
		if e.sensor != nil {
			e.sensor.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()

	defer m.cancel()
	select {
	case <-done:
		m.logger.Info("Manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Shutdown timed out, cancelling running invocations")
		return ctx.Err()
	}
}

func (m *Manager) lookup(controllerID, operationID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[controllerID]
	if !ok {
		return nil, operation.NewRejectedError("controller not found", nil).
			WithCode(operation.ErrCodeNotFound).
			WithController(controllerID)
	}
	e, ok := g.ops[operationID]
	if !ok {
		return nil, operation.NewRejectedError("operation not found", nil).
			WithCode(operation.ErrCodeNotFound).
			WithController(controllerID).
			WithOperation(operationID)
	}
	return e, nil
}

func (m *Manager) group(controllerID string) (*group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[controllerID]
	if !ok {
		return nil, operation.NewRejectedError("controller not found", nil).
			WithCode(operation.ErrCodeNotFound).
			WithController(controllerID)
	}
	return g, nil
}

// Controllers lists every controller group with live operation state.
func (m *Manager) Controllers() []ControllerInfo {
	m.mu.RLock()
	groups := make([]*group, 0, len(m.order))
	for _, gid := range m.order {
		groups = append(groups, m.groups[gid])
	}
	m.mu.RUnlock()

	infos := make([]ControllerInfo, 0, len(groups))
	for _, g := range groups {
		infos = append(infos, ControllerInfo{
			ID:          g.id,
			Description: g.description,
			Operations:  m.operations(g),
		})
	}
	return infos
}

// Operations lists the operations of one controller.
func (m *Manager) Operations(controllerID string) ([]OperationInfo, error) {
	g, err := m.group(controllerID)
	if err != nil {
		return nil, err
	}
	return m.operations(g), nil
}

func (m *Manager) operations(g *group) []OperationInfo {
	m.mu.RLock()
	entries := make([]*entry, 0, len(g.order))
	for _, oid := range g.order {
		entries = append(entries, g.ops[oid])
	}
	m.mu.RUnlock()

	infos := make([]OperationInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	return infos
}

// Operation returns one operation.
func (m *Manager) Operation(controllerID, operationID string) (OperationInfo, error) {
	e, err := m.lookup(controllerID, operationID)
	if err != nil {
		return OperationInfo{}, err
	}
	return e.info(), nil
}

// ActiveOperations returns the ids of the operations of a controller that have
// an invocation in flight.
func (m *Manager) ActiveOperations(controllerID string) ([]string, error) {
	ops, err := m.Operations(controllerID)
	if err != nil {
		return nil, err
	}
	active := []string{}
	for _, op := range ops {
		if op.Performing {
			active = append(active, op.ID)
		}
	}
	return active, nil
}

// Resource returns the resource store of a drift controller.
func (m *Manager) Resource(controllerID string) (controller.ResourceStore, error) {
	g, err := m.group(controllerID)
	if err != nil {
		return nil, err
	}
	if g.resource == nil {
		return nil, operation.NewRejectedError("controller has no resource", nil).
			WithCode(operation.ErrCodeNotFound).
			WithController(controllerID)
	}
	return g.resource, nil
}

// DecodeParameters decodes a wire payload for an operation. An empty or null
// payload means no parameters.
func (m *Manager) DecodeParameters(controllerID, operationID string, raw json.RawMessage) (operation.Parameters, error) {
	e, err := m.lookup(controllerID, operationID)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if e.decode == nil {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, operation.NewRejectedError("invalid parameters", err).
				WithCode(operation.ErrCodeUnexpectedParameters).
				WithController(controllerID).
				WithOperation(operationID)
		}
		return v, nil
	}

	params, err := e.decode(trimmed)
	if err != nil {
		return nil, operation.NewRejectedError(operation.MsgUnexpectedParameters, err).
			WithCode(operation.ErrCodeUnexpectedParameters).
			WithController(controllerID).
			WithOperation(operationID)
	}
	return params, nil
}

// Lock rejects later activations of the operation. It does not touch an
// invocation in flight or a running sensor.
func (m *Manager) Lock(controllerID, operationID string) error {
	return m.setLocked(controllerID, operationID, true)
}

// Unlock lifts the lock.
func (m *Manager) Unlock(controllerID, operationID string) error {
	return m.setLocked(controllerID, operationID, false)
}

func (m *Manager) setLocked(controllerID, operationID string, locked bool) error {
	e, err := m.lookup(controllerID, operationID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	changed := e.locked != locked
	e.locked = locked
	e.mu.Unlock()

	if changed {
		m.metrics.SetLocked(controllerID, operationID, locked)
		_ = m.events.PublishLockChanged(controllerID, operationID, locked, "manual")
		m.logger.WithOperation(controllerID, operationID).Infof("Operation locked=%t", locked)
	}
	return nil
}

// Abort cancels the invocation in flight. Its stream ends with Aborted.
func (m *Manager) Abort(controllerID, operationID string) error {
	e, err := m.lookup(controllerID, operationID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	inv := e.inflight
	e.mu.Unlock()

	if inv == nil {
		return operation.NewRejectedError("operation is not active", nil).
			WithCode(operation.ErrCodeNotActive).
			WithController(controllerID).
			WithOperation(operationID)
	}
	inv.abort()
	m.logger.WithOperation(controllerID, operationID).WithInvocationID(inv.id).Info("Abort requested")
	return nil
}

// ActivateSensor starts the sensor bound to the operation. Starting a
// running sensor is a no-op. A locked operation cannot have its sensor started.
func (m *Manager) ActivateSensor(controllerID, operationID string) error {
	e, err := m.lookup(controllerID, operationID)
	if err != nil {
		return err
	}
	if e.sensor == nil {
		return operation.NewRejectedError("operation has no sensor", nil).
			WithCode(operation.ErrCodeNoSensor).
			WithController(controllerID).
			WithOperation(operationID)
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return operation.NewRejectedError(shuttingDownMessage, nil).
			WithCode(operation.ErrCodeShuttingDown)
	}

	e.mu.Lock()
	if e.locked {
		e.mu.Unlock()
		return operation.NewRejectedError("operation is locked", nil).
			WithCode(operation.ErrCodeLocked).
			WithController(controllerID).
			WithOperation(operationID)
	}
	started := e.sensor.Start(m.root)
	e.mu.Unlock()

	if started {
		_ = m.events.PublishSensorChanged(controllerID, operationID, true)
		m.logger.WithOperation(controllerID, operationID).Info("Sensor activated")
	}
	return nil
}

// DeactivateSensor stops the sensor bound to the operation. Invocations it
// already submitted keep running.
func (m *Manager) DeactivateSensor(controllerID, operationID string) error {
	e, err := m.lookup(controllerID, operationID)
	if err != nil {
		return err
	}
	if e.sensor == nil {
		return operation.NewRejectedError("operation has no sensor", nil).
			WithCode(operation.ErrCodeNoSensor).
			WithController(controllerID).
			WithOperation(operationID)
	}

	if e.sensor.Stop() {
		_ = m.events.PublishSensorChanged(controllerID, operationID, false)
		m.logger.WithOperation(controllerID, operationID).Info("Sensor deactivated")
	}
	return nil
}

// History returns the most recent journal records of an operation.
func (m *Manager) History(ctx context.Context, controllerID, operationID string, limit int) ([]Record, error) {
	if _, err := m.lookup(controllerID, operationID); err != nil {
		return nil, err
	}
	if m.journal == nil {
		return []Record{}, nil
	}
	records, err := m.journal.History(ctx, controllerID, operationID, limit)
	if err != nil {
		return nil, operation.NewIOError("failed to read history", err).
			WithController(controllerID).
			WithOperation(operationID)
	}
	return records, nil
}

// Activate starts an invocation of the operation and returns its state stream.
// A rejected activation returns a stream holding a single Locked state. The
// invocation runs under the manager, so it continues if the caller stops
// reading; the caller must drain or close the stream.
func (m *Manager) Activate(ctx context.Context, controllerID, operationID string, params operation.Parameters) (*operation.Stream, error) {
	e, err := m.lookup(controllerID, operationID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, operation.NewRejectedError(shuttingDownMessage, nil).
			WithCode(operation.ErrCodeShuttingDown)
	}

	stream, _ := m.activate(ctx, e, params, TriggerManual)
	return stream, nil
}

// fire returns the callback a sensor uses to submit its operation.
func (m *Manager) fire(e *entry) sensor.FireFunc {
	return func(params operation.Parameters) {
		logger := m.logger.WithOperation(e.controller, e.op.ID())

		stream, accepted := m.activate(m.root, e, params, TriggerSensor)
		if !accepted {
			st, _ := stream.Next(m.root)
			stream.Close()
			m.metrics.RecordSensorFiring(e.controller, e.op.ID(), "skipped")
			logger.WithField("state", st.String()).Debug("Sensor firing skipped")
			return
		}
		m.metrics.RecordSensorFiring(e.controller, e.op.ID(), "accepted")

		go func() {
			defer stream.Close()
			for st := range stream.All(context.Background()) {
				logger.WithField("state", st.String()).Debug("Sensor invocation progressed")
			}
		}()
	}
}
