package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geo-mak/autonomic-playground/pkg/controller"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/policy"
	"github.com/geo-mak/autonomic-playground/pkg/sensor"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

const (
	busyMessage         = "operation is already active"
	shuttingDownMessage = "manager is shutting down"
)

// entry is one registered operation. mu guards locked and inflight so that a
// panic can lock the operation, stop its sensor and release the in-flight
// marker in one step.
type entry struct {
	controller string
	op         operation.Operation
	sensor     *sensor.Sensor
	autostart  bool
	retry      *operation.Retry
	decode     ParameterDecoder
	cycle      *controller.Cycle
	resource   controller.ResourceStore

	mu       sync.Mutex
	locked   bool
	inflight *invocation
}

func (e *entry) info() OperationInfo {
	e.mu.Lock()
	info := OperationInfo{
		Controller:  e.controller,
		ID:          e.op.ID(),
		Description: e.op.Description(),
		Locked:      e.locked,
		Performing:  e.inflight != nil,
		HasSensor:   e.sensor != nil,
		Sensing:     e.sensor != nil && e.sensor.Running(),
		Retry:       e.retry,
	}
	e.mu.Unlock()

	if e.cycle != nil {
		info.Phase = e.cycle.Phase()
	}
	return info
}

// invocation is the in-flight marker of one accepted activation.
type invocation struct {
	id        string
	trigger   string
	ctx       context.Context
	cancel    context.CancelFunc
	aborted   chan struct{}
	abortOnce sync.Once
}

func (inv *invocation) abort() {
	inv.abortOnce.Do(func() {
		close(inv.aborted)
		inv.cancel()
	})
}

// activate admits and starts one invocation. It returns false with a
// single-state stream when the activation is rejected.
func (m *Manager) activate(ctx context.Context, e *entry, params operation.Parameters, trigger string) (*operation.Stream, bool) {
	if rejection, ok := e.check(); !ok {
		m.reject(e, trigger, rejection)
		return operation.Rejected(rejection), false
	}

	if m.admission != nil {
		if rejection, ok := m.admit(ctx, e, trigger); !ok {
			m.reject(e, trigger, rejection)
			return operation.Rejected(rejection), false
		}
	}

	invCtx, cancel := context.WithCancel(m.root)
	inv := &invocation{
		id:      uuid.New().String(),
		trigger: trigger,
		ctx:     invCtx,
		cancel:  cancel,
		aborted: make(chan struct{}),
	}

	// Admission ran unlocked, so the state is checked again while reserving.
	// Holding m.mu orders the reservation before a concurrent Shutdown, which
	// only waits on running after marking the manager closed.
	m.mu.RLock()
	e.mu.Lock()
	rejection, ok := e.checkLocked()
	if ok && m.closed {
		rejection, ok = operation.Locked(shuttingDownMessage), false
	}
	if ok {
		e.inflight = inv
		m.running.Add(1)
	}
	e.mu.Unlock()
	m.mu.RUnlock()

	if !ok {
		cancel()
		m.reject(e, trigger, rejection)
		return operation.Rejected(rejection), false
	}

	stream, emitter := operation.NewStream()
	go m.run(e, inv, params, emitter)
	return stream, true
}

func (e *entry) check() (operation.OpState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLocked()
}

// checkLocked must be called with e.mu held.
func (e *entry) checkLocked() (operation.OpState, bool) {
	if e.locked {
		return operation.Locked(""), false
	}
	if e.inflight != nil {
		return operation.Locked(busyMessage), false
	}
	return operation.OpState{}, true
}

func (m *Manager) admit(ctx context.Context, e *entry, trigger string) (operation.OpState, bool) {
	decision, err := m.admission.Evaluate(ctx, policy.Input{
		Controller: e.controller,
		Operation:  e.op.ID(),
		Trigger:    trigger,
		Time:       time.Now().UTC(),
	})
	if err != nil {
		m.logger.WithOperation(e.controller, e.op.ID()).WithError(err).Error("Admission evaluation failed")
		return operation.Locked("activation denied: " + err.Error()), false
	}
	if !decision.Allowed {
		return operation.Locked("activation denied: " + strings.Join(decision.Reasons, "; ")), false
	}
	return operation.OpState{}, true
}

func (m *Manager) reject(e *entry, trigger string, state operation.OpState) {
	reason := "locked"
	switch {
	case state.Message == busyMessage:
		reason = "busy"
	case state.Message == shuttingDownMessage:
		reason = "shutting_down"
	case strings.HasPrefix(state.Message, "activation denied"):
		reason = "denied"
	}
	m.metrics.RecordRejection(e.controller, e.op.ID(), reason)
	_ = m.events.PublishInvocationRejected(e.controller, e.op.ID(), trigger, reason)
}

type outcome struct {
	result operation.Result
	panic  *operation.PanicError
}

// run drives one accepted invocation to its terminal state.
func (m *Manager) run(e *entry, inv *invocation, params operation.Parameters, emitter *operation.Emitter) {
	defer m.running.Done()
	defer inv.cancel()

	opID := e.op.ID()
	logger := m.logger.WithOperation(e.controller, opID).WithInvocationID(inv.id)

	ctx, span := m.tracer.StartInvocationSpan(inv.ctx, inv.id, e.controller, opID, inv.trigger)
	defer span.End()
	ctx = logger.WithContext(ctx)

	timer := telemetry.NewTimer()
	rec := Record{
		ID:         inv.id,
		Controller: e.controller,
		Operation:  opID,
		Trigger:    inv.trigger,
		StartedAt:  time.Now().UTC(),
		State:      operation.StateStarted,
	}

	m.metrics.RecordInvocationStarted(e.controller, opID, inv.trigger)
	_ = m.events.PublishInvocationStarted(e.controller, opID, inv.id, inv.trigger)
	m.journalStarted(rec, logger)
	logger.Info("Invocation started")

	telemetry.AddStateEvent(span, string(operation.StateStarted), "")
	emitter.Emit(operation.Started())

	done := make(chan outcome, 1)
	go func() {
		res, perr := m.perform(ctx, e, params, logger)
		done <- outcome{result: res, panic: perr}
	}()

	var final operation.OpState
	select {
	case out := <-done:
		if out.panic != nil {
			final = m.panicked(e, inv, out.panic, logger)
		} else {
			final = operation.FromResult(out.result)
			m.release(e, inv)
		}
	case <-inv.aborted:
		final = operation.Aborted()
		m.release(e, inv)
		go func() {
			// The abandoned work may still panic; it no longer owns the operation.
			if out := <-done; out.panic != nil {
				logger.WithField("panic", out.panic.Message()).Error("Aborted invocation panicked")
			}
		}()
	}

	elapsed := timer.Duration()
	rec.FinishedAt = time.Now().UTC()
	rec.State = final.Kind
	rec.Message = final.Message

	m.metrics.RecordInvocationCompleted(e.controller, opID, string(final.Kind), elapsed)
	_ = m.events.PublishInvocationFinished(e.controller, opID, inv.id, string(final.Kind), final.Message, elapsed)
	m.journalFinished(rec, logger)

	telemetry.AddStateEvent(span, string(final.Kind), final.Message)
	switch final.Kind {
	case operation.StateOk:
		telemetry.RecordSuccess(span)
		logger.Info("Invocation succeeded")
	case operation.StateAborted:
		logger.Warn("Invocation aborted")
	default:
		telemetry.RecordFailure(span, string(final.Kind), final.Message)
		logger.WithField("state", final.String()).Warn("Invocation did not succeed")
	}

	emitter.Emit(final)
}

// perform runs the operation behind the panic barrier, with retries if the
// operation has a retry policy. Only the final attempt reaches the stream.
func (m *Manager) perform(ctx context.Context, e *entry, params operation.Parameters, logger *telemetry.Logger) (operation.Result, *operation.PanicError) {
	attempt := func(ctx context.Context, _ uint) (operation.Result, *operation.PanicError) {
		return operation.Invoke(ctx, e.op, params)
	}
	if e.retry == nil {
		return attempt(ctx, 1)
	}

	rp := *e.retry
	return rp.Do(ctx, attempt, func(n uint, last operation.Result) {
		if n > uint(rp.MaxAttempts) {
			return
		}
		m.metrics.RecordRetry(e.controller, e.op.ID())
		logger.WithField("result", last.String()).Warnf("Attempt=%d to perform failed, retrying in %s", n, rp.Delay)
	})
}

// panicked locks the operation, stops its sensor and releases the in-flight
// marker under one critical section, then returns the terminal state.
func (m *Manager) panicked(e *entry, inv *invocation, perr *operation.PanicError, logger *telemetry.Logger) operation.OpState {
	e.mu.Lock()
	wasLocked := e.locked
	e.locked = true
	stopped := e.sensor != nil && e.sensor.Stop()
	if e.inflight == inv {
		e.inflight = nil
	}
	e.mu.Unlock()

	logger.WithField("stack", string(perr.Stack)).Errorf("Operation panicked: %s", perr.Message())

	if !wasLocked {
		m.metrics.SetLocked(e.controller, e.op.ID(), true)
		_ = m.events.PublishLockChanged(e.controller, e.op.ID(), true, "panicked")
	}
	if stopped {
		_ = m.events.PublishSensorChanged(e.controller, e.op.ID(), false)
	}
	return operation.Panicked(perr.Message())
}

func (m *Manager) release(e *entry, inv *invocation) {
	e.mu.Lock()
	if e.inflight == inv {
		e.inflight = nil
	}
	e.mu.Unlock()
}

func (m *Manager) journalStarted(rec Record, logger *telemetry.Logger) {
	if m.journal == nil {
		return
	}
	if err := m.journal.InvocationStarted(context.WithoutCancel(m.root), rec); err != nil {
		logger.WithError(err).Warn("Failed to journal invocation start")
	}
}

func (m *Manager) journalFinished(rec Record, logger *telemetry.Logger) {
	if m.journal == nil {
		return
	}
	if err := m.journal.InvocationFinished(context.WithoutCancel(m.root), rec); err != nil {
		logger.WithError(err).Warn("Failed to journal invocation result")
	}
}
