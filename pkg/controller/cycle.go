package controller

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

// Cycle phases.
const (
	PhaseIdle       = "idle"
	PhaseMonitoring = "monitoring"
	PhaseDrifted    = "drifted"
	PhaseCorrecting = "correcting"
	PhaseCorrected  = "corrected"
	PhaseFailed     = "failed"
)

const (
	eventMonitor = "monitor"
	eventDrift   = "drift"
	eventCorrect = "correct"
	eventSucceed = "succeed"
	eventFail    = "fail"
)

var (
	allPhases = []string{PhaseIdle, PhaseMonitoring, PhaseDrifted, PhaseCorrecting, PhaseCorrected, PhaseFailed}

	// The sensor keeps polling during a correction; its events must not
	// hide the running correction.
	sensingPhases = []string{PhaseIdle, PhaseMonitoring, PhaseDrifted, PhaseCorrected, PhaseFailed}
)

// Cycle runs a Controller as an ordinary operation whose sensor condition is
// the controller's Notified. It tracks which phase of detect and correct the
// controller is in.
type Cycle struct {
	ctrl    Controller
	machine *fsm.FSM
	logger  *telemetry.Logger
}

// NewCycle wraps ctrl.
func NewCycle(ctrl Controller, logger *telemetry.Logger) *Cycle {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	c := &Cycle{
		ctrl:   ctrl,
		logger: logger.WithController(ctrl.ID()),
	}

	// A manual activation may correct from any phase.
	c.machine = fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: eventMonitor, Src: sensingPhases, Dst: PhaseMonitoring},
			{Name: eventDrift, Src: sensingPhases, Dst: PhaseDrifted},
			{Name: eventCorrect, Src: allPhases, Dst: PhaseCorrecting},
			{Name: eventSucceed, Src: allPhases, Dst: PhaseCorrected},
			{Name: eventFail, Src: allPhases, Dst: PhaseFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debugf("Controller phase %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return c
}

func (c *Cycle) ID() string          { return c.ctrl.ID() }
func (c *Cycle) Description() string { return c.ctrl.Description() }

// Controller returns the wrapped controller.
func (c *Cycle) Controller() Controller { return c.ctrl }

// Phase returns the current phase.
func (c *Cycle) Phase() string { return c.machine.Current() }

// Activate implements sensor.ActivationCondition.
func (c *Cycle) Activate(ctx context.Context) (operation.Parameters, error) {
	c.transition(ctx, eventMonitor)
	if err := c.ctrl.Notified(ctx); err != nil {
		return nil, err
	}
	c.transition(ctx, eventDrift)
	return nil, nil
}

// Perform implements operation.Operation. Controllers take no parameters.
func (c *Cycle) Perform(ctx context.Context, params operation.Parameters) operation.Result {
	if params != nil {
		return operation.Err(operation.MsgUnexpectedParameters)
	}

	c.transition(ctx, eventCorrect)
	res := c.ctrl.Perform(ctx)
	if res.OK {
		c.transition(ctx, eventSucceed)
	} else {
		c.transition(ctx, eventFail)
	}
	return res
}

func (c *Cycle) transition(ctx context.Context, event string) {
	err := c.machine.Event(context.WithoutCancel(ctx), event)
	var (
		noTransition fsm.NoTransitionError
		invalid      fsm.InvalidEventError
	)
	switch {
	case err == nil, errors.As(err, &noTransition):
	case errors.As(err, &invalid):
		c.logger.Debugf("Phase %s kept, %s ignored", c.machine.Current(), event)
	default:
		c.logger.WithError(err).Warnf("Phase transition %s failed", event)
	}
}
