// Package playground provides an operation whose behaviour is chosen by its
// parameters, for exercising the manager end to end.
package playground

import (
	"context"
	"time"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

// PanicMessage is the value the operation panics with.
const PanicMessage = "Unexpected Error in Playground Operation"

// PlayKind selects the outcome of a playground invocation.
type PlayKind string

const (
	PlayOk    PlayKind = "ok"
	PlayErr   PlayKind = "err"
	PlayPanic PlayKind = "panic"
)

// Play is the outcome to produce.
type Play struct {
	Kind    PlayKind `json:"kind"`
	Message string   `json:"message,omitempty"`
}

// PlayParameters drive one playground invocation. SleepSec delays each
// attempt. Retry re-runs attempts that produce an error result.
type PlayParameters struct {
	Play     Play             `json:"play"`
	SleepSec uint8            `json:"sleep_sec"`
	Retry    *operation.Retry `json:"retry,omitempty"`
}

// OkParameters returns parameters that succeed with message.
func OkParameters(message string) PlayParameters {
	return PlayParameters{Play: Play{Kind: PlayOk, Message: message}}
}

// ErrParameters returns parameters that fail with message.
func ErrParameters(message string) PlayParameters {
	return PlayParameters{Play: Play{Kind: PlayErr, Message: message}}
}

// PanicParameters returns parameters that panic.
func PanicParameters() PlayParameters {
	return PlayParameters{Play: Play{Kind: PlayPanic}}
}

// Operation performs according to its PlayParameters.
type Operation struct {
	id          string
	description string
	logger      *telemetry.Logger
}

// New creates a playground operation.
func New(id, description string, logger *telemetry.Logger) *Operation {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Operation{id: id, description: description, logger: logger.WithField("operation", id)}
}

func (o *Operation) ID() string          { return o.id }
func (o *Operation) Description() string { return o.description }

func (o *Operation) Perform(ctx context.Context, params operation.Parameters) operation.Result {
	play, err := operation.ParamsAs[PlayParameters](params)
	if err != nil {
		if operation.HasCode(err, operation.ErrCodeParametersRequired) {
			return operation.Err(operation.MsgParametersRequired)
		}
		return operation.Err(operation.MsgUnexpectedParameters)
	}

	if play.Retry == nil {
		return run(ctx, play)
	}

	res, _ := play.Retry.Do(ctx, func(ctx context.Context, attempt uint) (operation.Result, *operation.PanicError) {
		if attempt > 1 {
			o.logger.Infof("Attempt=%d to perform", attempt-1)
		}
		return run(ctx, play), nil
	}, nil)
	return res
}

func run(ctx context.Context, play PlayParameters) operation.Result {
	if play.SleepSec > 0 {
		timer := time.NewTimer(time.Duration(play.SleepSec) * time.Second)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return operation.Err(ctx.Err().Error())
		}
	}

	switch play.Play.Kind {
	case PlayOk:
		return operation.Ok(play.Play.Message)
	case PlayErr:
		return operation.Err(play.Play.Message)
	case PlayPanic:
		panic(PanicMessage)
	default:
		return operation.Err("unknown play kind " + string(play.Play.Kind))
	}
}
