package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

const (
	entryPoint  = "perform"
	loggerLocal = "logger"

	// DefaultMaxSteps bounds the Starlark computation of one invocation.
	DefaultMaxSteps uint64 = 10_000_000
)

// resultConstructor tags the structs built by ok() and err().
var resultConstructor = starlark.String("result")

// Option configures an Operation.
type Option func(*Operation)

// WithLogger routes print() and log() output of the script.
func WithLogger(logger *telemetry.Logger) Option {
	return func(o *Operation) {
		o.logger = logger
	}
}

// WithTimeout bounds each invocation in addition to the invocation context.
// Zero means no extra bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Operation) {
		o.timeout = d
	}
}

// WithMaxSteps sets the execution step budget of each invocation.
func WithMaxSteps(steps uint64) Option {
	return func(o *Operation) {
		o.maxSteps = steps
	}
}

// Operation runs a Starlark script that defines perform(params).
//
// perform may return ok(msg), err(msg), a string (ok with that message),
// None (ok) or any other plain value, which is reported as ok with its JSON
// encoding. Runtime errors, fail() and exceeding the step budget end the
// invocation with Err.
type Operation struct {
	id          string
	description string
	filename    string
	program     *starlark.Program
	logger      *telemetry.Logger
	timeout     time.Duration
	maxSteps    uint64
}

// New compiles src. filename is used in error positions.
func New(id, description, filename, src string, opts ...Option) (*Operation, error) {
	o := &Operation{
		id:          id,
		description: description,
		filename:    filename,
		maxSteps:    DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = telemetry.NewNopLogger()
	}
	o.logger = o.logger.WithField("operation", id)

	predeclared := o.predeclared(context.Background())
	_, program, err := starlark.SourceProgram(filename, src, predeclared.Has)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script %s: %w", filename, err)
	}
	o.program = program
	return o, nil
}

// Load reads and compiles the script at path.
func Load(id, description, path string, opts ...Option) (*Operation, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return New(id, description, filepath.Base(path), string(src), opts...)
}

func (o *Operation) ID() string          { return o.id }
func (o *Operation) Description() string { return o.description }

// Perform runs the script's perform function with params.
func (o *Operation) Perform(ctx context.Context, params operation.Parameters) operation.Result {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	arg, err := asStarlark(normalize(params))
	if err != nil {
		return operation.Err(operation.MsgUnexpectedParameters)
	}

	logger := o.loggerFor(ctx)
	thread := &starlark.Thread{
		Name: o.id,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info(msg)
		},
	}
	thread.SetLocal(loggerLocal, logger)
	thread.SetMaxExecutionSteps(o.maxSteps)

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	globals, err := o.program.Init(thread, o.predeclared(ctx))
	if err != nil {
		return o.failure(ctx, err)
	}
	fn, ok := globals[entryPoint].(starlark.Callable)
	if !ok {
		return operation.Err(fmt.Sprintf("script %s does not define %s(params)", o.filename, entryPoint))
	}

	value, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return o.failure(ctx, err)
	}
	return toResult(value)
}

func (o *Operation) failure(ctx context.Context, err error) operation.Result {
	if ctx.Err() != nil {
		return operation.Err(fmt.Sprintf("script cancelled: %v", ctx.Err()))
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		o.loggerFor(ctx).Debug(evalErr.Backtrace())
		return operation.Err(evalErr.Msg)
	}
	return operation.Err(err.Error())
}

// predeclared returns the builtins visible to scripts.
func (o *Operation) predeclared(ctx context.Context) starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"ok":     starlark.NewBuiltin("ok", builtinResult(true)),
		"err":    starlark.NewBuiltin("err", builtinResult(false)),
		"log":    starlark.NewBuiltin("log", o.builtinLog),
		"sleep":  starlark.NewBuiltin("sleep", builtinSleep(ctx)),
	}
}

func builtinResult(ok bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var message string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message?", &message); err != nil {
			return nil, err
		}
		return starlarkstruct.FromStringDict(resultConstructor, starlark.StringDict{
			"ok":      starlark.Bool(ok),
			"message": starlark.String(message),
		}), nil
	}
}

// loggerFor prefers the invocation logger carried by ctx.
func (o *Operation) loggerFor(ctx context.Context) *telemetry.Logger {
	if l, ok := telemetry.LoggerFromContext(ctx); ok {
		return l
	}
	return o.logger
}

// threadLogger is the logger of the invocation running on thread.
func (o *Operation) threadLogger(thread *starlark.Thread) *telemetry.Logger {
	if l, ok := thread.Local(loggerLocal).(*telemetry.Logger); ok {
		return l
	}
	return o.logger
}

// builtinLog implements log(msg, level="info").
func (o *Operation) builtinLog(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg, level string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "level?", &level); err != nil {
		return nil, err
	}
	logger := o.threadLogger(thread)
	switch level {
	case "debug":
		logger.Debug(msg)
	case "warn", "warning":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
	return starlark.None, nil
}

// builtinSleep implements sleep(seconds), returning early on cancellation.
func builtinSleep(ctx context.Context) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var seconds starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "seconds", &seconds); err != nil {
			return nil, err
		}
		f, ok := starlark.AsFloat(seconds)
		if !ok || f < 0 {
			return nil, fmt.Errorf("%s: seconds must be a non-negative number", b.Name())
		}

		timer := time.NewTimer(time.Duration(f * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
			return starlark.None, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func toResult(value starlark.Value) operation.Result {
	switch v := value.(type) {
	case starlark.NoneType:
		return operation.Ok("")
	case starlark.String:
		return operation.Ok(string(v))
	case *starlarkstruct.Struct:
		if v.Constructor() == resultConstructor {
			okVal, _ := v.Attr("ok")
			msgVal, _ := v.Attr("message")
			msg, _ := starlark.AsString(msgVal)
			if okVal == starlark.True {
				return operation.Ok(msg)
			}
			return operation.Err(msg)
		}
	}

	plain, err := asGo(value)
	if err != nil {
		return operation.Err(fmt.Sprintf("%s returned unsupported value: %v", entryPoint, err))
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return operation.Err(fmt.Sprintf("%s returned unsupported value: %v", entryPoint, err))
	}
	return operation.Ok(string(raw))
}

// normalize turns wire payloads into plain decoded JSON.
func normalize(params operation.Parameters) operation.Parameters {
	switch p := params.(type) {
	case json.RawMessage:
		var v interface{}
		if err := json.Unmarshal(p, &v); err != nil {
			return p
		}
		return v
	case []byte:
		return normalize(json.RawMessage(p))
	default:
		return params
	}
}
