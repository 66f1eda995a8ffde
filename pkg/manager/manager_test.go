package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geo-mak/autonomic-playground/pkg/controller"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/playground"
	"github.com/geo-mak/autonomic-playground/pkg/policy"
	"github.com/geo-mak/autonomic-playground/pkg/sensor"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

const ctrl = "controller"

func collect(t *testing.T, s *operation.Stream) []operation.OpState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Collect(ctx)
}

func kinds(states []operation.OpState) []operation.StateKind {
	out := make([]operation.StateKind, 0, len(states))
	for _, st := range states {
		out = append(out, st.Kind)
	}
	return out
}

func newPlayground(t *testing.T, opts ...SubmitOption) *Manager {
	t.Helper()
	m := New()
	opts = append(opts, WithParameters[playground.PlayParameters]())
	require.NoError(t, m.Submit(ctrl, playground.New("main_operation", "main", nil), opts...))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

// tick is a fast interval condition for tests.
func tick(d time.Duration, params operation.Parameters) sensor.ConditionFunc {
	return func(ctx context.Context) (operation.Parameters, error) {
		select {
		case <-time.After(d):
			return params, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestActivateUnknown(t *testing.T) {
	m := newPlayground(t)

	s, err := m.Activate(context.Background(), ctrl, "missing", nil)
	assert.Nil(t, s)
	assert.True(t, operation.IsNotFound(err))

	_, err = m.Activate(context.Background(), "nobody", "main_operation", nil)
	assert.True(t, operation.IsNotFound(err))
}

func TestActivateOkAndErr(t *testing.T) {
	m := newPlayground(t)
	ctx := context.Background()

	s, err := m.Activate(ctx, ctrl, "main_operation", playground.OkParameters("Welcome to autonomic!"))
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Started(), operation.Succeeded("Welcome to autonomic!")}, collect(t, s))

	s, err = m.Activate(ctx, ctrl, "main_operation", playground.ErrParameters("Expected Error"))
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Started(), operation.Failed("Expected Error")}, collect(t, s))

	info, err := m.Operation(ctrl, "main_operation")
	require.NoError(t, err)
	assert.False(t, info.Locked, "expected errors do not lock")
	assert.False(t, info.Performing)
}

func TestPanicLocksUntilUnlocked(t *testing.T) {
	m := newPlayground(t)
	ctx := context.Background()

	s, err := m.Activate(ctx, ctrl, "main_operation", playground.PanicParameters())
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Started(), operation.Panicked(playground.PanicMessage)}, collect(t, s))

	info, err := m.Operation(ctrl, "main_operation")
	require.NoError(t, err)
	assert.True(t, info.Locked)
	assert.False(t, info.Performing)

	for range 3 {
		s, err = m.Activate(ctx, ctrl, "main_operation", playground.OkParameters(""))
		require.NoError(t, err)
		assert.Equal(t, []operation.OpState{operation.Locked("")}, collect(t, s))
	}

	require.NoError(t, m.Unlock(ctrl, "main_operation"))
	s, err = m.Activate(ctx, ctrl, "main_operation", playground.OkParameters("back"))
	require.NoError(t, err)
	assert.Equal(t, []operation.StateKind{operation.StateStarted, operation.StateOk}, kinds(collect(t, s)))
}

func TestManualLockIsIdempotent(t *testing.T) {
	m := newPlayground(t)

	require.NoError(t, m.Lock(ctrl, "main_operation"))
	require.NoError(t, m.Lock(ctrl, "main_operation"))

	s, err := m.Activate(context.Background(), ctrl, "main_operation", playground.OkParameters(""))
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Locked("")}, collect(t, s))

	require.NoError(t, m.Unlock(ctrl, "main_operation"))
	require.NoError(t, m.Unlock(ctrl, "main_operation"))
	info, _ := m.Operation(ctrl, "main_operation")
	assert.False(t, info.Locked)

	assert.True(t, operation.IsNotFound(m.Lock(ctrl, "missing")))
}

func TestBusyOperationRejects(t *testing.T) {
	m := newPlayground(t)
	ctx := context.Background()

	slow := playground.OkParameters("slow")
	slow.SleepSec = 1
	first, err := m.Activate(ctx, ctrl, "main_operation", slow)
	require.NoError(t, err)

	st, ok := first.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, operation.Started(), st)

	active, err := m.ActiveOperations(ctrl)
	require.NoError(t, err)
	assert.Equal(t, []string{"main_operation"}, active)

	second, err := m.Activate(ctx, ctrl, "main_operation", playground.OkParameters(""))
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Locked(busyMessage)}, collect(t, second))

	assert.Equal(t, []operation.OpState{operation.Succeeded("slow")}, collect(t, first))

	// The in-flight marker is released before the terminal state is delivered.
	again, err := m.Activate(ctx, ctrl, "main_operation", playground.OkParameters("again"))
	require.NoError(t, err)
	assert.Equal(t, []operation.StateKind{operation.StateStarted, operation.StateOk}, kinds(collect(t, again)))
}

func TestRetryReportsFinalOutcomeOnly(t *testing.T) {
	var attempts atomic.Int32
	op := operation.NewFunc("flaky", "always fails", func(context.Context, operation.Parameters) operation.Result {
		attempts.Add(1)
		return operation.Err("nope")
	})

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op, WithRetry(operation.Retry{MaxAttempts: 2, Delay: time.Millisecond})))

	s, err := m.Activate(context.Background(), ctrl, "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Started(), operation.Failed("nope")}, collect(t, s))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryStopsOnSuccess(t *testing.T) {
	var attempts atomic.Int32
	op := operation.NewFunc("eventually", "succeeds on the second attempt", func(context.Context, operation.Parameters) operation.Result {
		if attempts.Add(1) < 2 {
			return operation.Err("not yet")
		}
		return operation.Ok("done")
	})

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op, WithRetry(operation.Retry{MaxAttempts: 5, Delay: time.Millisecond})))

	s, err := m.Activate(context.Background(), ctrl, "eventually", nil)
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Started(), operation.Succeeded("done")}, collect(t, s))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRetryNeverRetriesPanic(t *testing.T) {
	var attempts atomic.Int32
	op := operation.NewFunc("boom", "panics", func(context.Context, operation.Parameters) operation.Result {
		attempts.Add(1)
		panic("boom")
	})

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op, WithRetry(operation.Retry{MaxAttempts: 3})))

	s, err := m.Activate(context.Background(), ctrl, "boom", nil)
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Started(), operation.Panicked("boom")}, collect(t, s))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestAbort(t *testing.T) {
	release := make(chan struct{})
	op := operation.NewFunc("stubborn", "ignores cancellation", func(context.Context, operation.Parameters) operation.Result {
		<-release
		return operation.Ok("")
	})
	defer close(release)

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op))

	assert.True(t, operation.HasCode(m.Abort(ctrl, "stubborn"), operation.ErrCodeNotActive))

	ctx := context.Background()
	s, err := m.Activate(ctx, ctrl, "stubborn", nil)
	require.NoError(t, err)
	st, ok := s.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, operation.Started(), st)

	require.NoError(t, m.Abort(ctrl, "stubborn"))
	assert.Equal(t, []operation.OpState{operation.Aborted()}, collect(t, s))

	info, err := m.Operation(ctrl, "stubborn")
	require.NoError(t, err)
	assert.False(t, info.Locked, "abort leaves the lock alone")
	assert.False(t, info.Performing)
}

func TestAbortCancelsContext(t *testing.T) {
	cancelled := make(chan struct{})
	op := operation.NewFunc("polite", "returns on cancellation", func(ctx context.Context, _ operation.Parameters) operation.Result {
		<-ctx.Done()
		close(cancelled)
		return operation.Err("cancelled")
	})

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op))

	s, err := m.Activate(context.Background(), ctrl, "polite", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, _ := m.Operation(ctrl, "polite")
		return info.Performing
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Abort(ctrl, "polite"))
	states := collect(t, s)
	require.NotEmpty(t, states)
	assert.Equal(t, operation.StateAborted, states[len(states)-1].Kind)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation context was not cancelled")
	}
}

func TestDroppedStreamDoesNotCancelWork(t *testing.T) {
	done := make(chan struct{})
	op := operation.NewFunc("detached", "finishes regardless", func(ctx context.Context, _ operation.Parameters) operation.Result {
		select {
		case <-time.After(30 * time.Millisecond):
			close(done)
			return operation.Ok("")
		case <-ctx.Done():
			return operation.Err("cancelled")
		}
	})

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op))

	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Activate(ctx, ctrl, "detached", nil)
	require.NoError(t, err)
	cancel()
	s.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("work was cancelled with the caller")
	}
}

func TestSensorFiresRepeatedly(t *testing.T) {
	var runs atomic.Int32
	op := operation.NewFunc("sensed", "counts", func(_ context.Context, params operation.Parameters) operation.Result {
		assert.Equal(t, "tick", params)
		runs.Add(1)
		return operation.Ok("")
	})

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op, WithSensor(sensor.New(tick(10*time.Millisecond, "tick")), true)))
	m.Start()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	info, err := m.Operation(ctrl, "sensed")
	require.NoError(t, err)
	assert.True(t, info.HasSensor)
	assert.True(t, info.Sensing)

	require.NoError(t, m.DeactivateSensor(ctrl, "sensed"))
	require.NoError(t, m.DeactivateSensor(ctrl, "sensed"))
	time.Sleep(30 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())
}

func TestIntervalSensorFiresAtLeastTwiceInFiveSeconds(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real second intervals")
	}
	var runs atomic.Int32
	op := operation.NewFunc("interval", "counts", func(context.Context, operation.Parameters) operation.Result {
		runs.Add(1)
		return operation.Ok("")
	})

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op, WithSensor(sensor.New(sensor.Interval(2, nil)), false)))
	require.NoError(t, m.ActivateSensor(ctrl, "interval"))

	time.Sleep(5 * time.Second)
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestSensorSkipsWhileLocked(t *testing.T) {
	var runs atomic.Int32
	op := operation.NewFunc("sensed", "counts", func(context.Context, operation.Parameters) operation.Result {
		runs.Add(1)
		return operation.Ok("")
	})

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op, WithSensor(sensor.New(tick(5*time.Millisecond, nil)), false)))
	require.NoError(t, m.Lock(ctrl, "sensed"))

	assert.True(t, operation.HasCode(m.ActivateSensor(ctrl, "sensed"), operation.ErrCodeLocked))

	require.NoError(t, m.Unlock(ctrl, "sensed"))
	require.NoError(t, m.ActivateSensor(ctrl, "sensed"))
	require.NoError(t, m.ActivateSensor(ctrl, "sensed"), "starting a running sensor is a no-op")
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)

	// A manual lock leaves the sensor running but its firings are skipped.
	require.NoError(t, m.Lock(ctrl, "sensed"))
	time.Sleep(20 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())

	info, _ := m.Operation(ctrl, "sensed")
	assert.True(t, info.Sensing)
}

func TestPanicStopsSensor(t *testing.T) {
	var runs atomic.Int32
	op := operation.NewFunc("fragile", "panics on first run", func(context.Context, operation.Parameters) operation.Result {
		runs.Add(1)
		panic("sensor triggered panic")
	})

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op, WithSensor(sensor.New(tick(5*time.Millisecond, nil)), true)))

	// Observe the operation concurrently from before the first run until
	// after the lock.
	var armedWhileLocked atomic.Bool
	stop := make(chan struct{})
	observed := make(chan struct{})
	go func() {
		defer close(observed)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if info, err := m.Operation(ctrl, "fragile"); err == nil && info.Locked && info.Sensing {
				armedWhileLocked.Store(true)
			}
		}
	}()

	m.Start()
	require.Eventually(t, func() bool {
		info, _ := m.Operation(ctrl, "fragile")
		return info.Locked
	}, time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	close(stop)
	<-observed
	assert.False(t, armedWhileLocked.Load(), "observers never see the operation locked with its sensor armed")

	info, err := m.Operation(ctrl, "fragile")
	require.NoError(t, err)
	assert.True(t, info.Locked)
	assert.False(t, info.Sensing)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestNoInvocationStartsAfterShutdown(t *testing.T) {
	for range 50 {
		var closed, late atomic.Bool
		op := operation.NewFunc("busy", "fires continuously", func(context.Context, operation.Parameters) operation.Result {
			if closed.Load() {
				late.Store(true)
			}
			return operation.Ok("")
		})

		m := New()
		require.NoError(t, m.Submit(ctrl, op, WithSensor(sensor.New(tick(0, nil)), true)))
		m.Start()
		time.Sleep(time.Millisecond)

		require.NoError(t, m.Shutdown(context.Background()))
		closed.Store(true)
		time.Sleep(2 * time.Millisecond)
		require.False(t, late.Load(), "an invocation started after shutdown returned")

		_, err := m.Activate(context.Background(), ctrl, "busy", nil)
		assert.True(t, operation.HasCode(err, operation.ErrCodeShuttingDown))
	}
}

func TestInvocationLoggerInContext(t *testing.T) {
	var buf bytes.Buffer
	op := operation.NewFunc("logging", "logs through its context", func(ctx context.Context, _ operation.Parameters) operation.Result {
		telemetry.FromContext(ctx).Info("from the operation")
		return operation.Ok("")
	})

	m := New(WithLogger(telemetry.NewWriterLogger(&buf, "info")))
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, op))
	m.Start()

	s, err := m.Activate(context.Background(), ctrl, "logging", nil)
	require.NoError(t, err)
	collect(t, s)

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["message"] == "from the operation" {
			found = true
			assert.Equal(t, "logging", rec["operation"])
			assert.NotEmpty(t, rec["invocation_id"])
		}
	}
	assert.True(t, found)
}

func TestSensorErrorsWithoutSensor(t *testing.T) {
	m := newPlayground(t)
	assert.True(t, operation.HasCode(m.ActivateSensor(ctrl, "main_operation"), operation.ErrCodeNoSensor))
	assert.True(t, operation.HasCode(m.DeactivateSensor(ctrl, "main_operation"), operation.ErrCodeNoSensor))
}

func TestSubmitRejectsDuplicates(t *testing.T) {
	m := newPlayground(t)
	err := m.Submit(ctrl, playground.New("main_operation", "again", nil))
	assert.True(t, operation.HasCode(err, operation.ErrCodeAlreadyExists))

	s := sensor.New(tick(time.Hour, nil))
	require.NoError(t, m.Submit(ctrl, playground.New("a", "", nil), WithSensor(s, false)))
	err = m.Submit(ctrl, playground.New("b", "", nil), WithSensor(s, false))
	assert.True(t, operation.HasCode(err, operation.ErrCodeValidation), "a sensor serves one operation")
}

func TestDecodeParameters(t *testing.T) {
	m := newPlayground(t)

	params, err := m.DecodeParameters(ctrl, "main_operation", json.RawMessage(`{"play":{"kind":"ok","message":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, playground.OkParameters("hi"), params)

	params, err = m.DecodeParameters(ctrl, "main_operation", json.RawMessage(` null `))
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = m.DecodeParameters(ctrl, "main_operation", json.RawMessage(`[1,2]`))
	assert.True(t, operation.HasCode(err, operation.ErrCodeUnexpectedParameters))
}

func TestControllersListing(t *testing.T) {
	m := newPlayground(t)
	require.NoError(t, m.Submit(ctrl, playground.New("secondary_operation", "secondary", nil)))

	infos := m.Controllers()
	require.Len(t, infos, 1)
	assert.Equal(t, ctrl, infos[0].ID)
	require.Len(t, infos[0].Operations, 2)
	assert.Equal(t, "main_operation", infos[0].Operations[0].ID)
	assert.Equal(t, "secondary_operation", infos[0].Operations[1].ID)

	_, err := m.Operations("missing")
	assert.True(t, operation.IsNotFound(err))
}

func TestDriftControllerCorrects(t *testing.T) {
	ctx := context.Background()
	store := controller.NewFileStore(filepath.Join(t.TempDir(), "store_1"))
	drift := controller.NewDriftController("controller_1", "Play ground test controller", store, "default state", 10*time.Millisecond)
	require.NoError(t, drift.Initialize(ctx))

	m := New()
	defer m.Shutdown(context.Background())
	require.NoError(t, m.SubmitController(drift))
	m.Start()

	res, err := m.Resource("controller_1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), []byte("play"), 0o644))

	assert.Eventually(t, func() bool {
		v, err := res.Read(ctx)
		return err == nil && v == "default state"
	}, 2*time.Second, 10*time.Millisecond)

	// Stop sensing so the manual activation below cannot race a sensed one.
	require.NoError(t, m.DeactivateSensor("controller_1", "controller_1"))
	require.Eventually(t, func() bool {
		info, _ := m.Operation("controller_1", "controller_1")
		return !info.Performing
	}, time.Second, 5*time.Millisecond)

	info, err := m.Operation("controller_1", "controller_1")
	require.NoError(t, err)
	assert.Contains(t, []string{controller.PhaseMonitoring, controller.PhaseCorrected}, info.Phase)

	infos := m.Controllers()
	require.Len(t, infos, 1)
	assert.Equal(t, "Play ground test controller", infos[0].Description)

	// Manual correction through the ordinary activation path.
	s, err := m.Activate(ctx, "controller_1", "controller_1", nil)
	require.NoError(t, err)
	assert.Equal(t, []operation.StateKind{operation.StateStarted, operation.StateOk}, kinds(collect(t, s)))

	info, err = m.Operation("controller_1", "controller_1")
	require.NoError(t, err)
	assert.Equal(t, controller.PhaseCorrected, info.Phase)

	_, err = m.Resource(ctrl)
	assert.True(t, operation.IsNotFound(err))
}

type denyAll struct{ reason string }

func (d denyAll) Evaluate(context.Context, policy.Input) (policy.Decision, error) {
	return policy.Decision{Allowed: false, Reasons: []string{d.reason}}, nil
}

type brokenAdmission struct{}

func (brokenAdmission) Evaluate(context.Context, policy.Input) (policy.Decision, error) {
	return policy.Decision{}, errors.New("engine unavailable")
}

func TestAdmissionDenies(t *testing.T) {
	m := New(WithAdmission(denyAll{reason: "maintenance"}))
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, playground.New("main_operation", "", nil)))

	s, err := m.Activate(context.Background(), ctrl, "main_operation", playground.OkParameters(""))
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Locked("activation denied: maintenance")}, collect(t, s))

	info, _ := m.Operation(ctrl, "main_operation")
	assert.False(t, info.Locked, "a denial does not lock the operation")

	m2 := New(WithAdmission(brokenAdmission{}))
	defer m2.Shutdown(context.Background())
	require.NoError(t, m2.Submit(ctrl, playground.New("main_operation", "", nil)))
	s, err = m2.Activate(context.Background(), ctrl, "main_operation", playground.OkParameters(""))
	require.NoError(t, err)
	states := collect(t, s)
	require.Len(t, states, 1)
	assert.Equal(t, operation.StateLocked, states[0].Kind)
}

func TestAdmissionWithRego(t *testing.T) {
	engine := policy.NewEngine(zerolog.Nop())
	require.NoError(t, engine.AddPolicy(context.Background(), "no-secondary", `package autonomic.activation

import rego.v1

deny contains "secondary is disabled" if input.operation == "secondary_operation"
`))

	m := New(WithAdmission(engine))
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, playground.New("main_operation", "", nil)))
	require.NoError(t, m.Submit(ctrl, playground.New("secondary_operation", "", nil)))

	s, err := m.Activate(context.Background(), ctrl, "secondary_operation", playground.OkParameters(""))
	require.NoError(t, err)
	assert.Equal(t, []operation.OpState{operation.Locked("activation denied: no-secondary: secondary is disabled")}, collect(t, s))

	s, err = m.Activate(context.Background(), ctrl, "main_operation", playground.OkParameters(""))
	require.NoError(t, err)
	assert.Equal(t, []operation.StateKind{operation.StateStarted, operation.StateOk}, kinds(collect(t, s)))
}

type memJournal struct {
	mu       sync.Mutex
	started  []Record
	finished []Record
}

func (j *memJournal) InvocationStarted(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, rec)
	return nil
}

func (j *memJournal) InvocationFinished(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, rec)
	return nil
}

func (j *memJournal) History(_ context.Context, controllerID, operationID string, limit int) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Record
	for i := len(j.finished) - 1; i >= 0 && len(out) < limit; i-- {
		r := j.finished[i]
		if r.Controller == controllerID && r.Operation == operationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestJournalRecordsInvocations(t *testing.T) {
	journal := &memJournal{}
	m := New(WithJournal(journal))
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Submit(ctrl, playground.New("main_operation", "", nil)))

	ctx := context.Background()
	s, err := m.Activate(ctx, ctrl, "main_operation", playground.ErrParameters("Expected Error"))
	require.NoError(t, err)
	collect(t, s)

	// Rejected activations are not journalled.
	require.NoError(t, m.Lock(ctrl, "main_operation"))
	s, err = m.Activate(ctx, ctrl, "main_operation", nil)
	require.NoError(t, err)
	collect(t, s)

	history, err := m.History(ctx, ctrl, "main_operation", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	rec := history[0]
	assert.Equal(t, TriggerManual, rec.Trigger)
	assert.Equal(t, operation.StateFailed, rec.State)
	assert.Equal(t, "Expected Error", rec.Message)
	assert.False(t, rec.FinishedAt.Before(rec.StartedAt))

	journal.mu.Lock()
	assert.Len(t, journal.started, 1)
	assert.Equal(t, rec.ID, journal.started[0].ID)
	journal.mu.Unlock()
}

func TestShutdownRejectsNewWork(t *testing.T) {
	m := New()
	require.NoError(t, m.Submit(ctrl, playground.New("main_operation", "", nil),
		WithSensor(sensor.New(tick(time.Hour, nil)), true)))
	m.Start()

	info, _ := m.Operation(ctrl, "main_operation")
	assert.True(t, info.Sensing)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))

	info, _ = m.Operation(ctrl, "main_operation")
	assert.False(t, info.Sensing)

	_, err := m.Activate(context.Background(), ctrl, "main_operation", nil)
	assert.True(t, operation.HasCode(err, operation.ErrCodeShuttingDown))
}

func TestShutdownWaitsForInvocations(t *testing.T) {
	m := New()
	op := operation.NewFunc("slow", "", func(ctx context.Context, _ operation.Parameters) operation.Result {
		select {
		case <-time.After(50 * time.Millisecond):
			return operation.Ok("")
		case <-ctx.Done():
			return operation.Err("cancelled")
		}
	})
	require.NoError(t, m.Submit(ctrl, op))

	s, err := m.Activate(context.Background(), ctrl, "slow", nil)
	require.NoError(t, err)
	go s.Collect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	info, _ := m.Operation(ctrl, "slow")
	assert.False(t, info.Performing)
}
