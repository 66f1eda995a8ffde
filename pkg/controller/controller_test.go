package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

const defaultState = "default state"

type memKV struct {
	mu   sync.Mutex
	rows map[string]string
	err  error
}

func newMemKV() *memKV { return &memKV{rows: map[string]string{}} }

func (m *memKV) GetResource(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.rows[key]
	return v, ok, nil
}

func (m *memKV) PutResource(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows[key] = value
	return nil
}

func TestFileStoreInitializeAndWrite(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state", "store_1"))

	require.NoError(t, store.Initialize(ctx, defaultState), "missing directories are created")
	value, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaultState, value)

	require.NoError(t, store.Write(ctx, "new state"))
	require.NoError(t, store.Initialize(ctx, defaultState), "existing file is left alone")
	value, err = store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new state", value)
}

func TestFileStoreReadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing"))
	_, err := store.Read(context.Background())
	assert.Error(t, err)
}

func TestFileStoreWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewFileStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, store.Write(ctx, defaultState))

	changes, err := store.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.Path(), []byte("changed"), 0o644))
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSQLResource(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	res := NewSQLResource(kv, "store_1")

	_, err := res.Read(ctx)
	assert.Error(t, err)

	require.NoError(t, res.Initialize(ctx, defaultState))
	require.NoError(t, kv.PutResource(ctx, "store_1", "changed"))
	require.NoError(t, res.Initialize(ctx, defaultState))

	value, err := res.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "changed", value)
}

func TestDriftControllerPerformWritesDesired(t *testing.T) {
	ctx := context.Background()
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	require.NoError(t, err)

	store := NewFileStore(filepath.Join(t.TempDir(), "store"))
	d := NewDriftController("test_ctr", "test", store, defaultState, time.Second, WithMetrics(metrics))

	res := d.Perform(ctx)
	assert.True(t, res.OK)

	value, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaultState, value)
}

func TestDriftControllerPerformFailure(t *testing.T) {
	kv := newMemKV()
	kv.err = errors.New("disk full")
	d := NewDriftController("test_ctr", "test", NewSQLResource(kv, "k"), defaultState, time.Second)

	res := d.Perform(context.Background())
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "disk full")
}

func TestDriftControllerNotifiedOnChange(t *testing.T) {
	ctx := context.Background()
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	require.NoError(t, err)
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 4})
	require.NoError(t, err)

	var observed []string
	events.Subscribe(func(e telemetry.Event) { observed = append(observed, e.Type) }, nil)

	kv := newMemKV()
	res := NewSQLResource(kv, "store")
	d := NewDriftController("test_ctr", "test", res, defaultState, 10*time.Millisecond,
		WithMetrics(metrics), WithEvents(events))
	require.NoError(t, d.Initialize(ctx))

	done := make(chan error, 1)
	go func() { done <- d.Notified(ctx) }()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("notified before any drift")
	default:
	}

	require.NoError(t, kv.PutResource(ctx, "store", "new state"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drift was not detected")
	}

	assert.Equal(t, []string{telemetry.EventTypeDriftDetected}, observed)
	count, err := testutil.GatherAndCount(metrics.Registry(), "autonomic_drift_detections_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDriftControllerNotifiedSurvivesReadErrors(t *testing.T) {
	kv := newMemKV()
	kv.err = errors.New("unavailable")
	d := NewDriftController("test_ctr", "test", NewSQLResource(kv, "store"), defaultState, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Notified(ctx), context.DeadlineExceeded)
}

func TestDriftControllerWakesOnFileChange(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "store"))
	d := NewDriftController("test_ctr", "test", store, defaultState, time.Hour)
	require.NoError(t, d.Initialize(ctx))

	done := make(chan error, 1)
	go func() { done <- d.Notified(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(store.Path(), []byte("new state"), 0o644))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("file change did not wake the controller")
	}
}

func TestCyclePhases(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	d := NewDriftController("test_ctr", "test", NewSQLResource(kv, "store"), defaultState, 5*time.Millisecond)
	require.NoError(t, d.Initialize(ctx))

	c := NewCycle(d, nil)
	assert.Equal(t, "test_ctr", c.ID())
	assert.Equal(t, PhaseIdle, c.Phase())

	require.NoError(t, kv.PutResource(ctx, "store", "new state"))
	params, err := c.Activate(ctx)
	require.NoError(t, err)
	assert.Nil(t, params)
	assert.Equal(t, PhaseDrifted, c.Phase())

	res := c.Perform(ctx, nil)
	assert.True(t, res.OK)
	assert.Equal(t, PhaseCorrected, c.Phase())

	value, _, err := kv.GetResource(ctx, "store")
	require.NoError(t, err)
	assert.Equal(t, defaultState, value)

	// Correcting twice in a row goes through the same phases.
	assert.True(t, c.Perform(ctx, nil).OK)
	assert.Equal(t, PhaseCorrected, c.Phase())

	kv.err = errors.New("broken")
	assert.False(t, c.Perform(ctx, nil).OK)
	assert.Equal(t, PhaseFailed, c.Phase())
}

func TestCycleRejectsParameters(t *testing.T) {
	d := NewDriftController("test_ctr", "test", NewSQLResource(newMemKV(), "store"), defaultState, time.Second)
	res := NewCycle(d, nil).Perform(context.Background(), "unexpected")
	assert.False(t, res.OK)
	assert.Equal(t, "Unexpected parameters", res.Message)
}

func TestCycleActivateCancelled(t *testing.T) {
	d := NewDriftController("test_ctr", "test", NewSQLResource(newMemKV(), "store"), defaultState, time.Hour)
	c := NewCycle(d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Activate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseMonitoring, c.Phase())
}

// gatedStore always reports drift and holds every Write until released.
type gatedStore struct {
	writing chan struct{}
	release chan struct{}
}

func (s *gatedStore) Read(context.Context) (string, error) { return "drifted", nil }

func (s *gatedStore) Write(ctx context.Context, _ string) error {
	s.writing <- struct{}{}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCycleKeepsCorrectingWhileSensing(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{writing: make(chan struct{}), release: make(chan struct{})}
	c := NewCycle(NewDriftController("test_ctr", "test", store, defaultState, time.Millisecond), nil)

	done := make(chan bool, 1)
	go func() { done <- c.Perform(ctx, nil).OK }()

	select {
	case <-store.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("correction did not start")
	}
	assert.Equal(t, PhaseCorrecting, c.Phase())

	// The sensor keeps detecting drift while the correction is running.
	for range 3 {
		_, err := c.Activate(ctx)
		require.NoError(t, err)
		assert.Equal(t, PhaseCorrecting, c.Phase())
	}

	close(store.release)
	require.True(t, <-done)
	assert.Equal(t, PhaseCorrected, c.Phase())

	_, err := c.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseDrifted, c.Phase())
}
