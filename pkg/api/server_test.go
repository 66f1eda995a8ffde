package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geo-mak/autonomic-playground/pkg/controller"
	"github.com/geo-mak/autonomic-playground/pkg/manager"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/playground"
	"github.com/geo-mak/autonomic-playground/pkg/sensor"
)

const ctrl = "controller"

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv is a manager with a playground operation, a blocking operation and
// a file-backed drift controller, served by an httptest server.
type testEnv struct {
	manager   *manager.Manager
	server    *httptest.Server
	client    *Client
	storePath string
	entered   chan struct{}
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	m := manager.New()
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	require.NoError(t, m.Submit(ctrl, playground.New("main_operation", "main", nil),
		manager.WithParameters[playground.PlayParameters](),
		manager.WithSensor(sensor.New(sensor.Interval(3600, playground.OkParameters("tick"))), false),
	))
	require.NoError(t, m.Submit(ctrl, playground.New("secondary_operation", "secondary", nil),
		manager.WithParameters[playground.PlayParameters](),
	))

	entered := make(chan struct{}, 1)
	require.NoError(t, m.Submit(ctrl, operation.NewFunc("blocking", "waits for cancellation",
		func(ctx context.Context, _ operation.Parameters) operation.Result {
			entered <- struct{}{}
			<-ctx.Done()
			return operation.Err("cancelled")
		})))

	storePath := filepath.Join(t.TempDir(), "store_1")
	drift := controller.NewDriftController("controller_1", "drift", controller.NewFileStore(storePath), "default state", time.Hour)
	require.NoError(t, drift.Initialize(context.Background()))
	require.NoError(t, m.SubmitController(drift))

	srv := httptest.NewServer(NewServer(m).Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		manager:   m,
		server:    srv,
		client:    NewClient(srv.URL),
		storePath: storePath,
		entered:   entered,
	}
}

func (e *testEnv) activate(t *testing.T, op string, params any) []operation.OpState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var states []operation.OpState
	err := e.client.Activate(ctx, ctrl, op, params, func(s operation.OpState) {
		states = append(states, s)
	})
	require.NoError(t, err)
	return states
}

func requireAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var apiErr *ErrorResponse
	require.True(t, errors.As(err, &apiErr), "expected *ErrorResponse, got %v", err)
	assert.Equal(t, status, apiErr.Status)
	assert.Equal(t, code, apiErr.Code)
}

func TestHealthz(t *testing.T) {
	env := setupTestEnv(t)
	assert.NoError(t, env.client.Health(context.Background()))

	failing := httptest.NewServer(NewServer(env.manager, WithHealthCheck(func(context.Context) error {
		return errors.New("database unavailable")
	})).Handler())
	defer failing.Close()

	err := NewClient(failing.URL).Health(context.Background())
	var apiErr *ErrorResponse
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestListControllers(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	controllers, err := env.client.Controllers(ctx)
	require.NoError(t, err)
	require.Len(t, controllers, 2)
	assert.Equal(t, ctrl, controllers[0].ID)
	assert.Len(t, controllers[0].Operations, 3)
	assert.Equal(t, "controller_1", controllers[1].ID)

	ops, err := env.client.Operations(ctx, ctrl)
	require.NoError(t, err)
	assert.Equal(t, "main_operation", ops[0].ID)

	info, err := env.client.Operation(ctx, ctrl, "main_operation")
	require.NoError(t, err)
	assert.True(t, info.HasSensor)
	assert.False(t, info.Locked)

	_, err = env.client.Operation(ctx, ctrl, "missing")
	requireAPIError(t, err, http.StatusNotFound, operation.ErrCodeNotFound)

	_, err = env.client.Operations(ctx, "nobody")
	requireAPIError(t, err, http.StatusNotFound, operation.ErrCodeNotFound)
}

func TestActivateStreams(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name   string
		params any
		want   []operation.OpState
	}{
		{
			name:   "ok",
			params: playground.OkParameters("Welcome to autonomic!"),
			want:   []operation.OpState{operation.Started(), operation.Succeeded("Welcome to autonomic!")},
		},
		{
			name:   "err",
			params: playground.ErrParameters("Expected Error"),
			want:   []operation.OpState{operation.Started(), operation.Failed("Expected Error")},
		},
		{
			name:   "panic",
			params: playground.PanicParameters(),
			want:   []operation.OpState{operation.Started(), operation.Panicked(playground.PanicMessage)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.activate(t, "secondary_operation", tt.params))
		})
	}
}

func TestActivateRawStream(t *testing.T) {
	env := setupTestEnv(t)

	body := `{"parameters":{"play":{"kind":"ok","message":"raw"}}}`
	resp, err := http.Post(env.server.URL+"/controllers/controller/operations/main_operation/activate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeNDJSON, resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{\"state\":\"started\"}\n{\"state\":\"ok\",\"message\":\"raw\"}\n", string(raw))
}

func TestActivateRejections(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	err := env.client.Activate(ctx, ctrl, "missing", nil, func(operation.OpState) {})
	requireAPIError(t, err, http.StatusNotFound, operation.ErrCodeNotFound)

	err = env.client.Activate(ctx, ctrl, "main_operation", map[string]any{"play": "nonsense"}, func(operation.OpState) {})
	requireAPIError(t, err, http.StatusBadRequest, operation.ErrCodeUnexpectedParameters)

	require.NoError(t, env.client.Lock(ctx, ctrl, "main_operation"))
	states := env.activate(t, "main_operation", playground.OkParameters("hi"))
	assert.Equal(t, []operation.OpState{operation.Locked("")}, states)

	require.NoError(t, env.client.Unlock(ctx, ctrl, "main_operation"))
	states = env.activate(t, "main_operation", playground.OkParameters("hi"))
	assert.Equal(t, operation.Succeeded("hi"), states[len(states)-1])
}

func TestAbortAndBusy(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := env.client.Abort(ctx, ctrl, "blocking")
	requireAPIError(t, err, http.StatusConflict, operation.ErrCodeNotActive)

	done := make(chan []operation.OpState, 1)
	go func() {
		var states []operation.OpState
		_ = env.client.Activate(ctx, ctrl, "blocking", nil, func(s operation.OpState) {
			states = append(states, s)
		})
		done <- states
	}()

	select {
	case <-env.entered:
	case <-ctx.Done():
		t.Fatal("blocking operation never started")
	}

	active, err := env.client.Active(ctx, ctrl)
	require.NoError(t, err)
	assert.Equal(t, []string{"blocking"}, active)

	busy := env.activate(t, "blocking", nil)
	assert.Equal(t, []operation.OpState{operation.Locked("operation is already active")}, busy)

	require.NoError(t, env.client.Abort(ctx, ctrl, "blocking"))

	select {
	case states := <-done:
		assert.Equal(t, []operation.OpState{operation.Started(), operation.Aborted()}, states)
	case <-ctx.Done():
		t.Fatal("stream did not end after abort")
	}
}

func TestSensorControl(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	err := env.client.ActivateSensor(ctx, ctrl, "secondary_operation")
	requireAPIError(t, err, http.StatusNotFound, operation.ErrCodeNoSensor)

	require.NoError(t, env.client.ActivateSensor(ctx, ctrl, "main_operation"))
	info, err := env.client.Operation(ctx, ctrl, "main_operation")
	require.NoError(t, err)
	assert.True(t, info.Sensing)

	require.NoError(t, env.client.DeactivateSensor(ctx, ctrl, "main_operation"))
	info, err = env.client.Operation(ctx, ctrl, "main_operation")
	require.NoError(t, err)
	assert.False(t, info.Sensing)

	require.NoError(t, env.client.Lock(ctx, ctrl, "main_operation"))
	err = env.client.ActivateSensor(ctx, ctrl, "main_operation")
	requireAPIError(t, err, http.StatusConflict, operation.ErrCodeLocked)
}

func TestChangeState(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.client.ChangeState(ctx, "controller_1", "drifted"))
	data, err := os.ReadFile(env.storePath)
	require.NoError(t, err)
	assert.Equal(t, "drifted", string(data))

	err = env.client.ChangeState(ctx, ctrl, "drifted")
	requireAPIError(t, err, http.StatusNotFound, operation.ErrCodeNotFound)

	resp, err := http.Post(env.server.URL+"/change_state/controller_1", "application/json", bytes.NewBufferString(`{"not":"a string"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryWithoutJournal(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	records, err := env.client.History(ctx, ctrl, "main_operation", 5)
	require.NoError(t, err)
	assert.Empty(t, records)

	resp, err := http.Get(env.server.URL + "/controllers/controller/operations/main_operation/history?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShutdownRejectsActivation(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.manager.Shutdown(context.Background()))

	err := env.client.Activate(context.Background(), ctrl, "main_operation", nil, func(operation.OpState) {})
	requireAPIError(t, err, http.StatusServiceUnavailable, operation.ErrCodeShuttingDown)
}

func TestCodec(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(operation.Started()))
	require.NoError(t, enc.Encode(operation.Failed("boom")))
	assert.Error(t, enc.Encode(operation.OpState{Kind: "bogus"}))

	buf.WriteString("\n")
	dec := NewDecoder(&buf)

	state, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, operation.Started(), state)

	state, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, operation.Failed("boom"), state)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)

	_, err = NewDecoder(strings.NewReader(`{"state":"weird"}` + "\n")).Decode()
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{operation.ErrCodeNotFound, http.StatusNotFound},
		{operation.ErrCodeNoSensor, http.StatusNotFound},
		{operation.ErrCodeBusy, http.StatusConflict},
		{operation.ErrCodeDenied, http.StatusForbidden},
		{operation.ErrCodeParametersRequired, http.StatusBadRequest},
		{operation.ErrCodeShuttingDown, http.StatusServiceUnavailable},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := operation.NewRejectedError("x", nil).WithCode(tt.code)
		assert.Equal(t, tt.want, StatusFor(err), tt.code)
	}
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("plain")))
}
