package operation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name string
}

func TestParamsAs(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		p, err := ParamsAs[payload](payload{Name: "a"})
		require.NoError(t, err)
		assert.Equal(t, "a", p.Name)
	})

	t.Run("pointer", func(t *testing.T) {
		p, err := ParamsAs[payload](&payload{Name: "b"})
		require.NoError(t, err)
		assert.Equal(t, "b", p.Name)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ParamsAs[payload](nil)
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeParametersRequired))
		assert.Contains(t, err.Error(), "Parameters required")
	})

	t.Run("nil pointer", func(t *testing.T) {
		var p *payload
		_, err := ParamsAs[payload](p)
		assert.True(t, HasCode(err, ErrCodeParametersRequired))
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := ParamsAs[payload]("not a payload")
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeUnexpectedParameters))
		assert.True(t, IsRejected(err))
		assert.Contains(t, err.Error(), "Unexpected parameters")
	})
}

func TestInvokeRecoversPanic(t *testing.T) {
	op := NewFunc("boom", "panics", func(context.Context, Parameters) Result {
		panic("Unexpected Error")
	})

	res, perr := Invoke(context.Background(), op, nil)
	require.NotNil(t, perr)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, "Unexpected Error", perr.Message())
	assert.NotEmpty(t, perr.Stack)
}

func TestInvokePanicWithError(t *testing.T) {
	op := NewFunc("boom", "panics", func(context.Context, Parameters) Result {
		panic(errors.New("wrapped"))
	})

	_, perr := Invoke(context.Background(), op, nil)
	require.NotNil(t, perr)
	assert.Equal(t, "wrapped", perr.Message())
	assert.Contains(t, perr.Error(), "operation panicked")
}

func TestInvokePassesResult(t *testing.T) {
	op := NewFunc("echo", "returns its parameters", func(_ context.Context, p Parameters) Result {
		return Ok(p.(string))
	})

	res, perr := Invoke(context.Background(), op, "hello")
	assert.Nil(t, perr)
	assert.Equal(t, Ok("hello"), res)
	assert.Equal(t, "echo", op.ID())
	assert.Equal(t, "returns its parameters", op.Description())
}

func TestFromResult(t *testing.T) {
	assert.Equal(t, OpState{Kind: StateOk, Message: "done"}, FromResult(Ok("done")))
	assert.Equal(t, OpState{Kind: StateFailed}, FromResult(Err("")))
	assert.False(t, Started().IsTerminal())
	assert.True(t, Aborted().IsTerminal())
	assert.True(t, Locked("").IsTerminal())
}

func TestErrorFormatting(t *testing.T) {
	err := NewRejectedError("operation is locked", nil).
		WithController("ctrl").
		WithOperation("op").
		WithCode(ErrCodeLocked)

	assert.Equal(t, "[rejected] operation is locked (controller=ctrl, operation=op)", err.Error())
	assert.True(t, errors.Is(err, &Error{Class: ErrorClassRejected, Code: ErrCodeLocked}))
	assert.Equal(t, ErrCodeLocked, CodeOf(err))
	assert.False(t, IsNotFound(err))
}
