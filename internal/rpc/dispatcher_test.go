package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoMethod() Method {
	return Method{
		Name:           "echo.say",
		RequiredParams: []string{"text"},
		Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
			return params["text"], nil
		},
	}
}

func TestHandleDispatchesRegisteredMethod(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoMethod()))
	d := NewDispatcher(DispatcherConfig{Registry: reg})

	resp := d.Handle(context.Background(), "conn-1", Request{
		ID: "r1", Method: "echo.say", Params: json.RawMessage(`{"text":"hi"}`),
	})
	assert.True(t, resp.Success)
	assert.Equal(t, "hi", resp.Result)
}

func TestHandleReturnsMethodNotFound(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(DispatcherConfig{Registry: reg})

	resp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "nope"})
	require.False(t, resp.Success)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestHandleReturnsInvalidParamsWhenRequiredParamMissing(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoMethod()))
	d := NewDispatcher(DispatcherConfig{Registry: reg})

	resp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "echo.say", Params: json.RawMessage(`{}`)})
	require.False(t, resp.Success)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestHandleReturnsNotAvailableWhenManagerMissing(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Method{
		Name:             "needs.manager",
		RequiredManagers: []string{"memory"},
		Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
			return "ok", nil
		},
	}))
	d := NewDispatcher(DispatcherConfig{
		Registry: reg,
		Managers: func(name string) bool { return false },
	})

	resp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "needs.manager"})
	require.False(t, resp.Success)
	assert.Equal(t, CodeNotAvailable, resp.Error.Code)
}

func TestHandlePropagatesTaggedErrorCode(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Method{
		Name: "always.blocked",
		Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
			return nil, NewError(CodeBlocked, "guardrail tripped")
		},
	}))
	d := NewDispatcher(DispatcherConfig{Registry: reg})

	resp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "always.blocked"})
	require.False(t, resp.Success)
	assert.Equal(t, CodeBlocked, resp.Error.Code)
	assert.Equal(t, "guardrail tripped", resp.Error.Message)
}

func TestHandleUsesIdempotencyCacheOnRepeatedKey(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	require.NoError(t, reg.Register(Method{
		Name: "counter.increment",
		Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
			calls++
			return calls, nil
		},
	}))
	d := NewDispatcher(DispatcherConfig{
		Registry:         reg,
		IdempotencyCache: NewIdempotencyCache(time.Minute, 16),
	})

	req := Request{ID: "r1", Method: "counter.increment", IdempotencyKey: "key-1"}
	first := d.Handle(context.Background(), "conn-1", req)
	second := d.Handle(context.Background(), "conn-1", req)

	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, 1, calls)
}

func TestHandleIdempotencyKeyIsScopedPerConnection(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	require.NoError(t, reg.Register(Method{
		Name: "counter.increment",
		Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) {
			calls++
			return calls, nil
		},
	}))
	d := NewDispatcher(DispatcherConfig{
		Registry:         reg,
		IdempotencyCache: NewIdempotencyCache(time.Minute, 16),
	})

	req := Request{ID: "r1", Method: "counter.increment", IdempotencyKey: "key-1"}
	d.Handle(context.Background(), "conn-1", req)
	d.Handle(context.Background(), "conn-2", req)

	assert.Equal(t, 2, calls)
}

func TestHandleRejectsWhenAuthnConfigured(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoMethod()))
	d := NewDispatcher(DispatcherConfig{
		Registry: reg,
		Authn: func(ctx context.Context, connectionID string, req Request) error {
			return assertErr{}
		},
	})

	resp := d.Handle(context.Background(), "conn-1", Request{ID: "r1", Method: "echo.say", Params: json.RawMessage(`{"text":"hi"}`)})
	require.False(t, resp.Success)
	assert.Equal(t, CodePermissionDenied, resp.Error.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "unauthenticated" }
