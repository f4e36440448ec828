package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constHandler(result any) RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		return result, nil
	}
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		err := router.RegisterMethod("test.method", constHandler("result"))
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should replace existing method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.replace", constHandler("first")))
		require.NoError(t, router.RegisterMethod("test.replace", constHandler("second")))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.replace"})
		assert.Equal(t, "second", resp.Result)
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should unregister method", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))

		router.UnregisterMethod("non.existent")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"agent.run","params":{"prompt":"hi"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "agent.run", req.Method)
		assert.JSONEq(t, `{"prompt":"hi"}`, string(req.Params))
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	tests := []struct {
		name    string
		data    string
		code    int
		message string
	}{
		{"should reject malformed JSON", `{invalid json}`, ParseError, "Parse error"},
		{"should reject request without id", `{"method":"agent.run"}`, InvalidRequest, "missing id"},
		{"should reject request without method", `{"id":"1"}`, InvalidRequest, "missing method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			require.Error(t, err)

			var rpcErr *RPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tt.message)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should route params and request id to the handler", func(t *testing.T) {
		var seenID string
		require.NoError(t, router.RegisterMethod("test.echo", func(ctx context.Context, params json.RawMessage) (any, error) {
			seenID = requestIDFromContext(ctx)
			var p struct {
				Input string `json:"input"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return map[string]any{"echo": p.Input}, nil
		}))

		resp := router.RouteRequest(context.Background(), &RPCRequest{
			ID:     "req-1",
			Method: "test.echo",
			Params: json.RawMessage(`{"input":"hello"}`),
		})

		require.Nil(t, resp.Error)
		assert.Equal(t, "req-1", resp.ID)
		assert.Equal(t, "req-1", seenID)
		assert.Equal(t, map[string]any{"echo": "hello"}, resp.Result)
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "unknown.method"})
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should map plain handler errors to internal errors", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.error", func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, fmt.Errorf("handler error")
		}))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.error"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should keep the code of typed handler errors", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.busy", func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, fmt.Errorf("wrapped: %w", &RPCError{Code: SessionBusy, Message: "session busy"})
		}))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.busy"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, SessionBusy, resp.Error.Code)
	})

	t.Run("should reject nil request", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	require.NoError(t, router.RegisterMethod("agent.background", func(ctx context.Context, params json.RawMessage) (any, error) {
		calls++
		return calls, nil
	}))

	t.Run("should replay the cached response for a repeated key", func(t *testing.T) {
		first := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "agent.background", IdempotencyKey: "k"})
		second := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "agent.background", IdempotencyKey: "k"})

		assert.Equal(t, 1, first.Result)
		assert.Equal(t, 1, second.Result)
		assert.Equal(t, "2", second.ID)
		assert.Equal(t, 1, calls)
	})

	t.Run("should not cache requests without a key", func(t *testing.T) {
		router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "agent.background"})
		router.RouteRequest(context.Background(), &RPCRequest{ID: "4", Method: "agent.background"})
		assert.Equal(t, 3, calls)
	})
}

func TestRPCRouter_Methods(t *testing.T) {
	t.Run("should return registered methods sorted", func(t *testing.T) {
		router := NewRPCRouter()
		require.NoError(t, router.RegisterMethod("tasks.stop", constHandler(nil)))
		require.NoError(t, router.RegisterMethod("agent.run", constHandler(nil)))
		require.NoError(t, router.RegisterMethod("plans.get", constHandler(nil)))

		assert.Equal(t, []string{"agent.run", "plans.get", "tasks.stop"}, router.Methods())
	})

	t.Run("should return empty list when no methods registered", func(t *testing.T) {
		assert.Empty(t, NewRPCRouter().Methods())
	})
}
