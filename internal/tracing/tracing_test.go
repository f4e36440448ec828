package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewRunContext(t *testing.T) {
	ctx := NewRunContext(context.Background(), "echo", "s1")

	tc := FromContext(ctx)
	assert.NotEmpty(t, tc.TraceID)
	assert.NotEmpty(t, tc.RunID)
	assert.Equal(t, "echo", tc.Provider)
	assert.Equal(t, "s1", tc.SessionID)
	assert.Empty(t, tc.TaskID)
}

func TestNewRequestContext_KeepsTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	assert.Equal(t, "trace-1", GetTraceID(NewRequestContext(ctx)))
	assert.NotEmpty(t, GetTraceID(NewRequestContext(context.Background())))
}

func TestNewContext_RoundTrip(t *testing.T) {
	in := &TraceContext{TraceID: "t", RunID: "r", Provider: "p", SessionID: "s", TaskID: "k"}
	out := FromContext(NewContext(context.Background(), in))
	assert.Equal(t, in, out)
}

func TestDetachForBackground(t *testing.T) {
	parent, cancel := context.WithCancel(NewRunContext(context.Background(), "echo", "s1"))
	detached := DetachForBackground(parent, "task-1")
	cancel()

	assert.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Equal(t, GetTraceID(parent), GetTraceID(detached))
	assert.Equal(t, "s1", GetSessionID(detached))
	assert.Equal(t, "task-1", GetTaskID(detached))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), &TraceContext{TraceID: "t1", SessionID: "s1", TaskID: "k1"})
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"t1"`)
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.Contains(t, out, `"task_id":"k1"`)
	assert.NotContains(t, out, "run_id")
}

func TestStartSpan(t *testing.T) {
	assert.NoError(t, InitOpenTelemetry("conductor-test"))

	ctx, span := StartSpan(context.Background(), "conductor/test", "unit")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestRunAttributes(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{Provider: "echo", TaskID: "k1"})
	attrs := RunAttributes(ctx)

	assert.Len(t, attrs, 2)
	assert.Equal(t, "conductor.provider", string(attrs[0].Key))
	assert.Equal(t, "k1", attrs[1].Value.AsString())
}
