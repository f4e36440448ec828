package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for run ID
	RunIDKey ContextKey = "run_id"
	// ProviderKey is the context key for the provider type serving a run
	ProviderKey ContextKey = "provider"
	// SessionIDKey is the context key for session ID
	SessionIDKey ContextKey = "session_id"
	// TaskIDKey is the context key for background task ID
	TaskIDKey ContextKey = "task_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	RunID     string
	Provider  string
	SessionID string
	TaskID    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func getValue(ctx context.Context, key ContextKey) string {
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, RunIDKey, runID)
}

// WithProvider adds a provider type to the context
func WithProvider(ctx context.Context, provider string) context.Context {
	return withValue(ctx, ProviderKey, provider)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, SessionIDKey, sessionID)
}

// WithTaskID adds a background task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return withValue(ctx, TaskIDKey, taskID)
}

func GetTraceID(ctx context.Context) string   { return getValue(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string     { return getValue(ctx, RunIDKey) }
func GetProvider(ctx context.Context) string  { return getValue(ctx, ProviderKey) }
func GetSessionID(ctx context.Context) string { return getValue(ctx, SessionIDKey) }
func GetTaskID(ctx context.Context) string    { return getValue(ctx, TaskIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		Provider:  GetProvider(ctx),
		SessionID: GetSessionID(ctx),
		TaskID:    GetTaskID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.Provider != "" {
		ctx = WithProvider(ctx, tc.Provider)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.TaskID != "" {
		ctx = WithTaskID(ctx, tc.TaskID)
	}
	return ctx
}

// NewRequestContext returns ctx with a trace ID, keeping an existing one
func NewRequestContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext creates a context for one agent run with a fresh run ID
func NewRunContext(ctx context.Context, provider, sessionID string) context.Context {
	ctx = NewRequestContext(ctx)
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithProvider(ctx, provider)
	return WithSessionID(ctx, sessionID)
}
