package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// WindowIDKey is the context key for the editor window an operation belongs to
	WindowIDKey ContextKey = "window_id"
	// VaultKey is the context key for the vault directory bound to that window
	VaultKey ContextKey = "vault"
	// RequestIDKey is the context key for the gateway request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	WindowID  string
	Vault     string
	RequestID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithWindowID adds a window ID to the context
func WithWindowID(ctx context.Context, windowID string) context.Context {
	return context.WithValue(ctx, WindowIDKey, windowID)
}

// WithVault adds a vault directory to the context
func WithVault(ctx context.Context, vault string) context.Context {
	return context.WithValue(ctx, VaultKey, vault)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey) }

// GetWindowID retrieves the window ID from the context
func GetWindowID(ctx context.Context) string { return getString(ctx, WindowIDKey) }

// GetVault retrieves the vault directory from the context
func GetVault(ctx context.Context) string { return getString(ctx, VaultKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return getString(ctx, RequestIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		WindowID:  GetWindowID(ctx),
		Vault:     GetVault(ctx),
		RequestID: GetRequestID(ctx),
	}
}

// NewWindowContext starts a fresh trace for an operation on a window.
func NewWindowContext(ctx context.Context, windowID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithWindowID(ctx, windowID)
}

// LoggerFromContext returns baseLogger enriched with the tracing fields
// present in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.WindowID != "" {
		lc = lc.Str("window_id", tc.WindowID)
	}
	if tc.Vault != "" {
		lc = lc.Str("vault", tc.Vault)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}

	return lc.Logger()
}
