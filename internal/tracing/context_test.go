package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithWindowID(ctx, "win-1")
	ctx = WithVault(ctx, "/vaults/notes")
	ctx = WithRequestID(ctx, "req-1")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" || tc.WindowID != "win-1" || tc.Vault != "/vaults/notes" || tc.RequestID != "req-1" {
		t.Errorf("unexpected trace context: %+v", tc)
	}
}

func TestEmptyContext(t *testing.T) {
	if got := GetWindowID(context.Background()); got != "" {
		t.Errorf("expected empty window id, got %q", got)
	}
	//nolint:staticcheck // nil context is tolerated on purpose
	if got := GetTraceID(nil); got != "" {
		t.Errorf("expected empty trace id for nil context, got %q", got)
	}
}

func TestNewWindowContext(t *testing.T) {
	ctx := NewWindowContext(context.Background(), "win-7")

	if GetTraceID(ctx) == "" {
		t.Error("expected a trace id")
	}
	if GetWindowID(ctx) != "win-7" {
		t.Errorf("expected window id win-7, got %s", GetWindowID(ctx))
	}

	existing := WithTraceID(context.Background(), "keep-me")
	ctx = NewWindowContext(existing, "win-8")
	if GetTraceID(ctx) != "keep-me" {
		t.Errorf("expected existing trace id to be kept, got %s", GetTraceID(ctx))
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithVault(WithWindowID(WithTraceID(context.Background(), "t-1"), "w-1"), "/v")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("flushed")

	out := buf.String()
	for _, want := range []string{`"trace_id":"t-1"`, `"window_id":"w-1"`, `"vault":"/v"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}
