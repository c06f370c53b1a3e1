package observability

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one entry of the vault audit trail: which window bound or
// released which vault, and which files were deleted or renamed through it.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	WindowID  string                 `json:"window_id,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger. Events are discarded
// until InitAuditLogger names a file.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditInst == nil {
		auditInst = &AuditLogger{logger: zerolog.New(io.Discard)}
	}
	return auditInst
}

// InitAuditLogger redirects the audit trail to path.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst != nil && auditInst.file != nil {
		auditInst.file.Close()
	}
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	return nil
}

// Record emits event and mirrors it as a span event when ctx carries a span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.window", event.WindowID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("window_id", event.WindowID).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close closes the audit file, if any. Later events are discarded.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		a.logger = zerolog.New(io.Discard)
		return err
	}
	return nil
}

// RecordVaultAudit records a bind/unbind of a vault directory.
func RecordVaultAudit(ctx context.Context, action, windowID, directory, status string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "vault",
		WindowID: windowID,
		Action:   action,
		Status:   status,
		Metadata: map[string]interface{}{"directory": directory},
	})
}

// RecordFileAudit records a destructive file operation requested by a window.
func RecordFileAudit(ctx context.Context, action, windowID string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "file",
		WindowID: windowID,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}

// RecordSecurityAudit records gateway authentication outcomes.
func RecordSecurityAudit(ctx context.Context, action, clientID, status string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "security",
		WindowID: clientID,
		Action:   action,
		Status:   status,
	})
}
