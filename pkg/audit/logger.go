// Package audit provides an audit trail for session-level events:
// authentication changes, async task lifecycle and permission refreshes.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	SessionID string
	UserID    string
	Type      EventType
	Success   *bool
	Limit     int
	Offset    int
}

// SlogLogger writes audit events to structured logs.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates an audit logger backed by slog. A nil logger uses
// the default.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Log records an audit event.
func (l *SlogLogger) Log(ctx context.Context, event Event) error {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event_id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("session_id", event.SessionID),
		slog.String("user_id", event.UserID),
		slog.String("provider", event.Provider),
		slog.String("task_id", event.TaskID),
		slog.Bool("success", event.Success),
		slog.String("error", event.ErrorMessage),
		slog.Int64("duration_ms", event.DurationMS),
	)
	return nil
}

// Query is not supported by the slog backend.
func (l *SlogLogger) Query(_ context.Context, _ QueryFilter) ([]Event, error) {
	return nil, nil
}

// Close releases resources.
func (l *SlogLogger) Close() error { return nil }

// NopLogger discards all audit events.
type NopLogger struct{}

// Log discards the event.
func (NopLogger) Log(_ context.Context, _ Event) error { return nil }

// Query returns no events.
func (NopLogger) Query(_ context.Context, _ QueryFilter) ([]Event, error) { return nil, nil }

// Close releases resources.
func (NopLogger) Close() error { return nil }

// Verify interface compliance.
var (
	_ Logger = (*SlogLogger)(nil)
	_ Logger = NopLogger{}
)
