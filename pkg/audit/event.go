package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	// EventTypeAuth is an authentication change (login, logout, anonymous).
	EventTypeAuth EventType = "auth"

	// EventTypeTask is an async task lifecycle event.
	EventTypeTask EventType = "task"

	// EventTypePermission is a permission refresh or grant change.
	EventTypePermission EventType = "permission"

	// EventTypeSession is a session lifecycle event (open, close, expire).
	EventTypeSession EventType = "session"
)

// Event represents an auditable session event.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	TaskName     string         `json:"task_name,omitempty"`
	RemoteAddr   string         `json:"remote_addr,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
}

// NewEvent creates an audit event of the given type for a session.
func NewEvent(eventType EventType, sessionID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Success:   true,
	}
}

// WithUser adds the resolved user to the event.
func (e *Event) WithUser(userID string) *Event {
	e.UserID = userID
	return e
}

// WithProvider adds the auth provider to the event.
func (e *Event) WithProvider(provider string) *Event {
	e.Provider = provider
	return e
}

// WithTask adds task information to the event.
func (e *Event) WithTask(taskID, taskName string) *Event {
	e.TaskID = taskID
	e.TaskName = taskName
	return e
}

// WithRemoteAddr adds the client address to the event.
func (e *Event) WithRemoteAddr(addr string) *Event {
	e.RemoteAddr = addr
	return e
}

// WithDetails adds free-form details to the event.
func (e *Event) WithDetails(details map[string]any) *Event {
	e.Details = details
	return e
}

// WithError marks the event as failed.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Success = false
		e.ErrorMessage = err.Error()
	}
	return e
}

// WithDuration adds the operation duration to the event.
func (e *Event) WithDuration(d time.Duration) *Event {
	e.DurationMS = d.Milliseconds()
	return e
}
