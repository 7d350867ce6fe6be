package websession

import (
	"sync"
	"time"
)

// MessageType categorizes session log entries.
type MessageType string

const (
	// MessageInfo is a diagnostic message.
	MessageInfo MessageType = "info"

	// MessageWarning is a non-fatal problem.
	MessageWarning MessageType = "warning"

	// MessageError is a recorded failure.
	MessageError MessageType = "error"
)

// Message is a session-scoped log entry.
type Message struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// maxLogEntries bounds the session log; oldest entries are dropped first.
const maxLogEntries = 1000

// messageLog is a bounded, drainable list of session messages.
type messageLog struct {
	mu       sync.Mutex
	messages []Message
}

func (l *messageLog) add(msgType MessageType, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, Message{
		Type:      msgType,
		Text:      text,
		Timestamp: time.Now(),
	})
	if len(l.messages) > maxLogEntries {
		l.messages = l.messages[len(l.messages)-maxLogEntries:]
	}
}

// read returns up to maxEntries messages in order. maxEntries <= 0 means
// all. When clear is set, returned messages are removed from the log.
func (l *messageLog) read(maxEntries int, clear bool) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.messages)
	if maxEntries > 0 && maxEntries < n {
		n = maxEntries
	}
	out := make([]Message, n)
	copy(out, l.messages[:n])
	if clear {
		l.messages = append([]Message(nil), l.messages[n:]...)
	}
	return out
}
