// Package notify delivers best-effort, user-facing notifications. Delivery
// failures are logged and never returned to the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"transfer-orchestrator/backend/internal/events"
)

// Level is the severity shown to the user.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is the payload of a notification event.
type Notification struct {
	Level     Level  `json:"level"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ProcessID string `json:"process_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Publisher is satisfied by *events.Hub.
type Publisher interface {
	Publish(e events.Event) events.Event
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Notifier publishes notifications on the event hub.
type Notifier struct {
	pub    Publisher
	logger Logger
}

func New(pub Publisher, logger Logger) *Notifier {
	return &Notifier{pub: pub, logger: logger}
}

// Notify sends n to ownerID. It never fails.
func (n *Notifier) Notify(_ context.Context, ownerID string, note Notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("notification delivery panicked", "owner_id", ownerID, "panic", fmt.Sprint(r))
		}
	}()

	data, err := json.Marshal(note)
	if err != nil {
		n.logger.Warn("failed to encode notification", "owner_id", ownerID, "title", note.Title, "error", err)
		return
	}
	e := n.pub.Publish(events.Event{
		Name:      events.NameNotification,
		OwnerID:   ownerID,
		ProcessID: note.ProcessID,
		Data:      data,
	})
	n.logger.Debug("notification sent", "owner_id", ownerID, "event_id", e.ID, "level", note.Level)
}
