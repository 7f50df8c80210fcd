// Package bus provides event bus abstractions for the agent server.
//
// Managers publish lifecycle events fire-and-forget; the monitoring
// component subscribes to keep its counters current. With a NATS URL
// configured the same events are visible to external consumers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the core coordinators.
const (
	SubjectSessionCreated    = "sessions.lifecycle.created"
	SubjectSessionRekeyed    = "sessions.lifecycle.rekeyed"
	SubjectSessionTerminated = "sessions.lifecycle.terminated"
	SubjectRunStarted        = "runs.lifecycle.started"
	SubjectRunCompleted      = "runs.lifecycle.completed"
	SubjectCaptureIngested   = "captures.lifecycle.ingested"
	SubjectMirrorSync        = "mirror.sync.completed"

	// SubjectAllLifecycle matches every lifecycle subject above.
	SubjectAllLifecycle = ">"
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// SessionCreated builds the lifecycle event for a new session.
func SessionCreated(sessionID string) *Event {
	return NewEvent("session.created", "session-manager", map[string]interface{}{
		"session_id": sessionID,
	})
}

// SessionRekeyed builds the lifecycle event for a pending-id rekey.
func SessionRekeyed(oldID, newID string) *Event {
	return NewEvent("session.rekeyed", "session-manager", map[string]interface{}{
		"old_session_id": oldID,
		"new_session_id": newID,
	})
}

// SessionTerminated builds the lifecycle event for a terminated session.
func SessionTerminated(sessionID, reason string) *Event {
	return NewEvent("session.terminated", "session-manager", map[string]interface{}{
		"session_id": sessionID,
		"reason":     reason,
	})
}

// RunStarted builds the lifecycle event for a new command run.
func RunStarted(runID, command, trigger string) *Event {
	return NewEvent("run.started", "command-manager", map[string]interface{}{
		"run_id":  runID,
		"command": command,
		"trigger": trigger,
	})
}

// RunCompleted builds the lifecycle event for a finished command run.
func RunCompleted(runID, command, status string) *Event {
	return NewEvent("run.completed", "command-manager", map[string]interface{}{
		"run_id":  runID,
		"command": command,
		"status":  status,
	})
}

// CaptureIngested builds the lifecycle event for an accepted capture.
func CaptureIngested(captureID, source, path string) *Event {
	return NewEvent("capture.ingested", "capture-ingestor", map[string]interface{}{
		"capture_id": captureID,
		"source":     source,
		"path":       path,
	})
}

// MirrorSyncCompleted builds the event recording one mirror operation.
func MirrorSyncCompleted(operation, outcome, errText string) *Event {
	data := map[string]interface{}{
		"operation": operation,
		"outcome":   outcome,
	}
	if errText != "" {
		data["error"] = errText
	}
	return NewEvent("mirror.sync", "mirror-coordinator", data)
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
