package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a pinwarden event on the bus.
type EventType string

const (
	// Replication events
	EventReplicationRequested EventType = "replication.requested"
	EventReplicationCompleted EventType = "replication.completed"
	EventReplicationFailed    EventType = "replication.failed"
	EventUnreplicated         EventType = "replication.removed"

	// Backup events
	EventBackupExported EventType = "backup.exported"
	EventBackupImported EventType = "backup.imported"

	// Follower daemon lifecycle events
	EventDaemonStarted   EventType = "daemon.started"
	EventDaemonStopped   EventType = "daemon.stopped"
	EventDaemonUnhealthy EventType = "daemon.unhealthy"
)

// Event is the envelope published for every event type.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent creates an event with a generated id and UTC timestamp.
func NewEvent(eventType EventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher is the narrow surface the core components depend on. A nil
// NoopPublisher-style implementation is used when the bus is unconfigured.
type Publisher interface {
	PublishEvent(ctx context.Context, event *Event) error
}

// Handler consumes delivered events.
type Handler interface {
	Handle(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Noop is a Publisher that drops every event.
type Noop struct{}

// PublishEvent discards the event.
func (Noop) PublishEvent(ctx context.Context, event *Event) error { return nil }
