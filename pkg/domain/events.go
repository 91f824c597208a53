package domain

import "time"

// EventName identifies an observable side effect of a store.
type EventName string

const (
	EventSessionCreated   EventName = "session:created"
	EventSessionUpdated   EventName = "session:updated"
	EventSessionDeleted   EventName = "session:deleted"
	EventSessionSuspended EventName = "session:suspended"
	EventSessionResumed   EventName = "session:resumed"
	EventSyncComplete     EventName = "sync-complete"
	EventError            EventName = "error"
)

// Event is the payload delivered to store observers.
type Event struct {
	Name      EventName `json:"name"`
	SessionID string    `json:"sessionId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	// Fields lists the changed fields for updates.
	Fields []string `json:"fields,omitempty"`
	// Reason qualifies the event, e.g. "evicted" or "expired" on deletes.
	Reason string    `json:"reason,omitempty"`
	Err    error     `json:"-"`
	At     time.Time `json:"at"`
	// Synced is the number of queue entries applied, for sync-complete.
	Synced int `json:"synced,omitempty"`
}

// EventType satisfies the bus' event interface.
func (e Event) EventType() string {
	return string(e.Name)
}
