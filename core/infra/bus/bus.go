// Package bus distributes coordination events and agent heartbeats over NATS.
package bus

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types published by the coordinator.
const (
	EventLockAcquired = "lock.acquired"
	EventLockReleased = "lock.released"
	EventLockExpired  = "lock.expired"
	EventAgentFailed  = "agent.failed"
	EventTaskAssigned = "task.assigned"
)

const (
	subjectPrefix = "coord."

	// SubjectHeartbeat carries agent heartbeats. Not durable.
	SubjectHeartbeat = "coord.agent.heartbeat"
)

// Event is the JSON wire record for a coordination state change.
type Event struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Resource string            `json:"resource,omitempty"`
	Agent    string            `json:"agent,omitempty"`
	Task     string            `json:"task,omitempty"`
	Mode     string            `json:"mode,omitempty"`
	At       time.Time         `json:"at"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// NewEvent constructs an event of the given type with id and timestamp set.
func NewEvent(eventType string) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: eventType,
		At:   time.Now().UTC(),
	}
}

// Heartbeat is the JSON wire record agents publish while alive.
type Heartbeat struct {
	AgentID string    `json:"agent_id"`
	Status  string    `json:"status,omitempty"`
	TaskID  string    `json:"task_id,omitempty"`
	At      time.Time `json:"at"`
}

// SubjectForType returns the subject an event type is published on.
func SubjectForType(eventType string) string {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ""
	}
	return subjectPrefix + eventType
}
