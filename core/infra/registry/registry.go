package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is an agent's lifecycle state in the registry.
type Status string

const (
	StatusInit   Status = "INIT"
	StatusActive Status = "ACTIVE"
	StatusIdle   Status = "IDLE"
	StatusError  Status = "ERROR"
)

// ParseStatus converts a raw string into a Status, rejecting unknown values.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusInit:
		return StatusInit, nil
	case StatusActive:
		return StatusActive, nil
	case StatusIdle:
		return StatusIdle, nil
	case StatusError:
		return StatusError, nil
	}
	return "", fmt.Errorf("unknown agent status %q", raw)
}

// Valid reports whether the status is one of the known variants.
func (s Status) Valid() bool {
	switch s {
	case StatusInit, StatusActive, StatusIdle, StatusError:
		return true
	}
	return false
}

// Eligible reports whether an agent in this status may acquire locks or
// receive task assignments.
func (s Status) Eligible() bool {
	return s == StatusInit || s == StatusActive
}

// Agent is one coordination participant as the registry sees it.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Status        Status    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Filter narrows ListAgents output. Zero values match everything.
type Filter struct {
	Status Status
	Task   string
}

func (f Filter) matches(agent Agent) bool {
	if f.Status != "" && agent.Status != f.Status {
		return false
	}
	if f.Task != "" && agent.CurrentTaskID != f.Task {
		return false
	}
	return true
}

// ErrAgentNotFound is returned by writes against an unregistered agent id.
// Reads report absence as (nil, nil) instead.
var ErrAgentNotFound = errors.New("agent not found")

// Registry is the coordination view of agent identity and status.
type Registry interface {
	// GetAgent returns the agent or (nil, nil) when the id is unknown.
	GetAgent(ctx context.Context, id string) (*Agent, error)
	// PutAgent registers or replaces an agent record.
	PutAgent(ctx context.Context, agent Agent) error
	// UpdateStatus sets the lifecycle state of an existing agent.
	UpdateStatus(ctx context.Context, id string, status Status) error
	// UpdateAssignment sets (or clears, with task == "") the current task.
	UpdateAssignment(ctx context.Context, id, task string) error
	// UpdateHeartbeat refreshes the agent's last-seen timestamp.
	UpdateHeartbeat(ctx context.Context, id string) error
	// ListAgents returns registered agents matching the filter.
	ListAgents(ctx context.Context, filter Filter) ([]Agent, error)
}
