package registry

import (
	"time"
)

// Snapshot captures a point-in-time view of agent availability.
type Snapshot struct {
	CapturedAt   string                        `json:"captured_at"`
	Statuses     map[Status]StatusSnapshot     `json:"statuses,omitempty"`
	Capabilities map[string]CapabilitySnapshot `json:"capabilities,omitempty"`
	Agents       []AgentSummary                `json:"agents,omitempty"`
}

// AgentSummary is a compact representation of one registered agent.
type AgentSummary struct {
	ID            string   `json:"id"`
	Status        Status   `json:"status"`
	CurrentTaskID string   `json:"current_task_id,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	LastSeen      string   `json:"last_seen,omitempty"`
}

// StatusSnapshot aggregates agent counts per lifecycle state.
type StatusSnapshot struct {
	Agents   int `json:"agents"`
	Assigned int `json:"assigned"`
}

// CapabilitySnapshot maps a capability to agent availability.
type CapabilitySnapshot struct {
	Agents    int  `json:"agents"`
	Eligible  int  `json:"eligible"`
	Available bool `json:"available"`
}

// BuildSnapshot aggregates registry state for control-plane consumers. An
// eligible agent without a current task counts as available capacity for
// each of its capabilities.
func BuildSnapshot(agents []Agent) Snapshot {
	statuses := map[Status]StatusSnapshot{}
	capabilities := map[string]CapabilitySnapshot{}
	summaries := make([]AgentSummary, 0, len(agents))

	for _, agent := range agents {
		summary := AgentSummary{
			ID:            agent.ID,
			Status:        agent.Status,
			CurrentTaskID: agent.CurrentTaskID,
			Capabilities:  agent.Capabilities,
		}
		if !agent.LastSeen.IsZero() {
			summary.LastSeen = agent.LastSeen.UTC().Format(time.RFC3339)
		}
		summaries = append(summaries, summary)

		status := statuses[agent.Status]
		status.Agents++
		if agent.CurrentTaskID != "" {
			status.Assigned++
		}
		statuses[agent.Status] = status

		free := agent.Status.Eligible() && agent.CurrentTaskID == ""
		for _, capability := range agent.Capabilities {
			if capability == "" {
				continue
			}
			snap := capabilities[capability]
			snap.Agents++
			if free {
				snap.Eligible++
			}
			snap.Available = snap.Eligible > 0
			capabilities[capability] = snap
		}
	}

	return Snapshot{
		CapturedAt:   time.Now().UTC().Format(time.RFC3339),
		Statuses:     statuses,
		Capabilities: capabilities,
		Agents:       summaries,
	}
}
