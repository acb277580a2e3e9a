package coordination

import (
	"context"
	"strconv"
	"strings"

	"github.com/corralhq/corral/core/infra/audit"
	"github.com/corralhq/corral/core/infra/bus"
	"github.com/corralhq/corral/core/infra/locks"
	"github.com/corralhq/corral/core/infra/logging"
	"github.com/corralhq/corral/core/infra/registry"
)

// CoordinateMultiResource claims every listed resource exclusively for the
// task, in the given order, without waiting. The first conflict rolls back
// everything acquired so far. All-or-nothing: true means the agent holds
// all of them.
func (m *Manager) CoordinateMultiResource(ctx context.Context, task, agent string, resources []string) bool {
	task = strings.TrimSpace(task)
	agent = strings.TrimSpace(agent)
	if task == "" || agent == "" || len(resources) == 0 {
		return false
	}

	acquired := make([]string, 0, len(resources))
	for _, resource := range resources {
		if m.Acquire(ctx, resource, agent, locks.ModeExclusive, m.leaseTTL(resource), false, 0) {
			acquired = append(acquired, resource)
			continue
		}
		logging.Info(component, "Multi-resource coordination conflict; rolling back",
			"task", task, "agent", agent, "resource", resource, "held", len(acquired))
		for _, held := range acquired {
			m.Release(ctx, held, agent)
		}
		return false
	}
	logging.Info(component, "Coordinated resources for task", "task", task, "agent", agent, "resources", len(resources))
	return true
}

// HandleAgentFailure runs the failure cascade: drop every lock the agent
// holds, flip its status to ERROR, and append an audit record when error
// details were supplied. Returns false only when the cascade could not be
// completed; the lock release itself is best effort and never blocks it.
func (m *Manager) HandleAgentFailure(ctx context.Context, agent, errorInfo string) bool {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return false
	}

	var task string
	if found, err := m.registry.GetAgent(ctx, agent); err == nil && found != nil {
		task = found.CurrentTaskID
	}

	released := m.ReleaseAllForAgent(ctx, agent)

	ok := true
	if err := m.registry.UpdateStatus(ctx, agent, registry.StatusError); err != nil {
		logging.Error(component, "Failed to mark agent errored", "agent", agent, "error", err.Error())
		ok = false
	}

	if errorInfo != "" && m.recorder != nil {
		record := audit.Record{
			Agent:      agent,
			Task:       task,
			ActionType: audit.ActionAgentFailure,
			Outcome:    audit.OutcomeFailure,
			Metadata: map[string]string{
				"error":          errorInfo,
				"released_locks": strconv.Itoa(released),
			},
		}
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
		err := m.recorder.Append(opCtx, record)
		cancel()
		if err != nil {
			logging.Error(component, "Failed to append failure audit record", "agent", agent, "error", err.Error())
			ok = false
		}
	}

	m.metrics.IncAgentFailures()
	event := bus.NewEvent(bus.EventAgentFailed)
	event.Agent, event.Task = agent, task
	if errorInfo != "" {
		event.Meta = map[string]string{"error": errorInfo}
	}
	m.announce(event)
	logging.Info(component, "Agent failure handled", "agent", agent, "released_locks", released)
	return ok
}

// AssignTask binds task to agent with a compare-and-set guard: a task held
// by a different agent is rejected without touching the registry, while an
// unassigned task or a re-assignment to the same agent goes through.
// Eligibility is re-checked right before the write.
func (m *Manager) AssignTask(ctx context.Context, task, agent string) bool {
	task = strings.TrimSpace(task)
	agent = strings.TrimSpace(agent)
	if task == "" || agent == "" {
		return false
	}

	m.mu.Lock()
	accepted := m.assignLocked(ctx, task, agent)
	m.mu.Unlock()

	if !accepted {
		m.metrics.IncAssignments("rejected")
		return false
	}
	m.metrics.IncAssignments("accepted")
	event := bus.NewEvent(bus.EventTaskAssigned)
	event.Agent, event.Task = agent, task
	m.announce(event)
	return true
}

func (m *Manager) assignLocked(ctx context.Context, task, agent string) bool {
	holders, err := m.registry.ListAgents(ctx, registry.Filter{Task: task})
	if err != nil {
		logging.Error(component, "Registry task lookup failed", "task", task, "error", err.Error())
		return false
	}
	for _, holder := range holders {
		if holder.ID != agent {
			logging.Info(component, "Task already assigned to another agent", "task", task, "agent", agent, "holder", holder.ID)
			return false
		}
	}

	found, err := m.registry.GetAgent(ctx, agent)
	if err != nil {
		logging.Error(component, "Registry lookup failed", "agent", agent, "error", err.Error())
		return false
	}
	if found == nil || !found.Status.Eligible() {
		logging.Info(component, "Assignment rejected; agent not eligible", "task", task, "agent", agent)
		return false
	}

	if err := m.registry.UpdateAssignment(ctx, agent, task); err != nil {
		logging.Error(component, "Assignment write failed", "task", task, "agent", agent, "error", err.Error())
		return false
	}
	return true
}

// ShareKnowledge hands a knowledge entry to the cache for the target agent.
// Not part of the locking invariants; a missing cache just reports false.
func (m *Manager) ShareKnowledge(ctx context.Context, fromAgent, targetAgent, key string, value []byte) bool {
	fromAgent = strings.TrimSpace(fromAgent)
	targetAgent = strings.TrimSpace(targetAgent)
	key = strings.TrimSpace(key)
	if targetAgent == "" || key == "" {
		return false
	}
	if m.knowledge == nil {
		logging.Debug(component, "Knowledge share dropped; no cache configured", "target", targetAgent, "key", key)
		return false
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	err := m.knowledge.Save(opCtx, targetAgent, key, value)
	cancel()
	if err != nil {
		logging.Error(component, "Knowledge share failed", "from", fromAgent, "target", targetAgent, "key", key, "error", err.Error())
		return false
	}
	logging.Debug(component, "Knowledge shared", "from", fromAgent, "target", targetAgent, "key", key)
	return true
}
