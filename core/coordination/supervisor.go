package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corralhq/corral/core/infra/bus"
	"github.com/corralhq/corral/core/infra/logging"
	"github.com/corralhq/corral/core/infra/registry"
)

const (
	supervisorComponent = "supervisor"

	defaultHeartbeatTimeout = 90 * time.Second
	defaultHeartbeatCheck   = 30 * time.Second
)

// Supervisor tracks agent liveness. Heartbeats from the bus refresh the
// registry; a periodic sweep runs the failure cascade for any non-errored
// agent that has gone quiet past the timeout.
type Supervisor struct {
	manager  *Manager
	registry AgentDirectory
	timeout  time.Duration
	interval time.Duration
}

// NewSupervisor builds a supervisor around the manager's failure cascade.
// Non-positive durations fall back to the defaults.
func NewSupervisor(manager *Manager, directory AgentDirectory, timeout, interval time.Duration) *Supervisor {
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}
	if interval <= 0 {
		interval = defaultHeartbeatCheck
	}
	return &Supervisor{manager: manager, registry: directory, timeout: timeout, interval: interval}
}

// HandleHeartbeat refreshes the agent's last-seen timestamp. Heartbeats
// from agents the registry does not know are dropped; registration is
// explicit.
func (s *Supervisor) HandleHeartbeat(ctx context.Context, hb bus.Heartbeat) {
	agent := strings.TrimSpace(hb.AgentID)
	if agent == "" {
		return
	}
	if err := s.registry.UpdateHeartbeat(ctx, agent); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			logging.Debug(supervisorComponent, "Heartbeat from unregistered agent", "agent", agent)
			return
		}
		logging.Error(supervisorComponent, "Heartbeat update failed", "agent", agent, "error", err.Error())
	}
}

// Start runs the liveness sweep until ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) {
	logging.Info(supervisorComponent, "Heartbeat supervisor started",
		"timeout", s.timeout.String(), "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info(supervisorComponent, "Heartbeat supervisor stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep fails every agent whose heartbeat is older than the timeout.
// Agents already in ERROR are left alone so the cascade runs once.
func (s *Supervisor) sweep(ctx context.Context) {
	agents, err := s.registry.ListAgents(ctx, registry.Filter{})
	if err != nil {
		logging.Error(supervisorComponent, "Agent listing failed", "error", err.Error())
		return
	}
	cutoff := time.Now().Add(-s.timeout)
	for _, agent := range agents {
		if agent.Status == registry.StatusError {
			continue
		}
		if agent.LastSeen.IsZero() || agent.LastSeen.After(cutoff) {
			continue
		}
		logging.Warn(supervisorComponent, "Agent heartbeat timed out",
			"agent", agent.ID, "last_seen", agent.LastSeen.UTC().Format(time.RFC3339))
		s.manager.HandleAgentFailure(ctx, agent.ID, fmt.Sprintf("heartbeat timeout after %s", s.timeout))
	}
}
