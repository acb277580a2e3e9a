package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/corralhq/corral/core/infra/bus"
	"github.com/corralhq/corral/core/infra/locks"
	"github.com/corralhq/corral/core/infra/registry"
)

func TestSupervisorSweepFailsQuietAgents(t *testing.T) {
	dir := newMemDirectory("agent-quiet", "agent-live")
	dir.agents["agent-quiet"] = registry.Agent{
		ID:       "agent-quiet",
		Status:   registry.StatusActive,
		LastSeen: time.Now().Add(-5 * time.Minute),
	}
	recorder := &memRecorder{}
	m := newTestManager(t, Options{Registry: dir, Recorder: recorder})
	ctx := context.Background()

	if !m.Acquire(ctx, "db", "agent-quiet", locks.ModeExclusive, 0, false, 0) {
		t.Fatalf("setup acquire failed")
	}

	s := NewSupervisor(m, dir, time.Minute, time.Second)
	s.sweep(ctx)

	if got := dir.statusOf(t, "agent-quiet"); got != registry.StatusError {
		t.Fatalf("quiet agent should be errored, got %s", got)
	}
	if got := dir.statusOf(t, "agent-live"); got != registry.StatusActive {
		t.Fatalf("live agent should be untouched, got %s", got)
	}
	if !m.CheckAvailable(ctx, "db", locks.ModeExclusive) {
		t.Fatalf("quiet agent's locks should be released")
	}
	if len(recorder.records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(recorder.records))
	}
	if recorder.records[0].Metadata["error"] == "" {
		t.Fatalf("audit record should name the timeout")
	}
}

func TestSupervisorSweepSkipsErroredAgents(t *testing.T) {
	dir := newMemDirectory("agent-down")
	dir.agents["agent-down"] = registry.Agent{
		ID:       "agent-down",
		Status:   registry.StatusError,
		LastSeen: time.Now().Add(-time.Hour),
	}
	recorder := &memRecorder{}
	m := newTestManager(t, Options{Registry: dir, Recorder: recorder})

	s := NewSupervisor(m, dir, time.Minute, time.Second)
	s.sweep(context.Background())

	if len(recorder.records) != 0 {
		t.Fatalf("errored agents must not be cascaded again, got %d records", len(recorder.records))
	}
}

func TestSupervisorHandleHeartbeat(t *testing.T) {
	dir := newMemDirectory("agent-a")
	stale := time.Now().Add(-time.Hour)
	dir.agents["agent-a"] = registry.Agent{ID: "agent-a", Status: registry.StatusActive, LastSeen: stale}
	m := newTestManager(t, Options{Registry: dir})
	s := NewSupervisor(m, dir, time.Minute, time.Second)
	ctx := context.Background()

	s.HandleHeartbeat(ctx, bus.Heartbeat{AgentID: "agent-a", Status: "ACTIVE"})

	found, _ := dir.GetAgent(ctx, "agent-a")
	if !found.LastSeen.After(stale) {
		t.Fatalf("heartbeat should advance last seen")
	}

	// Unknown and blank agents are dropped quietly.
	s.HandleHeartbeat(ctx, bus.Heartbeat{AgentID: "agent-ghost"})
	s.HandleHeartbeat(ctx, bus.Heartbeat{})
}

func TestSupervisorStartStops(t *testing.T) {
	dir := newMemDirectory("agent-a")
	m := newTestManager(t, Options{Registry: dir})
	s := NewSupervisor(m, dir, time.Minute, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("supervisor did not stop on cancel")
	}
}

func TestNewSupervisorDefaults(t *testing.T) {
	m := newTestManager(t, Options{})
	s := NewSupervisor(m, newMemDirectory(), 0, 0)
	if s.timeout != defaultHeartbeatTimeout {
		t.Fatalf("expected default timeout %v, got %v", defaultHeartbeatTimeout, s.timeout)
	}
	if s.interval != defaultHeartbeatCheck {
		t.Fatalf("expected default interval %v, got %v", defaultHeartbeatCheck, s.interval)
	}
}
