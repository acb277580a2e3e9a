package coordination

import (
	"context"
	"time"

	"github.com/corralhq/corral/core/infra/audit"
	"github.com/corralhq/corral/core/infra/bus"
	"github.com/corralhq/corral/core/infra/locks"
	"github.com/corralhq/corral/core/infra/metrics"
	"github.com/corralhq/corral/core/infra/registry"
)

// AgentDirectory is the registry view coordination needs: eligibility
// lookups, status flips, assignment writes, and liveness bookkeeping.
// *registry.RedisRegistry satisfies it.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
	UpdateStatus(ctx context.Context, id string, status registry.Status) error
	UpdateAssignment(ctx context.Context, id, task string) error
	UpdateHeartbeat(ctx context.Context, id string) error
	ListAgents(ctx context.Context, filter registry.Filter) ([]registry.Agent, error)
}

// Recorder appends compliance records during the failure cascade.
type Recorder interface {
	Append(ctx context.Context, record audit.Record) error
}

// KnowledgeCache persists knowledge shared between agents.
type KnowledgeCache interface {
	Save(ctx context.Context, targetAgent, key string, value []byte) error
}

// Announcer is the subset of the event bus the manager publishes on.
// *bus.NatsBus satisfies it.
type Announcer interface {
	PublishEvent(event bus.Event) error
}

// Options carries the manager's collaborators. Store and Registry are
// required; everything else degrades to a no-op when absent.
type Options struct {
	Store     locks.Store
	Registry  AgentDirectory
	Recorder  Recorder
	Knowledge KnowledgeCache
	Metrics   metrics.Coordination
	Announcer Announcer

	// TTLForResource supplies the lease TTL applied when the manager
	// acquires locks on a caller's behalf. Nil or a zero return means the
	// lease never expires.
	TTLForResource func(resource string) time.Duration

	// WaiterSweepInterval bounds how long a blocked acquire sleeps between
	// re-evaluations when no release wakes it. Defaults to 500ms.
	WaiterSweepInterval time.Duration
}

// resourceEntry is the in-memory view of one resource: the locks believed
// to be held on it, keyed by agent, plus the goroutines blocked waiting for
// it to free up. All access goes through the manager mutex.
type resourceEntry struct {
	// loaded flips to true after the first reconciliation against the
	// store and never flips back.
	loaded  bool
	locks   map[string]*locks.Lock
	waiters map[chan struct{}]struct{}
}

func newResourceEntry() *resourceEntry {
	return &resourceEntry{
		locks:   make(map[string]*locks.Lock),
		waiters: make(map[chan struct{}]struct{}),
	}
}

// purge drops every expired lock and wakes waiters when something was
// freed. Returns the dropped locks so callers can announce them after
// releasing the mutex.
func (e *resourceEntry) purge(now time.Time) []locks.Lock {
	var expired []locks.Lock
	for agent, held := range e.locks {
		if held.Expired(now) {
			expired = append(expired, *held)
			delete(e.locks, agent)
		}
	}
	if len(expired) > 0 {
		e.notify()
	}
	return expired
}

// availableFor applies the exclusivity rule against the cached locks. The
// caller purges first, so every remaining entry counts as valid.
func (e *resourceEntry) availableFor(mode locks.Mode) bool {
	if mode == locks.ModeExclusive {
		return len(e.locks) == 0
	}
	for _, held := range e.locks {
		if held.Mode == locks.ModeExclusive {
			return false
		}
	}
	return true
}

// notify nudges every waiter without blocking. Waiter channels carry a
// one-slot buffer, so a pending nudge is never lost and never doubles up.
func (e *resourceEntry) notify() {
	for ch := range e.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
