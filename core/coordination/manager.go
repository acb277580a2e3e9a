// Package coordination arbitrates resource access between agents. A single
// Manager owns an in-memory lock cache reconciled lazily from the durable
// store, serializes every grant decision behind one mutex, and publishes
// lifecycle events so other processes and watchers can follow along.
package coordination

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corralhq/corral/core/infra/bus"
	"github.com/corralhq/corral/core/infra/locks"
	"github.com/corralhq/corral/core/infra/logging"
	"github.com/corralhq/corral/core/infra/metrics"
)

const (
	component = "coordination"

	storeOpTimeout     = 2 * time.Second
	defaultWaiterSweep = 500 * time.Millisecond
)

// Manager is the coordination core. All lock state transitions in this
// process flow through it; the store keeps the cross-process truth.
type Manager struct {
	store     locks.Store
	registry  AgentDirectory
	recorder  Recorder
	knowledge KnowledgeCache
	metrics   metrics.Coordination
	announcer Announcer

	ttlFor      func(resource string) time.Duration
	waiterSweep time.Duration

	mu        sync.Mutex
	resources map[string]*resourceEntry
}

// NewManager wires a manager from its collaborators.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("coordination: lock store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("coordination: agent registry is required")
	}
	m := &Manager{
		store:       opts.Store,
		registry:    opts.Registry,
		recorder:    opts.Recorder,
		knowledge:   opts.Knowledge,
		metrics:     opts.Metrics,
		announcer:   opts.Announcer,
		ttlFor:      opts.TTLForResource,
		waiterSweep: opts.WaiterSweepInterval,
		resources:   make(map[string]*resourceEntry),
	}
	if m.metrics == nil {
		m.metrics = metrics.Noop{}
	}
	if m.waiterSweep <= 0 {
		m.waiterSweep = defaultWaiterSweep
	}
	return m, nil
}

// Acquire claims resource for agent in the given mode. A ttl of zero grants
// a lease that never expires. With wait false a conflicting holder fails the
// call immediately; with wait true the call blocks until the resource frees
// up, maxWait elapses, or ctx is canceled. The agent must be registered and
// in an eligible lifecycle state. Never returns an error: false covers
// every way the lock was not granted.
func (m *Manager) Acquire(ctx context.Context, resource, agent string, mode locks.Mode, ttl time.Duration, wait bool, maxWait time.Duration) bool {
	resource = strings.TrimSpace(resource)
	agent = strings.TrimSpace(agent)
	if resource == "" || agent == "" || !mode.Valid() {
		return false
	}
	if !m.agentEligible(ctx, agent) {
		return false
	}

	start := time.Now()
	deadline := start.Add(maxWait)
	waited := false
	defer func() {
		if waited {
			m.metrics.ObserveWaitSeconds(string(mode), time.Since(start).Seconds())
		}
	}()

	for {
		entry := m.lockEntry(ctx, resource)
		expired := entry.purge(time.Now())

		if entry.availableFor(mode) {
			granted := m.grantLocked(ctx, entry, resource, agent, mode, ttl)
			m.mu.Unlock()
			m.announceExpired(expired)
			m.metrics.IncAcquired(string(mode))
			event := bus.NewEvent(bus.EventLockAcquired)
			event.Resource, event.Agent, event.Mode = resource, agent, string(mode)
			if !granted.ExpiresAt.IsZero() {
				event.Meta = map[string]string{"expires_at": granted.ExpiresAt.Format(time.RFC3339)}
			}
			m.announce(event)
			return true
		}

		if !wait || !time.Now().Before(deadline) {
			m.mu.Unlock()
			m.announceExpired(expired)
			m.metrics.IncDenied(string(mode))
			return false
		}

		waited = true
		ready := make(chan struct{}, 1)
		entry.waiters[ready] = struct{}{}
		m.mu.Unlock()
		m.announceExpired(expired)

		m.awaitChange(ctx, ready, deadline)

		m.mu.Lock()
		delete(entry.waiters, ready)
		m.mu.Unlock()

		if ctx.Err() != nil {
			m.metrics.IncDenied(string(mode))
			return false
		}
	}
}

// Release drops agent's lock on resource from the store and from the cache
// independently and reports true when either side had something to drop.
func (m *Manager) Release(ctx context.Context, resource, agent string) bool {
	resource = strings.TrimSpace(resource)
	agent = strings.TrimSpace(agent)
	if resource == "" || agent == "" {
		return false
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	storeOK, err := m.store.Release(opCtx, resource, agent)
	cancel()
	if err != nil {
		logging.Error(component, "Lock store release failed", "resource", resource, "agent", agent, "error", err.Error())
		storeOK = false
	}

	var mode locks.Mode
	var expired []locks.Lock
	cacheOK := false
	m.mu.Lock()
	if entry, ok := m.resources[resource]; ok {
		expired = entry.purge(time.Now())
		if held, exists := entry.locks[agent]; exists {
			mode = held.Mode
			delete(entry.locks, agent)
			cacheOK = true
			entry.notify()
		}
	}
	m.mu.Unlock()
	m.announceExpired(expired)

	if !storeOK && !cacheOK {
		return false
	}
	m.metrics.IncReleased()
	event := bus.NewEvent(bus.EventLockReleased)
	event.Resource, event.Agent, event.Mode = resource, agent, string(mode)
	m.announce(event)
	return true
}

// ReleaseAllForAgent drops every lock the agent holds. The store and the
// cache can disagree about what that was, so the result is the larger of
// the two counts.
func (m *Manager) ReleaseAllForAgent(ctx context.Context, agent string) int {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return 0
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	storeCount, err := m.store.ReleaseAll(opCtx, agent)
	cancel()
	if err != nil {
		logging.Error(component, "Lock store bulk release failed", "agent", agent, "error", err.Error())
		storeCount = 0
	}

	var released, expired []locks.Lock
	m.mu.Lock()
	now := time.Now()
	for _, entry := range m.resources {
		expired = append(expired, entry.purge(now)...)
		if held, ok := entry.locks[agent]; ok {
			released = append(released, *held)
			delete(entry.locks, agent)
			entry.notify()
		}
	}
	m.mu.Unlock()
	m.announceExpired(expired)

	for _, held := range released {
		m.metrics.IncReleased()
		event := bus.NewEvent(bus.EventLockReleased)
		event.Resource, event.Agent, event.Mode = held.Resource, held.Agent, string(held.Mode)
		m.announce(event)
	}
	if len(released) > 0 || storeCount > 0 {
		logging.Info(component, "Released all locks for agent", "agent", agent, "store", storeCount, "cache", len(released))
	}
	return max(storeCount, len(released))
}

// CheckAvailable reports whether resource could be acquired in the given
// mode right now. Pure read aside from the lazy purge it shares with
// Acquire.
func (m *Manager) CheckAvailable(ctx context.Context, resource string, mode locks.Mode) bool {
	resource = strings.TrimSpace(resource)
	if resource == "" || !mode.Valid() {
		return false
	}
	entry := m.lockEntry(ctx, resource)
	expired := entry.purge(time.Now())
	ok := entry.availableFor(mode)
	m.mu.Unlock()
	m.announceExpired(expired)
	return ok
}

// ListLocks returns the valid locks, filtered by resource when non-empty.
// Store rows are merged with cache-only grants so locks held in memory
// after a store write failure stay visible.
func (m *Manager) ListLocks(ctx context.Context, resource string) []locks.Lock {
	resource = strings.TrimSpace(resource)

	opCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	rows, err := m.store.ListActive(opCtx, resource)
	cancel()
	if err != nil {
		logging.Error(component, "Lock store list failed; serving cached locks only", "error", err.Error())
		rows = nil
	}

	type pair struct{ resource, agent string }
	now := time.Now()
	seen := make(map[pair]struct{}, len(rows))
	out := make([]locks.Lock, 0, len(rows))
	for _, row := range rows {
		if row.Expired(now) {
			continue
		}
		seen[pair{row.Resource, row.Agent}] = struct{}{}
		out = append(out, row)
	}

	var expired []locks.Lock
	m.mu.Lock()
	for name, entry := range m.resources {
		if resource != "" && name != resource {
			continue
		}
		expired = append(expired, entry.purge(now)...)
		for _, held := range entry.locks {
			if _, ok := seen[pair{held.Resource, held.Agent}]; ok {
				continue
			}
			out = append(out, *held)
		}
	}
	m.mu.Unlock()
	m.announceExpired(expired)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Agent < out[j].Agent
	})
	return out
}

// lockEntry acquires the coordination mutex and returns the entry for
// resource with its first-touch reconciliation done. The caller owns the
// mutex on return. The store read happens outside the mutex with a
// re-check after relocking, so concurrent first touches reconcile once.
func (m *Manager) lockEntry(ctx context.Context, resource string) *resourceEntry {
	m.mu.Lock()
	entry := m.entryLocked(resource)
	if entry.loaded {
		return entry
	}
	m.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	rows, err := m.store.ListActive(opCtx, resource)
	cancel()

	m.mu.Lock()
	entry = m.entryLocked(resource)
	if entry.loaded {
		return entry
	}
	if err != nil {
		// Degraded mode: start from an empty view rather than fail the
		// operation. Grants made now reach the store when it recovers.
		logging.Error(component, "Lock store read failed; starting from an empty cache", "resource", resource, "error", err.Error())
	}
	for _, row := range rows {
		if _, ok := entry.locks[row.Agent]; ok {
			continue
		}
		cached := row
		entry.locks[row.Agent] = &cached
	}
	entry.loaded = true
	return entry
}

func (m *Manager) entryLocked(resource string) *resourceEntry {
	entry, ok := m.resources[resource]
	if !ok {
		entry = newResourceEntry()
		m.resources[resource] = entry
	}
	return entry
}

// grantLocked writes the lock through to the store and inserts it into the
// cache. A store write failure is logged and the in-memory grant stands.
func (m *Manager) grantLocked(ctx context.Context, entry *resourceEntry, resource, agent string, mode locks.Mode, ttl time.Duration) locks.Lock {
	now := time.Now().UTC()
	granted := locks.Lock{Resource: resource, Agent: agent, Mode: mode, CreatedAt: now}
	if ttl > 0 {
		granted.ExpiresAt = now.Add(ttl)
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	defer cancel()
	if err := m.store.Save(opCtx, granted); err != nil {
		logging.Error(component, "Lock store write failed; granting in memory", "resource", resource, "agent", agent, "error", err.Error())
		m.metrics.IncFailOpen()
	}
	entry.locks[agent] = &granted
	return granted
}

// awaitChange parks a blocked acquire until the resource is signaled, the
// sweep interval elapses, the deadline passes, or ctx is canceled. The
// sweep arm exists so waiters still notice leases that expire without any
// release event.
func (m *Manager) awaitChange(ctx context.Context, ready <-chan struct{}, deadline time.Time) {
	pause := m.waiterSweep
	if remaining := time.Until(deadline); remaining < pause {
		pause = remaining
	}
	if pause <= 0 {
		return
	}
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// leaseTTL resolves the policy TTL used when coordination picks the lease
// itself, as in CoordinateMultiResource.
func (m *Manager) leaseTTL(resource string) time.Duration {
	if m.ttlFor == nil {
		return 0
	}
	return m.ttlFor(resource)
}

// agentEligible gates lock operations on registry state. Unknown agents and
// agents outside INIT or ACTIVE cannot acquire.
func (m *Manager) agentEligible(ctx context.Context, agent string) bool {
	found, err := m.registry.GetAgent(ctx, agent)
	if err != nil {
		logging.Error(component, "Registry lookup failed", "agent", agent, "error", err.Error())
		return false
	}
	if found == nil {
		logging.Debug(component, "Lock operation from unregistered agent", "agent", agent)
		return false
	}
	return found.Status.Eligible()
}

func (m *Manager) announce(event bus.Event) {
	if m.announcer == nil {
		return
	}
	if err := m.announcer.PublishEvent(event); err != nil {
		logging.Warn(component, "Event publish failed", "type", event.Type, "error", err.Error())
	}
}

func (m *Manager) announceExpired(expired []locks.Lock) {
	for _, held := range expired {
		event := bus.NewEvent(bus.EventLockExpired)
		event.Resource, event.Agent, event.Mode = held.Resource, held.Agent, string(held.Mode)
		m.announce(event)
	}
}
