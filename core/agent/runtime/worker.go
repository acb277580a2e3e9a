// Package worker is the agent-side runtime. A Worker registers its agent
// with the shared registry, keeps it alive with bus heartbeats, and runs
// task handlers with all of their resources held. The lock store is the
// cross-process source of truth, so every agent process embeds its own
// coordination manager against the shared backends.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corralhq/corral/core/coordination"
	"github.com/corralhq/corral/core/infra/audit"
	"github.com/corralhq/corral/core/infra/bus"
	"github.com/corralhq/corral/core/infra/knowledge"
	"github.com/corralhq/corral/core/infra/locks"
	"github.com/corralhq/corral/core/infra/logging"
	"github.com/corralhq/corral/core/infra/registry"
)

const (
	component = "worker"

	defaultHeartbeatInterval = 15 * time.Second
)

// Config holds construction settings for a Worker.
type Config struct {
	AgentID      string
	Name         string
	Capabilities []string

	// RedisURL and NatsURL back the shared store, registry, recorder,
	// knowledge cache, and heartbeat bus when dialing.
	RedisURL string
	NatsURL  string

	HeartbeatInterval time.Duration

	// LeaseFor sets the lease applied to coordinated resources. Nil means
	// locks are held until released.
	LeaseFor func(resource string) time.Duration
}

// Task describes one unit of coordinated work.
type Task struct {
	ID        string
	Resources []string
	Meta      map[string]string
}

// HandlerFunc runs one task while its resources are held. Returning an
// error, or panicking, routes the agent through the failure cascade.
type HandlerFunc func(ctx context.Context, task Task) error

// Coordinator is the slice of the coordination manager the worker drives.
// *coordination.Manager satisfies it.
type Coordinator interface {
	AssignTask(ctx context.Context, task, agent string) bool
	CoordinateMultiResource(ctx context.Context, task, agent string, resources []string) bool
	Release(ctx context.Context, resource, agent string) bool
	HandleAgentFailure(ctx context.Context, agent, errorInfo string) bool
}

// Directory is the slice of the agent registry the worker touches.
// *registry.RedisRegistry satisfies it.
type Directory interface {
	PutAgent(ctx context.Context, agent registry.Agent) error
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
	UpdateStatus(ctx context.Context, id string, status registry.Status) error
	UpdateAssignment(ctx context.Context, id, task string) error
}

// Pulse publishes agent heartbeats. *bus.NatsBus satisfies it.
type Pulse interface {
	PublishHeartbeat(hb bus.Heartbeat) error
}

// Options carry the worker's collaborators.
type Options struct {
	Coordinator Coordinator
	Directory   Directory
	Pulse       Pulse
}

// Worker runs an agent against the shared coordination backends.
type Worker struct {
	cfg         Config
	coordinator Coordinator
	directory   Directory
	pulse       Pulse

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	active  int32
	taskMu  sync.Mutex
	current string

	closers []func() error
}

// New builds a Worker from injected collaborators.
func New(cfg Config, opts Options) (*Worker, error) {
	cfg.AgentID = strings.TrimSpace(cfg.AgentID)
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("worker: agent id is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("worker: coordinator is required")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("worker: agent directory is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:         cfg,
		coordinator: opts.Coordinator,
		directory:   opts.Directory,
		pulse:       opts.Pulse,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Dial builds a Worker wired to the shared Redis and NATS backends named in
// cfg. Stop closes everything Dial opened.
func Dial(cfg Config) (*Worker, error) {
	store, err := locks.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewRedisRegistry(cfg.RedisURL)
	if err != nil {
		store.Close()
		return nil, err
	}
	recorder, err := audit.NewRedisRecorder(cfg.RedisURL)
	if err != nil {
		store.Close()
		reg.Close()
		return nil, err
	}
	cache, err := knowledge.NewRedisCache(cfg.RedisURL)
	if err != nil {
		store.Close()
		reg.Close()
		recorder.Close()
		return nil, err
	}
	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		store.Close()
		reg.Close()
		recorder.Close()
		cache.Close()
		return nil, err
	}

	manager, err := coordination.NewManager(coordination.Options{
		Store:          store,
		Registry:       reg,
		Recorder:       recorder,
		Knowledge:      cache,
		Announcer:      natsBus,
		TTLForResource: cfg.LeaseFor,
	})
	if err != nil {
		store.Close()
		reg.Close()
		recorder.Close()
		cache.Close()
		natsBus.Close()
		return nil, err
	}

	w, err := New(cfg, Options{Coordinator: manager, Directory: reg, Pulse: natsBus})
	if err != nil {
		store.Close()
		reg.Close()
		recorder.Close()
		cache.Close()
		natsBus.Close()
		return nil, err
	}
	w.closers = []func() error{
		func() error { natsBus.Close(); return nil },
		cache.Close,
		recorder.Close,
		reg.Close,
		store.Close,
	}
	return w, nil
}

// Start registers the agent and begins heartbeating. It returns once the
// registration is written; the heartbeat loop runs until Stop.
func (w *Worker) Start(ctx context.Context) error {
	agent := registry.Agent{
		ID:           w.cfg.AgentID,
		Name:         w.cfg.Name,
		Status:       registry.StatusInit,
		Capabilities: w.cfg.Capabilities,
	}
	if err := w.directory.PutAgent(ctx, agent); err != nil {
		return fmt.Errorf("register agent %s: %w", w.cfg.AgentID, err)
	}
	logging.Info(component, "Agent registered", "agent", w.cfg.AgentID, "capabilities", strings.Join(w.cfg.Capabilities, ","))

	if w.pulse != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.heartbeatLoop()
		}()
	}
	return nil
}

// Stop ends the heartbeat loop, waits for running tasks, and closes any
// connections opened by Dial.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	for _, closeFn := range w.closers {
		if err := closeFn(); err != nil {
			logging.Warn(component, "Close failed during shutdown", "agent", w.cfg.AgentID, "error", err.Error())
		}
	}
}

// ActiveTasks reports how many handlers are currently running.
func (w *Worker) ActiveTasks() int32 {
	return atomic.LoadInt32(&w.active)
}

// Run claims the task, locks its resources, and executes the handler. The
// locks are released afterwards on success; a handler error or panic routes
// the agent through the failure cascade instead, so its locks are freed and
// its status flips to ERROR.
func (w *Worker) Run(ctx context.Context, task Task, handler HandlerFunc) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("worker: task id is required")
	}
	if handler == nil {
		return fmt.Errorf("worker: handler is required")
	}

	// An errored agent stays quarantined until an operator intervenes; the
	// ACTIVE promotion below must not lift it.
	current, err := w.directory.GetAgent(ctx, w.cfg.AgentID)
	switch {
	case err != nil:
		logging.Warn(component, "Agent lookup failed", "agent", w.cfg.AgentID, "error", err.Error())
	case current == nil:
	case current.Status == registry.StatusError:
		return fmt.Errorf("agent %s is in ERROR, refusing task %s", w.cfg.AgentID, task.ID)
	case current.Status != registry.StatusActive:
		if err := w.directory.UpdateStatus(ctx, w.cfg.AgentID, registry.StatusActive); err != nil {
			logging.Warn(component, "Status update failed", "agent", w.cfg.AgentID, "error", err.Error())
		}
	}

	if !w.coordinator.AssignTask(ctx, task.ID, w.cfg.AgentID) {
		return fmt.Errorf("task %s not assignable to %s", task.ID, w.cfg.AgentID)
	}
	if len(task.Resources) > 0 && !w.coordinator.CoordinateMultiResource(ctx, task.ID, w.cfg.AgentID, task.Resources) {
		w.clearAssignment(ctx)
		return fmt.Errorf("resources unavailable for task %s", task.ID)
	}

	atomic.AddInt32(&w.active, 1)
	w.setCurrent(task.ID)
	defer func() {
		atomic.AddInt32(&w.active, -1)
		w.setCurrent("")
	}()

	if err := w.invoke(ctx, task, handler); err != nil {
		logging.Error(component, "Task handler failed", "agent", w.cfg.AgentID, "task", task.ID, "error", err.Error())
		w.coordinator.HandleAgentFailure(context.WithoutCancel(ctx), w.cfg.AgentID, err.Error())
		return err
	}

	for _, resource := range task.Resources {
		w.coordinator.Release(ctx, resource, w.cfg.AgentID)
	}
	w.clearAssignment(ctx)
	logging.Info(component, "Task completed", "agent", w.cfg.AgentID, "task", task.ID)
	return nil
}

// invoke converts a handler panic into an error so the caller sees one
// failure path.
func (w *Worker) invoke(ctx context.Context, task Task, handler HandlerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task handler panic: %v", rec)
		}
	}()
	return handler(ctx, task)
}

func (w *Worker) clearAssignment(ctx context.Context) {
	if err := w.directory.UpdateAssignment(context.WithoutCancel(ctx), w.cfg.AgentID, ""); err != nil {
		logging.Warn(component, "Assignment clear failed", "agent", w.cfg.AgentID, "error", err.Error())
	}
}

func (w *Worker) setCurrent(task string) {
	w.taskMu.Lock()
	w.current = task
	w.taskMu.Unlock()
}

func (w *Worker) currentTask() string {
	w.taskMu.Lock()
	defer w.taskMu.Unlock()
	return w.current
}

func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			hb := bus.Heartbeat{
				AgentID: w.cfg.AgentID,
				TaskID:  w.currentTask(),
				At:      time.Now().UTC(),
			}
			if hb.TaskID != "" {
				hb.Status = string(registry.StatusActive)
			}
			if err := w.pulse.PublishHeartbeat(hb); err != nil {
				logging.Warn(component, "Heartbeat publish failed", "agent", w.cfg.AgentID, "error", err.Error())
			}
		}
	}
}
