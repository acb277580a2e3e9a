package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corralhq/corral/core/infra/bus"
	"github.com/corralhq/corral/core/infra/registry"
)

type fakeCoordinator struct {
	mu sync.Mutex

	assignOK     bool
	coordinateOK bool

	assigned    []string
	coordinated [][]string
	released    []string
	failures    []string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{assignOK: true, coordinateOK: true}
}

func (f *fakeCoordinator) AssignTask(_ context.Context, task, agent string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.assignOK {
		return false
	}
	f.assigned = append(f.assigned, task)
	return true
}

func (f *fakeCoordinator) CoordinateMultiResource(_ context.Context, task, agent string, resources []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.coordinateOK {
		return false
	}
	f.coordinated = append(f.coordinated, resources)
	return true
}

func (f *fakeCoordinator) Release(_ context.Context, resource, agent string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, resource)
	return true
}

func (f *fakeCoordinator) HandleAgentFailure(_ context.Context, agent, errorInfo string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errorInfo)
	return true
}

func (f *fakeCoordinator) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

type fakeWorkerDirectory struct {
	mu          sync.Mutex
	status      registry.Status
	registered  []registry.Agent
	statuses    []registry.Status
	assignments []string
	putErr      error
}

func (d *fakeWorkerDirectory) PutAgent(_ context.Context, agent registry.Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.putErr != nil {
		return d.putErr
	}
	d.registered = append(d.registered, agent)
	return nil
}

func (d *fakeWorkerDirectory) GetAgent(_ context.Context, id string) (*registry.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.status
	if status == "" {
		status = registry.StatusInit
	}
	return &registry.Agent{ID: id, Status: status}, nil
}

func (d *fakeWorkerDirectory) UpdateStatus(_ context.Context, id string, status registry.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, status)
	return nil
}

func (d *fakeWorkerDirectory) UpdateAssignment(_ context.Context, id, task string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignments = append(d.assignments, task)
	return nil
}

func (d *fakeWorkerDirectory) assignmentWrites() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.assignments...)
}

type fakePulse struct {
	mu    sync.Mutex
	beats []bus.Heartbeat
}

func (p *fakePulse) PublishHeartbeat(hb bus.Heartbeat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beats = append(p.beats, hb)
	return nil
}

func (p *fakePulse) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.beats)
}

func newTestWorker(t *testing.T, coordinator *fakeCoordinator, directory *fakeWorkerDirectory) *Worker {
	t.Helper()
	if coordinator == nil {
		coordinator = newFakeCoordinator()
	}
	if directory == nil {
		directory = &fakeWorkerDirectory{}
	}
	w, err := New(Config{AgentID: "agent-a", Name: "builder"}, Options{
		Coordinator: coordinator,
		Directory:   directory,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestNewValidates(t *testing.T) {
	deps := Options{Coordinator: newFakeCoordinator(), Directory: &fakeWorkerDirectory{}}
	if _, err := New(Config{}, deps); err == nil {
		t.Fatalf("expected error without agent id")
	}
	if _, err := New(Config{AgentID: "agent-a"}, Options{Directory: &fakeWorkerDirectory{}}); err == nil {
		t.Fatalf("expected error without coordinator")
	}
	if _, err := New(Config{AgentID: "agent-a"}, Options{Coordinator: newFakeCoordinator()}); err == nil {
		t.Fatalf("expected error without directory")
	}
}

func TestStartRegistersAndHeartbeats(t *testing.T) {
	directory := &fakeWorkerDirectory{}
	pulse := &fakePulse{}
	w, err := New(Config{
		AgentID:           "agent-a",
		Name:              "builder",
		Capabilities:      []string{"build"},
		HeartbeatInterval: 10 * time.Millisecond,
	}, Options{Coordinator: newFakeCoordinator(), Directory: directory, Pulse: pulse})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pulse.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	if pulse.count() < 2 {
		t.Fatalf("expected repeated heartbeats, got %d", pulse.count())
	}
	directory.mu.Lock()
	defer directory.mu.Unlock()
	if len(directory.registered) != 1 {
		t.Fatalf("expected one registration, got %d", len(directory.registered))
	}
	agent := directory.registered[0]
	if agent.ID != "agent-a" || agent.Status != registry.StatusInit || len(agent.Capabilities) != 1 {
		t.Fatalf("unexpected registration: %+v", agent)
	}
	pulse.mu.Lock()
	defer pulse.mu.Unlock()
	if pulse.beats[0].AgentID != "agent-a" {
		t.Fatalf("heartbeat carries wrong agent: %+v", pulse.beats[0])
	}
}

func TestStartFailsWhenRegistrationFails(t *testing.T) {
	directory := &fakeWorkerDirectory{putErr: errors.New("registry down")}
	w, err := New(Config{AgentID: "agent-a"}, Options{Coordinator: newFakeCoordinator(), Directory: directory})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer w.Stop()
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("expected registration error")
	}
}

func TestRunExecutesUnderCoordination(t *testing.T) {
	coordinator := newFakeCoordinator()
	directory := &fakeWorkerDirectory{}
	w := newTestWorker(t, coordinator, directory)

	var got Task
	err := w.Run(context.Background(), Task{ID: "task-1", Resources: []string{"db", "repo"}}, func(_ context.Context, task Task) error {
		got = task
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.ID != "task-1" {
		t.Fatalf("handler saw wrong task: %+v", got)
	}

	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	if len(coordinator.assigned) != 1 || coordinator.assigned[0] != "task-1" {
		t.Fatalf("assignment not claimed: %v", coordinator.assigned)
	}
	if len(coordinator.coordinated) != 1 || len(coordinator.coordinated[0]) != 2 {
		t.Fatalf("resources not coordinated: %v", coordinator.coordinated)
	}
	if len(coordinator.released) != 2 {
		t.Fatalf("resources not released after success: %v", coordinator.released)
	}
	if len(coordinator.failures) != 0 {
		t.Fatalf("no failure expected: %v", coordinator.failures)
	}

	writes := directory.assignmentWrites()
	if len(writes) != 1 || writes[0] != "" {
		t.Fatalf("assignment not cleared: %v", writes)
	}
	if len(directory.statuses) != 1 || directory.statuses[0] != registry.StatusActive {
		t.Fatalf("agent not promoted to ACTIVE: %v", directory.statuses)
	}
}

func TestRunRefusesErroredAgent(t *testing.T) {
	coordinator := newFakeCoordinator()
	directory := &fakeWorkerDirectory{status: registry.StatusError}
	w := newTestWorker(t, coordinator, directory)

	ran := false
	err := w.Run(context.Background(), Task{ID: "task-1"}, func(context.Context, Task) error {
		ran = true
		return nil
	})
	if err == nil {
		t.Fatalf("expected errored agent to be refused")
	}
	if ran {
		t.Fatalf("handler must not run on an errored agent")
	}
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	if len(coordinator.assigned) != 0 {
		t.Fatalf("no assignment expected: %v", coordinator.assigned)
	}
}

func TestRunHandlerErrorRoutesThroughCascade(t *testing.T) {
	coordinator := newFakeCoordinator()
	w := newTestWorker(t, coordinator, nil)

	err := w.Run(context.Background(), Task{ID: "task-1", Resources: []string{"db"}}, func(context.Context, Task) error {
		return errors.New("migration failed")
	})
	if err == nil {
		t.Fatalf("expected handler error to surface")
	}

	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	if len(coordinator.failures) != 1 || coordinator.failures[0] != "migration failed" {
		t.Fatalf("cascade not invoked: %v", coordinator.failures)
	}
	// The cascade owns lock cleanup on failure.
	if len(coordinator.released) != 0 {
		t.Fatalf("unexpected direct releases: %v", coordinator.released)
	}
}

func TestRunHandlerPanicBecomesFailure(t *testing.T) {
	coordinator := newFakeCoordinator()
	w := newTestWorker(t, coordinator, nil)

	err := w.Run(context.Background(), Task{ID: "task-1"}, func(context.Context, Task) error {
		panic("index out of range")
	})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic to surface as error, got %v", err)
	}
	if coordinator.failureCount() != 1 {
		t.Fatalf("cascade not invoked on panic")
	}
}

func TestRunRejectedAssignment(t *testing.T) {
	coordinator := newFakeCoordinator()
	coordinator.assignOK = false
	w := newTestWorker(t, coordinator, nil)

	ran := false
	err := w.Run(context.Background(), Task{ID: "task-1"}, func(context.Context, Task) error {
		ran = true
		return nil
	})
	if err == nil {
		t.Fatalf("expected assignment rejection")
	}
	if ran {
		t.Fatalf("handler must not run without the assignment")
	}
}

func TestRunRejectedCoordinationClearsAssignment(t *testing.T) {
	coordinator := newFakeCoordinator()
	coordinator.coordinateOK = false
	directory := &fakeWorkerDirectory{}
	w := newTestWorker(t, coordinator, directory)

	ran := false
	err := w.Run(context.Background(), Task{ID: "task-1", Resources: []string{"db"}}, func(context.Context, Task) error {
		ran = true
		return nil
	})
	if err == nil {
		t.Fatalf("expected coordination rejection")
	}
	if ran {
		t.Fatalf("handler must not run without its resources")
	}
	writes := directory.assignmentWrites()
	if len(writes) != 1 || writes[0] != "" {
		t.Fatalf("assignment should be handed back: %v", writes)
	}
}

func TestRunWithoutResourcesSkipsCoordination(t *testing.T) {
	coordinator := newFakeCoordinator()
	w := newTestWorker(t, coordinator, nil)

	err := w.Run(context.Background(), Task{ID: "task-1"}, func(context.Context, Task) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	if len(coordinator.coordinated) != 0 {
		t.Fatalf("no coordination expected: %v", coordinator.coordinated)
	}
}

func TestRunValidatesInput(t *testing.T) {
	w := newTestWorker(t, nil, nil)
	if err := w.Run(context.Background(), Task{}, func(context.Context, Task) error { return nil }); err == nil {
		t.Fatalf("expected error for missing task id")
	}
	if err := w.Run(context.Background(), Task{ID: "task-1"}, nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestActiveTasksTracksRunningHandlers(t *testing.T) {
	w := newTestWorker(t, nil, nil)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background(), Task{ID: "task-1"}, func(context.Context, Task) error {
			<-release
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.ActiveTasks() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.ActiveTasks() != 1 {
		t.Fatalf("expected one active task, got %d", w.ActiveTasks())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if w.ActiveTasks() != 0 {
		t.Fatalf("expected zero active tasks after completion, got %d", w.ActiveTasks())
	}
}
