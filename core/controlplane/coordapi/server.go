// Package coordapi exposes the coordination manager over HTTP and
// websockets: lock operations, agent registration and liveness, task
// assignment, knowledge sharing, and a live event watch.
package coordapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/corralhq/corral/core/infra/locks"
	"github.com/corralhq/corral/core/infra/logging"
	"github.com/corralhq/corral/core/infra/metrics"
	"github.com/corralhq/corral/core/infra/registry"
)

const (
	component = "coordapi"

	defaultListenAddr   = ":8080"
	maxBodyBytes        = 1 << 20
	readHeaderTimeout   = 10 * time.Second
	shutdownGracePeriod = 5 * time.Second
)

// Coordinator is the manager surface the API serves.
// *coordination.Manager satisfies it.
type Coordinator interface {
	Acquire(ctx context.Context, resource, agent string, mode locks.Mode, ttl time.Duration, wait bool, maxWait time.Duration) bool
	Release(ctx context.Context, resource, agent string) bool
	ReleaseAllForAgent(ctx context.Context, agent string) int
	CheckAvailable(ctx context.Context, resource string, mode locks.Mode) bool
	CoordinateMultiResource(ctx context.Context, task, agent string, resources []string) bool
	HandleAgentFailure(ctx context.Context, agent, errorInfo string) bool
	AssignTask(ctx context.Context, task, agent string) bool
	ShareKnowledge(ctx context.Context, fromAgent, targetAgent, key string, value []byte) bool
	ListLocks(ctx context.Context, resource string) []locks.Lock
}

// Directory is the registry surface behind the agent endpoints.
type Directory interface {
	PutAgent(ctx context.Context, agent registry.Agent) error
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
	UpdateHeartbeat(ctx context.Context, id string) error
	ListAgents(ctx context.Context, filter registry.Filter) ([]registry.Agent, error)
}

// Server holds the API's collaborators and its route table.
type Server struct {
	coordinator Coordinator
	directory   Directory
	hub         *Hub
	metrics     metrics.APIMetrics
	started     time.Time

	// ttlFor supplies the policy lease for acquire requests that leave
	// ttl_seconds unset. Nil means no lease.
	ttlFor func(resource string) time.Duration
	// maxWait caps blocking acquires that leave max_wait_seconds unset.
	maxWait time.Duration
}

// ServerOptions configures NewServer. Coordinator and Directory are
// required.
type ServerOptions struct {
	Coordinator    Coordinator
	Directory      Directory
	Hub            *Hub
	Metrics        metrics.APIMetrics
	TTLForResource func(resource string) time.Duration
	DefaultMaxWait time.Duration
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("coordapi: coordinator is required")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("coordapi: agent directory is required")
	}
	return &Server{
		coordinator: opts.Coordinator,
		directory:   opts.Directory,
		hub:         opts.Hub,
		metrics:     opts.Metrics,
		started:     time.Now(),
		ttlFor:      opts.TTLForResource,
		maxWait:     opts.DefaultMaxWait,
	}, nil
}

// Routes builds the served mux. Split out from Start so tests can mount it
// on httptest servers.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/locks", s.instrumented("/api/v1/locks", s.handleListLocks))
	mux.HandleFunc("POST /api/v1/locks/acquire", s.instrumented("/api/v1/locks/acquire", s.handleAcquireLock))
	mux.HandleFunc("POST /api/v1/locks/release", s.instrumented("/api/v1/locks/release", s.handleReleaseLock))
	mux.HandleFunc("POST /api/v1/locks/release-all", s.instrumented("/api/v1/locks/release-all", s.handleReleaseAll))
	mux.HandleFunc("POST /api/v1/locks/check", s.instrumented("/api/v1/locks/check", s.handleCheckLock))
	mux.HandleFunc("POST /api/v1/locks/coordinate", s.instrumented("/api/v1/locks/coordinate", s.handleCoordinate))

	mux.HandleFunc("GET /api/v1/agents", s.instrumented("/api/v1/agents", s.handleListAgents))
	mux.HandleFunc("POST /api/v1/agents/register", s.instrumented("/api/v1/agents/register", s.handleRegisterAgent))
	mux.HandleFunc("POST /api/v1/agents/heartbeat", s.instrumented("/api/v1/agents/heartbeat", s.handleAgentHeartbeat))
	mux.HandleFunc("POST /api/v1/agents/failure", s.instrumented("/api/v1/agents/failure", s.handleAgentFailure))

	mux.HandleFunc("POST /api/v1/tasks/assign", s.instrumented("/api/v1/tasks/assign", s.handleAssignTask))
	mux.HandleFunc("POST /api/v1/knowledge/share", s.instrumented("/api/v1/knowledge/share", s.handleShareKnowledge))

	mux.HandleFunc("GET /api/v1/events/watch", s.handleWatch)

	return mux
}

// Start serves the API until ctx is canceled, then drains with a short
// grace period.
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = defaultListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.Info(component, "HTTP API listening", "addr", addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		logging.Info(component, "HTTP API stopped")
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record request metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
