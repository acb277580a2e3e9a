package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Coordination defines counters for the lock manager.
type Coordination interface {
	IncAcquired(mode string)
	IncDenied(mode string)
	IncReleased()
	ObserveWaitSeconds(mode string, seconds float64)
	IncFailOpen()
	IncAgentFailures()
	IncAssignments(outcome string)
}

// APIMetrics captures request metrics for the coordinator HTTP API.
type APIMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Coordination without emitting anything.
type Noop struct{}

func (Noop) IncAcquired(string)                 {}
func (Noop) IncDenied(string)                   {}
func (Noop) IncReleased()                       {}
func (Noop) ObserveWaitSeconds(string, float64) {}
func (Noop) IncFailOpen()                       {}
func (Noop) IncAgentFailures()                  {}
func (Noop) IncAssignments(string)              {}

// Prom implements Coordination backed by Prometheus collectors.
type Prom struct {
	acquired    *prometheus.CounterVec
	denied      *prometheus.CounterVec
	released    prometheus.Counter
	waitSeconds *prometheus.HistogramVec
	failOpen    prometheus.Counter
	failures    prometheus.Counter
	assignments *prometheus.CounterVec
	once        sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_acquired_total",
			Help:      "Locks acquired by mode",
		}, []string{"mode"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_denied_total",
			Help:      "Lock acquisitions denied by mode",
		}, []string{"mode"}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_released_total",
			Help:      "Locks released",
		}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a lock by mode",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_store_fail_open_total",
			Help:      "Locks granted in memory after a store write failure",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_failures_total",
			Help:      "Agent failure cascades handled",
		}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_assignments_total",
			Help:      "Task assignment attempts by outcome",
		}, []string{"outcome"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.acquired, p.denied, p.released, p.waitSeconds, p.failOpen, p.failures, p.assignments)
	})
}

func (p *Prom) IncAcquired(mode string) {
	p.acquired.WithLabelValues(mode).Inc()
}

func (p *Prom) IncDenied(mode string) {
	p.denied.WithLabelValues(mode).Inc()
}

func (p *Prom) IncReleased() {
	p.released.Inc()
}

func (p *Prom) ObserveWaitSeconds(mode string, seconds float64) {
	p.waitSeconds.WithLabelValues(mode).Observe(seconds)
}

func (p *Prom) IncFailOpen() {
	p.failOpen.Inc()
}

func (p *Prom) IncAgentFailures() {
	p.failures.Inc()
}

func (p *Prom) IncAssignments(outcome string) {
	p.assignments.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- API metrics ---

type apiProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewAPIProm constructs an APIMetrics with counters/histograms.
func NewAPIProm(namespace string) APIMetrics {
	a := &apiProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	a.once.Do(func() {
		prometheus.MustRegister(a.requests, a.latency)
	})
	return a
}

func (a *apiProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	a.requests.WithLabelValues(method, route, status).Inc()
	a.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
