package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the VOD server.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	sessionsStartedTotal  prometheus.Counter
	sessionsEvictedTotal  prometheus.Counter
	pipelineLaunchesTotal prometheus.Counter
	seeksTotal            prometheus.Counter
	pollTimeoutsTotal     prometheus.Counter
	activeSessions        prometheus.Gauge
}

// New creates and registers Prometheus metrics for the VOD server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vod_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vod_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vod_sessions_started_total",
		Help: "Total number of streaming sessions created",
	})
	sessionsEvictedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vod_sessions_evicted_total",
		Help: "Total number of streaming sessions evicted for being idle",
	})
	pipelineLaunchesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vod_pipeline_launches_total",
		Help: "Total number of transcode pipeline launches (initial and restarts)",
	})
	seeksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vod_seeks_total",
		Help: "Total number of segment requests classified as seeks",
	})
	pollTimeoutsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vod_poll_timeouts_total",
		Help: "Total number of artifact polls that exhausted their retry budget",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vod_active_sessions",
		Help: "Number of streaming sessions currently in the registry",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		sessionsStartedTotal,
		sessionsEvictedTotal,
		pipelineLaunchesTotal,
		seeksTotal,
		pollTimeoutsTotal,
		activeSessions,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		sessionsStartedTotal:  sessionsStartedTotal,
		sessionsEvictedTotal:  sessionsEvictedTotal,
		pipelineLaunchesTotal: pipelineLaunchesTotal,
		seeksTotal:            seeksTotal,
		pollTimeoutsTotal:     pollTimeoutsTotal,
		activeSessions:        activeSessions,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncSessionsEvicted increments the sessions evicted counter.
func (m *Metrics) IncSessionsEvicted() {
	m.sessionsEvictedTotal.Inc()
}

// IncPipelineLaunches increments the pipeline launch counter.
func (m *Metrics) IncPipelineLaunches() {
	m.pipelineLaunchesTotal.Inc()
}

// IncSeeks increments the seek counter.
func (m *Metrics) IncSeeks() {
	m.seeksTotal.Inc()
}

// IncPollTimeouts increments the poll timeout counter.
func (m *Metrics) IncPollTimeouts() {
	m.pollTimeoutsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
