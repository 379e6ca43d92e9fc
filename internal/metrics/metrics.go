// Package metrics holds the Prometheus collectors of the proxy.
// Every method is safe to call on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "horde_proxy"

// Metrics groups the proxy collectors
type Metrics struct {
	registry *prometheus.Registry

	remoteCalls     *prometheus.HistogramVec
	liveJobs        prometheus.Gauge
	rounds          *prometheus.CounterVec
	roundDuration   prometheus.Histogram
	jobsEnded       *prometheus.CounterVec
	imagesStored    prometheus.Counter
	connections     prometheus.Gauge
	modelsAvailable prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		remoteCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of Stable Horde API calls by operation and outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "outcome"},
		),
		liveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_jobs",
			Help:      "Number of jobs waiting for the next scheduler round",
		}),
		rounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_rounds_total",
				Help:      "Scheduler rounds by result",
			},
			[]string{"result"},
		),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_round_duration_seconds",
			Help:      "Wall-clock duration of a scheduler round",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		jobsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_ended_total",
				Help:      "Jobs removed from the scheduler by final status",
			},
			[]string{"status"},
		),
		imagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_stored_total",
			Help:      "Images persisted to the data directory",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections",
		}),
		modelsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "models_available",
			Help:      "Models with at least one live worker",
		}),
	}

	m.registry.MustRegister(
		m.remoteCalls,
		m.liveJobs,
		m.rounds,
		m.roundDuration,
		m.jobsEnded,
		m.imagesStored,
		m.connections,
		m.modelsAvailable,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRemoteCall records one Horde API call
func (m *Metrics) ObserveRemoteCall(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

// SetLiveJobs records the size of the live set
func (m *Metrics) SetLiveJobs(n int) {
	if m == nil {
		return
	}
	m.liveJobs.Set(float64(n))
}

// RoundCompleted records a finished scheduler round
func (m *Metrics) RoundCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues("completed").Inc()
	m.roundDuration.Observe(d.Seconds())
}

// RoundSkipped records a tick dropped because too many rounds were in flight
func (m *Metrics) RoundSkipped() {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues("skipped").Inc()
}

// JobEnded records a job leaving the scheduler
func (m *Metrics) JobEnded(status string) {
	if m == nil {
		return
	}
	m.jobsEnded.WithLabelValues(status).Inc()
}

// ImageStored records a persisted image
func (m *Metrics) ImageStored() {
	if m == nil {
		return
	}
	m.imagesStored.Inc()
}

// ConnectionOpened increments the connection gauge
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the connection gauge
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SetModelsAvailable records the number of published models
func (m *Metrics) SetModelsAvailable(n int) {
	if m == nil {
		return
	}
	m.modelsAvailable.Set(float64(n))
}
