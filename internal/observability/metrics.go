package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	requestsTotal         *prometheus.CounterVec
	latencySeconds        *prometheus.HistogramVec
	errorsTotal           *prometheus.CounterVec
	webhooksTotal         *prometheus.CounterVec
	stageCompletionsTotal *prometheus.CounterVec
	watchOutcomesTotal    *prometheus.CounterVec
	watchesActive         prometheus.Gauge
	progressEventsTotal   *prometheus.CounterVec
	streamClientsActive   prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagerun_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagerun_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagerun_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagerun_webhooks_total",
			Help: "Inbound webhook deliveries by source and outcome.",
		}, []string{"source", "outcome"})

		stageCompletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagerun_stage_completions_total",
			Help: "Stage completion attempts by trigger source and result.",
		}, []string{"source", "result"})

		watchOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagerun_watch_outcomes_total",
			Help: "Terminal outcomes of pipeline run watchers.",
		}, []string{"outcome"})

		watchesActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagerun_watches_active",
			Help: "Number of pipeline runs currently being watched.",
		})

		progressEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagerun_progress_events_total",
			Help: "Stage progress events delivered to local subscribers, by origin.",
		}, []string{"origin"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagerun_stream_clients_active",
			Help: "Number of connected SSE and websocket progress clients.",
		})

		prometheus.MustRegister(
			requestsTotal, latencySeconds, errorsTotal,
			webhooksTotal, stageCompletionsTotal,
			watchOutcomesTotal, watchesActive,
			progressEventsTotal, streamClientsActive,
		)
	})
}

// Requests exposes the counter for API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// Latency exposes the latency histogram for API requests.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return latencySeconds
}

// Errors exposes the counter for error responses.
func Errors() *prometheus.CounterVec {
	RegisterMetrics()
	return errorsTotal
}

// Webhooks exposes the webhook delivery counter.
func Webhooks() *prometheus.CounterVec {
	RegisterMetrics()
	return webhooksTotal
}

// StageCompletions exposes the completion attempt counter.
func StageCompletions() *prometheus.CounterVec {
	RegisterMetrics()
	return stageCompletionsTotal
}

// WatchOutcomes exposes the watcher outcome counter.
func WatchOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return watchOutcomesTotal
}

// WatchesActive exposes the active watcher gauge.
func WatchesActive() prometheus.Gauge {
	RegisterMetrics()
	return watchesActive
}

// ProgressEvents exposes the progress event counter.
func ProgressEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return progressEventsTotal
}

// StreamClientsActive exposes the connected stream client gauge.
func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}
