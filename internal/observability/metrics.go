package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	ActiveTasks          prometheus.Gauge
	TaskOutcomes         *prometheus.CounterVec
	TurnsProcessed       prometheus.Counter
	TurnsRejected        *prometheus.CounterVec
	VerificationAttempts *prometheus.CounterVec
	GeneratorLatency     prometheus.Histogram
	VerifyLatency        prometheus.Histogram
	StreamSubscribers    prometheus.Gauge
	PushDeliveries       *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of tasks in a non-terminal state.",
		}),
		TaskOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Terminal task outcomes by state and reason.",
		}, []string{"state", "reason"}),
		TurnsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_processed_total",
			Help:      "Accepted inbound user messages.",
		}),
		TurnsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_rejected_total",
			Help:      "Rejected inbound messages by error code.",
		}, []string{"code"}),
		VerificationAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_attempts_total",
			Help:      "Provider verification attempts by result status.",
		}, []string{"status"}),
		GeneratorLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generator_latency_ms",
			Help:      "Text generator call latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		VerifyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verify_latency_ms",
			Help:      "Provider registry lookup latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 15000},
		}),
		StreamSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Live event-stream subscribers across all tasks.",
		}),
		PushDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Webhook push deliveries by result.",
		}, []string{"result"}),

		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveGeneratorLatency(d time.Duration) {
	m.GeneratorLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("generate", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveVerifyLatency(d time.Duration) {
	m.VerifyLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("verify", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	m.stages.Observe("turn_total", float64(d.Milliseconds()))
}

// StageSnapshot backs the perf endpoint with recent latency quantiles.
func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
