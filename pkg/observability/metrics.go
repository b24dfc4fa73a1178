package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Call lifecycle metrics
	activeCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxgate_active_calls",
			Help: "Number of calls currently owned by this process",
		},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_calls_total",
			Help: "Total calls handled, by how they ended",
		},
		[]string{"outcome"},
	)

	callDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxgate_call_duration_seconds",
			Help:    "Whole-call duration in seconds",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// Wire metrics
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_frames_total",
			Help: "Protocol frames by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	// Dialog metrics
	turnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxgate_turns_total",
			Help: "Completed dialog turns",
		},
	)

	turnLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxgate_turn_latency_seconds",
			Help:    "Final utterance to first synthesized audio chunk",
			Buckets: []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10},
		},
	)

	bargeInsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxgate_barge_ins_total",
			Help: "Syntheses cancelled by caller speech",
		},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_tool_calls_total",
			Help: "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxgate_tool_call_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voxgate_circuit_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
		},
		[]string{"dependency"},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			activeCalls,
			callsTotal,
			callDuration,
			framesTotal,
			turnsTotal,
			turnLatency,
			bargeInsTotal,
			toolCallsTotal,
			toolCallDuration,
			circuitState,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordCallStarted marks a new call owned by this process.
func RecordCallStarted() {
	activeCalls.Inc()
}

// RecordCallEnded records a finished call and its outcome.
func RecordCallEnded(outcome string, duration time.Duration) {
	activeCalls.Dec()
	callsTotal.WithLabelValues(outcome).Inc()
	callDuration.Observe(duration.Seconds())
}

// RecordFrame counts one protocol frame.
func RecordFrame(direction, kind string) {
	framesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordTurn records one finished dialog turn and its first-audio latency.
func RecordTurn(latency time.Duration) {
	turnsTotal.Inc()
	turnLatency.Observe(latency.Seconds())
}

// RecordBargeIn counts one interrupted synthesis.
func RecordBargeIn() {
	bargeInsTotal.Inc()
}

// RecordToolCall records tool invocation metrics
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetCircuitState publishes a breaker's state for a dependency.
func SetCircuitState(dependency, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	circuitState.WithLabelValues(dependency).Set(v)
}
