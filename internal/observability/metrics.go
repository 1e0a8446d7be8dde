package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	TokenRequests      *prometheus.CounterVec
	SDKCalls           *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	StreamReadyLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live avatar sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TokenRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_requests_total",
			Help:      "Token issuance requests by outcome.",
		}, []string{"outcome"}),
		SDKCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sdk_calls_total",
			Help:      "Avatar SDK calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		StreamReadyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_ready_latency_ms",
			Help:      "Latency from session start to a live media stream in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 15000},
		}),
	}
}

func (m *Metrics) ObserveStreamReadyLatency(d time.Duration) {
	m.StreamReadyLatency.Observe(float64(d.Milliseconds()))
}

// ObserveSDKCall records one SDK call outcome.
func (m *Metrics) ObserveSDKCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SDKCalls.WithLabelValues(op, outcome).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
