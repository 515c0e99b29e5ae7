package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	TokensIssued        prometheus.Counter
	TokenRejections     *prometheus.CounterVec
	ConnectionsBrokered prometheus.Counter
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	TranslationRequests *prometheus.CounterVec
	TranslationLatency  prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Session tokens minted.",
		}),
		TokenRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_rejections_total",
			Help:      "Token mint rejections by reason.",
		}, []string{"reason"}),
		ConnectionsBrokered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_brokered_total",
			Help:      "Connection descriptors handed to clients.",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TranslationRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translation_requests_total",
			Help:      "Translation requests by outcome.",
		}, []string{"outcome"}),
		TranslationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "translation_latency_ms",
			Help:      "Translation round trip latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1500, 3000},
		}),
	}
}

func (m *Metrics) ObserveTranslationLatency(d time.Duration) {
	m.TranslationLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
