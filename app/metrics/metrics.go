package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "contractrag"

// Metrics holds the service's prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	DocumentsIngested   prometheus.Counter
	ChunksCreated       prometheus.Counter
	ExtractionsComplete *prometheus.CounterVec
	QuestionsAnswered   *prometheus.CounterVec
	AuditsComplete      prometheus.Counter
	ActiveStreams       prometheus.Gauge
	WebhooksSent        *prometheus.CounterVec
}

// New registers every collector on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"method", "route"}),
		DocumentsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ingested_total",
			Help:      "Total documents ingested",
		}),
		ChunksCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_created_total",
			Help:      "Total chunks indexed",
		}),
		ExtractionsComplete: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_completed_total",
			Help:      "Total field extractions by method",
		}, []string{"method"}),
		QuestionsAnswered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_answered_total",
			Help:      "Total questions answered",
		}, []string{"mode"}),
		AuditsComplete: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_completed_total",
			Help:      "Total risk audits",
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Answer streams currently open",
		}),
		WebhooksSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by event and outcome",
		}, []string{"event", "outcome"}),
	}
}
