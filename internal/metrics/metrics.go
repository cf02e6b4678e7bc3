package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	MessagesPosted        prometheus.Counter
	AttachmentsUploaded   prometheus.Counter
	Finalisations         *prometheus.CounterVec
	RealtimeConnections   prometheus.Gauge
	RealtimeEventsDropped prometheus.Counter
	RetentionPurged       prometheus.Counter
	HTTPRequests          *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the workroom collectors on reg. Pass nil for a private
// registry, which is what tests want.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		MessagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphire",
			Name:      "messages_posted_total",
			Help:      "Messages appended to workroom logs.",
		}),
		AttachmentsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphire",
			Name:      "attachments_uploaded_total",
			Help:      "Files stored as message attachments.",
		}),
		Finalisations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyphire",
			Name:      "finalisations_total",
			Help:      "Finalise calls by outcome.",
		}, []string{"outcome"}),
		RealtimeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cyphire",
			Name:      "realtime_connections",
			Help:      "Open realtime connections.",
		}),
		RealtimeEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphire",
			Name:      "realtime_events_dropped_total",
			Help:      "Events dropped because a client send buffer was full.",
		}),
		RetentionPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphire",
			Name:      "retention_logs_purged_total",
			Help:      "Expired message logs physically deleted.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyphire",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		gatherer: reg,
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesPosted,
		m.AttachmentsUploaded,
		m.Finalisations,
		m.RealtimeConnections,
		m.RealtimeEventsDropped,
		m.RetentionPurged,
		m.HTTPRequests,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
