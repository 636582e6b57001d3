package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a per-process prometheus registry plus the collectors the
// services share. Each binary creates one and mounts Handler on /metrics.
type Registry struct {
	reg *prometheus.Registry

	EventsPublished *prometheus.CounterVec
	PublishFailures prometheus.Counter
	FallbackDepth   prometheus.Gauge

	EventsProcessed  *prometheus.CounterVec
	EventsSkipped    *prometheus.CounterVec
	EventsFailed     *prometheus.CounterVec
	EventsDeadLetter *prometheus.CounterVec
	ProcessDurations *prometheus.HistogramVec

	ConnectedClients prometheus.Gauge
	MessagesSent     prometheus.Counter
	MessagesDropped  prometheus.Counter

	RemindersSent     prometheus.Counter
	RemindersDeferred prometheus.Counter
	RemindersFailed   prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Registry{reg: reg}

	m.EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "todostream_events_published_total",
		Help: "Events accepted for publication, by topic.",
	}, []string{"topic"})
	m.PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todostream_publish_failures_total",
		Help: "Publish attempts that failed and fell back to the retry queue.",
	})
	m.FallbackDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "todostream_publish_fallback_depth",
		Help: "Events currently waiting in the publish retry queue.",
	})

	m.EventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "todostream_events_processed_total",
		Help: "Events fully processed, by consumer.",
	}, []string{"consumer"})
	m.EventsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "todostream_events_skipped_total",
		Help: "Duplicate events skipped by the idempotency ledger, by consumer.",
	}, []string{"consumer"})
	m.EventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "todostream_events_failed_total",
		Help: "Events that failed processing and were redelivered, by consumer.",
	}, []string{"consumer"})
	m.EventsDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "todostream_events_dead_lettered_total",
		Help: "Malformed events terminated without redelivery, by consumer.",
	}, []string{"consumer"})
	m.ProcessDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "todostream_event_process_seconds",
		Help:    "Event processing latency, by consumer.",
		Buckets: prometheus.DefBuckets,
	}, []string{"consumer"})

	m.ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "todostream_ws_connected_clients",
		Help: "WebSocket clients currently connected.",
	})
	m.MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todostream_ws_messages_sent_total",
		Help: "Messages written to WebSocket clients.",
	})
	m.MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todostream_ws_messages_dropped_total",
		Help: "Messages dropped because a client send queue was full.",
	})

	m.RemindersSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todostream_reminders_sent_total",
		Help: "Reminder notifications delivered.",
	})
	m.RemindersDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todostream_reminders_deferred_total",
		Help: "Reminders deferred to the end of a quiet-hours window.",
	})
	m.RemindersFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todostream_reminders_failed_total",
		Help: "Reminders that exhausted delivery attempts.",
	})

	reg.MustRegister(
		m.EventsPublished, m.PublishFailures, m.FallbackDepth,
		m.EventsProcessed, m.EventsSkipped, m.EventsFailed, m.EventsDeadLetter, m.ProcessDurations,
		m.ConnectedClients, m.MessagesSent, m.MessagesDropped,
		m.RemindersSent, m.RemindersDeferred, m.RemindersFailed,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
