// Package metrics defines the collector's Prometheus collectors
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ingestion collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	framesTotal         prometheus.Counter
	messagesTotal       *prometheus.CounterVec
	rejectionsTotal     *prometheus.CounterVec
	eventsStoredTotal   prometheus.Counter
	publishErrorsTotal  prometheus.Counter
	sessionsActive      prometheus.Gauge
	sessionsClosedTotal *prometheus.CounterVec
	sessionsRefused     *prometheus.CounterVec
	agentsOfflineTotal  prometheus.Counter
	storeWriteDuration  prometheus.Histogram
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeygrid_frames_received_total",
			Help: "Total number of frames read from agent connections",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeygrid_messages_accepted_total",
			Help: "Total number of messages that passed validation",
		}, []string{"msg_type"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeygrid_messages_rejected_total",
			Help: "Total number of dropped messages by reason",
		}, []string{"reason"}),
		eventsStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeygrid_events_stored_total",
			Help: "Total number of honeytoken events persisted",
		}),
		publishErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeygrid_signal_publish_errors_total",
			Help: "Total number of event signals that could not be published",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "honeygrid_sessions_active",
			Help: "Number of live agent sessions",
		}),
		sessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeygrid_sessions_closed_total",
			Help: "Total number of closed agent sessions by cause",
		}, []string{"cause"}),
		sessionsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeygrid_sessions_refused_total",
			Help: "Total number of connections refused before a session started",
		}, []string{"reason"}),
		agentsOfflineTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeygrid_agents_marked_offline_total",
			Help: "Total number of agents moved to OFFLINE by the liveness sweep",
		}),
		storeWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "honeygrid_store_write_duration_seconds",
			Help:    "Event store write duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesTotal,
		m.messagesTotal,
		m.rejectionsTotal,
		m.eventsStoredTotal,
		m.publishErrorsTotal,
		m.sessionsActive,
		m.sessionsClosedTotal,
		m.sessionsRefused,
		m.agentsOfflineTotal,
		m.storeWriteDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.framesTotal.Inc()
	}
}

func (m *Metrics) MessageAccepted(msgType string) {
	if m != nil {
		m.messagesTotal.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejectionsTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) EventStored(took time.Duration) {
	if m != nil {
		m.eventsStoredTotal.Inc()
		m.storeWriteDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) PublishFailed() {
	if m != nil {
		m.publishErrorsTotal.Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed(cause string) {
	if m != nil {
		m.sessionsActive.Dec()
		m.sessionsClosedTotal.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) SessionRefused(reason string) {
	if m != nil {
		m.sessionsRefused.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AgentsMarkedOffline(n int) {
	if m != nil && n > 0 {
		m.agentsOfflineTotal.Add(float64(n))
	}
}
