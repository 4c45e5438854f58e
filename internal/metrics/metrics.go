package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "planboard"

// Metrics groups the service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	mutations         *prometheus.CounterVec
	mutationDuration  prometheus.Histogram
	lockWait          prometheus.Histogram
	eventsPublished   *prometheus.CounterVec
	streamSubscribers prometheus.Gauge
	presenceSessions  prometheus.Gauge
	presenceMessages  *prometheus.CounterVec
	archiveUploads    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutations",
			Name:      "total",
			Help:      "Submitted document mutations by result",
		}, []string{"result"}),
		mutationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mutations",
			Name:      "duration_seconds",
			Help:      "Time from submission to commit or rejection, lock wait included",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		lockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mutations",
			Name:      "lock_wait_seconds",
			Help:      "Time spent queued behind other mutations of the same document",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Document events published by kind",
		}, []string{"kind"}),
		streamSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Active document event subscribers",
		}),
		presenceSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "sessions",
			Help:      "Open presence connections",
		}),
		presenceMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "messages_total",
			Help:      "Inbound presence messages by type and outcome",
		}, []string{"type", "outcome"}),
		archiveUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "uploads_total",
			Help:      "Document snapshot uploads by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveMutation(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(result).Inc()
	m.mutationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(elapsed.Seconds())
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.streamSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.streamSubscribers.Dec()
}

func (m *Metrics) PresenceOpened() {
	if m == nil {
		return
	}
	m.presenceSessions.Inc()
}

func (m *Metrics) PresenceClosed() {
	if m == nil {
		return
	}
	m.presenceSessions.Dec()
}

func (m *Metrics) PresenceMessage(messageType, outcome string) {
	if m == nil {
		return
	}
	m.presenceMessages.WithLabelValues(messageType, outcome).Inc()
}

func (m *Metrics) ArchiveUpload(result string) {
	if m == nil {
		return
	}
	m.archiveUploads.WithLabelValues(result).Inc()
}
