// Package metrics holds the Prometheus collectors for the ingestion
// pipeline, attendance decisions and live fan-out. All Record methods are
// safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geoattend"

// Sample result label values.
const (
	SampleAccepted      = "accepted"
	SampleRejected      = "rejected"
	SampleRateLimited   = "rate_limited"
	SampleLowConfidence = "low_confidence"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	samples          *prometheus.CounterVec
	zoneEvents       *prometheus.CounterVec
	attendance       *prometheus.CounterVec
	stageErrors      *prometheus.CounterVec
	busPublished     prometheus.Counter
	busDelivered     prometheus.Counter
	busDropped       prometheus.Counter
	liveSubscribers  prometheus.Gauge
	pendingQueue     prometheus.Gauge
	pipelineDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "samples_total",
			Help:      "Location samples received, by gateway result.",
		}, []string{"result"}),
		zoneEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "zone_events_total",
			Help:      "Zone transitions emitted, by event type.",
		}, []string{"event_type"}),
		attendance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attendance",
			Name:      "decisions_total",
			Help:      "Attendance decisions, by outcome.",
		}, []string{"outcome"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "stage_errors_total",
			Help:      "Per-sample pipeline errors, by stage.",
		}, []string{"stage"}),
		busPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Zone events published to the bus.",
		}),
		busDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "delivered_total",
			Help:      "Zone events enqueued to a subscriber.",
		}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers closed because their buffer was full.",
		}),
		liveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "subscribers",
			Help:      "Currently attached live subscribers.",
		}),
		pendingQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "attendance",
			Name:      "pending",
			Help:      "Entries waiting in the pending attendance queue.",
		}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "pipeline_duration_seconds",
			Help:      "Time to process one accepted sample.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}

	reg.MustRegister(
		m.samples, m.zoneEvents, m.attendance, m.stageErrors,
		m.busPublished, m.busDelivered, m.busDropped,
		m.liveSubscribers, m.pendingQueue, m.pipelineDuration,
	)
	return m
}

// RecordSample counts one gateway result.
func (m *Metrics) RecordSample(result string) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(result).Inc()
}

// RecordZoneEvent counts one emitted transition.
func (m *Metrics) RecordZoneEvent(eventType string) {
	if m == nil {
		return
	}
	m.zoneEvents.WithLabelValues(eventType).Inc()
}

// RecordAttendance counts one attendance outcome.
func (m *Metrics) RecordAttendance(outcome string) {
	if m == nil {
		return
	}
	m.attendance.WithLabelValues(outcome).Inc()
}

// RecordStageError counts a failure in one pipeline stage.
func (m *Metrics) RecordStageError(stage string) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(stage).Inc()
}

// RecordPublish counts a bus publish and the subscribers it reached.
func (m *Metrics) RecordPublish(delivered, dropped int) {
	if m == nil {
		return
	}
	m.busPublished.Inc()
	m.busDelivered.Add(float64(delivered))
	m.busDropped.Add(float64(dropped))
}

// AddSubscribers moves the live subscriber gauge by delta.
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.liveSubscribers.Add(float64(delta))
}

// SetPending reports the pending attendance queue depth.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingQueue.Set(float64(n))
}

// ObservePipeline records how long one sample took end to end.
func (m *Metrics) ObservePipeline(d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.Observe(d.Seconds())
}
