// Package metrics holds the prometheus instruments shared by the RTLS roles.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtls"

// Metrics contains every instrument exported by the RTLS core
type Metrics struct {
	registry *prometheus.Registry

	// Relay
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	Connections    *prometheus.GaugeVec
	Reconnects     *prometheus.CounterVec
	Subscriptions  *prometheus.GaugeVec

	// Trigger engine
	TriggerEvents   *prometheus.CounterVec
	TriggersSkipped *prometheus.CounterVec
	DispatchDropped prometheus.Counter

	// Zone resolver
	ResolutionsDegraded prometheus.Counter
	ResolutionDuration  prometheus.Histogram

	// Rule engine
	RuleEvaluations  *prometheus.CounterVec
	RulesActive      prometheus.Gauge
	RuleCacheVersion prometheus.Gauge
}

// New creates the instruments and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Frames received by role and frame type",
		}, []string{"role", "type"}),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_sent_total",
			Help:      "Frames sent by role and frame type",
		}, []string{"role", "type"}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by role and reason",
		}, []string{"role", "reason"}),

		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay connections by role",
		}, []string{"role"}),

		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Upstream reconnect attempts by role",
		}, []string{"role"}),

		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscriptions",
			Help:      "Active stream subscriptions by role",
		}, []string{"role"}),

		TriggerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "events_total",
			Help:      "Trigger events emitted by direction",
		}, []string{"direction"}),

		TriggersSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "skipped_total",
			Help:      "Triggers skipped during load by reason",
		}, []string{"reason"}),

		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "dispatch_dropped_total",
			Help:      "Samples dropped because a zone worker queue was full",
		}),

		ResolutionsDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "zones",
			Name:      "resolutions_degraded_total",
			Help:      "Zone resolutions that fell back to the campus zone",
		}),

		ResolutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "zones",
			Name:      "resolution_duration_seconds",
			Help:      "Point to zone resolution latency",
			Buckets:   prometheus.DefBuckets,
		}),

		RuleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Rule evaluations by rule type and status",
		}, []string{"rule_type", "status"}),

		RulesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "active",
			Help:      "Enabled rules in the current cache snapshot",
		}),

		RuleCacheVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "cache_version",
			Help:      "Version of the current rule cache snapshot",
		}),
	}

	m.registry.MustRegister(
		m.FramesReceived, m.FramesSent, m.FramesDropped,
		m.Connections, m.Reconnects, m.Subscriptions,
		m.TriggerEvents, m.TriggersSkipped, m.DispatchDropped,
		m.ResolutionsDegraded, m.ResolutionDuration,
		m.RuleEvaluations, m.RulesActive, m.RuleCacheVersion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
