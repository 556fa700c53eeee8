// Package metrics defines the Prometheus collectors for the control plane
// and the agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// GetRegistry returns the process-wide metrics registry.
func GetRegistry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(prometheus.NewGoCollector())
	})
	return registry
}

// ControlPlaneMetrics contains metrics for the control plane.
type ControlPlaneMetrics struct {
	EventsAppended  *prometheus.CounterVec
	SyncsServed     *prometheus.CounterVec
	PlanCompiles    prometheus.Counter
	TrustRecomputes prometheus.Counter
	StreamClients   prometheus.Gauge
	RequestDuration *prometheus.HistogramVec
}

var (
	controlPlaneMetrics     *ControlPlaneMetrics
	controlPlaneMetricsOnce sync.Once
)

// NewControlPlaneMetrics returns the registered control plane collectors.
// Registration happens once per process.
func NewControlPlaneMetrics() *ControlPlaneMetrics {
	controlPlaneMetricsOnce.Do(registerControlPlaneMetrics)
	return controlPlaneMetrics
}

func registerControlPlaneMetrics() {
	m := &ControlPlaneMetrics{
		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zt",
				Subsystem: "events",
				Name:      "appended_total",
				Help:      "Domain events committed to the log",
			},
			[]string{"type"},
		),
		SyncsServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zt",
				Subsystem: "agent",
				Name:      "syncs_total",
				Help:      "Sync requests served",
			},
			[]string{"result"},
		),
		PlanCompiles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "zt",
				Subsystem: "plan",
				Name:      "compiles_total",
				Help:      "Plan compilations",
			},
		),
		TrustRecomputes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "zt",
				Subsystem: "trust",
				Name:      "recomputes_total",
				Help:      "Trust score computations",
			},
		),
		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "zt",
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Connected event stream subscribers",
			},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "zt",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
	}

	GetRegistry().MustRegister(
		m.EventsAppended, m.SyncsServed, m.PlanCompiles,
		m.TrustRecomputes, m.StreamClients, m.RequestDuration,
	)
	controlPlaneMetrics = m
}

// AgentMetrics contains metrics for the node agent.
type AgentMetrics struct {
	SyncAttempts  *prometheus.CounterVec
	ApplyDuration prometheus.Histogram
	PeersManaged  prometheus.Gauge
	RulesManaged  prometheus.Gauge
}

var (
	agentMetrics     *AgentMetrics
	agentMetricsOnce sync.Once
)

// NewAgentMetrics returns the registered agent collectors. Registration
// happens once per process.
func NewAgentMetrics() *AgentMetrics {
	agentMetricsOnce.Do(registerAgentMetrics)
	return agentMetrics
}

func registerAgentMetrics() {
	m := &AgentMetrics{
		SyncAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zt",
				Subsystem: "agent",
				Name:      "sync_attempts_total",
				Help:      "Sync attempts by result",
			},
			[]string{"result"},
		),
		ApplyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "zt",
				Subsystem: "agent",
				Name:      "apply_duration_seconds",
				Help:      "Plan apply duration",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PeersManaged: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "zt",
				Subsystem: "agent",
				Name:      "peers_managed",
				Help:      "WireGuard peers under management",
			},
		),
		RulesManaged: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "zt",
				Subsystem: "agent",
				Name:      "rules_managed",
				Help:      "Firewall rules in the dedicated chain",
			},
		),
	}

	GetRegistry().MustRegister(m.SyncAttempts, m.ApplyDuration, m.PeersManaged, m.RulesManaged)
	agentMetrics = m
}
