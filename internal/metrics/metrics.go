// Package metrics defines the prometheus series exported by the event bus,
// agent outbox, and fusion engine, and a shared HTTP handler to serve them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BusPublishTotal counts publish outcomes by status, envelope class, and
// source_id.
var BusPublishTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bus_publish_total",
		Help: "Total publish requests handled by the event bus, by outcome status.",
	},
	[]string{"status", "class", "source"},
)

// BusQueueDepth tracks the bus's durable queue's current non-DONE record count.
var BusQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "bus_queue_depth",
		Help: "Current number of non-DONE records in the bus durable queue.",
	},
)

// BusInflight tracks envelopes currently INFLIGHT (peeked but not yet acked).
var BusInflight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "bus_inflight",
		Help: "Current number of envelopes in the INFLIGHT state.",
	},
)

// AgentOutboxDepth tracks an agent's local outbox queue depth.
var AgentOutboxDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agent_outbox_depth",
		Help: "Current number of non-DONE records in the agent's outbox queue.",
	},
)

// AgentOutboxBackoffMs reports the current backoff delay the outbox sender
// is observing before its next send attempt.
var AgentOutboxBackoffMs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agent_outbox_backoff_ms",
		Help: "Current backoff delay in milliseconds before the next outbox send attempt.",
	},
)

// AgentReadyState is set by the agent's /ready handler: 0 when the outbox's
// circuit breaker is open, 1 otherwise (closed or half-open).
var AgentReadyState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agent_ready_state",
		Help: "0 if the agent outbox's circuit breaker is open, 1 otherwise (closed or half-open).",
	},
)

// FusionIncidentsTotal counts emitted incidents by rule and severity.
var FusionIncidentsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fusion_incidents_total",
		Help: "Total incidents emitted by the fusion engine, by rule_id and severity.",
	},
	[]string{"rule_id", "severity"},
)

// FusionRuleErrors counts rule evaluation failures in isolation: one rule's
// error does not block others.
var FusionRuleErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fusion_rule_errors",
		Help: "Total rule evaluation errors, by rule_id.",
	},
	[]string{"rule_id"},
)

// DeviceRisk reports the current decayed risk score per device.
var DeviceRisk = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "device_risk",
		Help: "Current device risk score, by device_id.",
	},
	[]string{"device_id"},
)

// AgentHostCPUPercent and AgentHostMemPercent report the agent host's
// resource pressure, sourced from gopsutil, alongside outbox-specific
// series — useful for correlating send failures with host exhaustion.
var AgentHostCPUPercent = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agent_host_cpu_percent",
		Help: "Host CPU utilization percent, sampled from the agent process.",
	},
)

var AgentHostMemPercent = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agent_host_mem_percent",
		Help: "Host memory utilization percent, sampled from the agent process.",
	},
)

// BusPublishDuration tracks publish request latency.
var BusPublishDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "bus_publish_duration_seconds",
		Help:    "Publish request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"status"},
)

var registerOnce = prometheus.NewRegistry()

func init() {
	registerOnce.MustRegister(
		BusPublishTotal,
		BusQueueDepth,
		BusInflight,
		AgentOutboxDepth,
		AgentOutboxBackoffMs,
		AgentReadyState,
		FusionIncidentsTotal,
		FusionRuleErrors,
		DeviceRisk,
		BusPublishDuration,
		AgentHostCPUPercent,
		AgentHostMemPercent,
	)
}

// Handler returns the HTTP handler serving GET /metrics for all registered
// series.
func Handler() http.Handler {
	return promhttp.HandlerFor(registerOnce, promhttp.HandlerOpts{})
}
