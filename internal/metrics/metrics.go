// Package metrics exposes Prometheus instrumentation for the
// orchestrator's moving parts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the orchestrator records into.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.ActivationsStarted.WithLabelValues("auto").Inc()
type Metrics struct {
	// ActivationsStarted counts agent activations by trigger.
	// Labels: trigger (auto|manual|scheduled)
	ActivationsStarted *prometheus.CounterVec

	// ActivationsFinished counts terminal activation states.
	// Labels: state (done|failed)
	ActivationsFinished *prometheus.CounterVec

	// ActivationRetries counts transient-error retries.
	// Labels: reason
	ActivationRetries *prometheus.CounterVec

	// ActivationDuration measures end-to-end activation time in seconds.
	// Labels: provider
	ActivationDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// RoutingFallbacks counts routing decisions that fell past the
	// preferred provider. Labels: model, target
	RoutingFallbacks *prometheus.CounterVec

	// SummaryRegenerations counts summary broker outcomes.
	// Labels: outcome (regenerated|skipped_fresh|failed)
	SummaryRegenerations *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// EventsBroadcast counts events published to observers.
	// Labels: event
	EventsBroadcast *prometheus.CounterVec

	// SchedulerTicks counts initiation scheduler passes.
	SchedulerTicks prometheus.Counter

	// QueueDepth tracks jobs waiting in the in-process queue.
	QueueDepth prometheus.Gauge
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActivationsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundtable_activations_started_total",
				Help: "Agent activations started, by trigger source",
			},
			[]string{"trigger"},
		),
		ActivationsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundtable_activations_finished_total",
				Help: "Agent activations reaching a terminal state",
			},
			[]string{"state"},
		),
		ActivationRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundtable_activation_retries_total",
				Help: "Transient provider failures retried with backoff",
			},
			[]string{"reason"},
		),
		ActivationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roundtable_activation_duration_seconds",
				Help:    "End-to-end activation duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundtable_llm_tokens_total",
				Help: "Token consumption by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),
		RoutingFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundtable_routing_fallbacks_total",
				Help: "Routing decisions that fell back from the preferred provider",
			},
			[]string{"model", "target"},
		),
		SummaryRegenerations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundtable_summary_regenerations_total",
				Help: "Summary broker job outcomes",
			},
			[]string{"outcome"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundtable_tool_executions_total",
				Help: "Tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),
		EventsBroadcast: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roundtable_events_broadcast_total",
				Help: "Events published to conversation observers",
			},
			[]string{"event"},
		),
		SchedulerTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roundtable_scheduler_ticks_total",
				Help: "Initiation scheduler passes completed",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roundtable_queue_depth",
				Help: "Jobs waiting in the in-process queue",
			},
		),
	}
}
