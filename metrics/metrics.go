// Package metrics holds the process wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FlowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetflow_flows_started_total",
			Help: "Number of flows created.",
		})

	FlowsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetflow_flows_terminated_total",
			Help: "Number of flows that reached a terminal state.",
		},
		[]string{"state"},
	)

	FlowResumptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetflow_flow_resumptions_total",
			Help: "Handler invocations committed by the runner.",
		})

	NothingToProcess = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetflow_nothing_to_process_total",
			Help: "Processing requests that found no ready work.",
		})

	ResourceLimitBreaches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetflow_resource_limit_breaches_total",
			Help: "Flows stopped for exceeding a resource budget.",
		},
		[]string{"limit"},
	)

	OutputPluginFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetflow_output_plugin_failures_total",
			Help: "Output plugin invocations that returned an error.",
		},
		[]string{"plugin"},
	)

	ScheduledFlowFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetflow_scheduled_flow_failures_total",
			Help: "Scheduled flows that could not be started.",
		})

	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetflow_worker_in_flight",
			Help: "Flows currently being processed by this worker.",
		})
)
