package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Flow instance metrics
	FlowInstancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_instances_total",
			Help: "Total number of flow instances by final status",
		},
		[]string{"flow_name", "status", "trigger"},
	)

	FlowInstanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flow_instance_duration_seconds",
			Help:    "Flow instance duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"flow_name"},
	)

	// Node metrics
	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_retries_total",
			Help: "Total number of node execution retries",
		},
		[]string{"node_type"},
	)
)
