// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exported by the graphs. Every metric is labeled by the graph name, so one Metrics can be
// shared by all the graphs of a process.
type Metrics struct {
	ActorRuns         *prometheus.CounterVec
	ContextFailures   *prometheus.CounterVec
	BranchSelections  *prometheus.CounterVec
	BytesAllocated    *prometheus.CounterVec
	BytesFreed        *prometheus.CounterVec
	Invocations       *prometheus.CounterVec
	InvocationSeconds *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. If reg is nil the metrics are not
// registered anywhere, but they are still updated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActorRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrt_actor_runs_total",
			Help: "Number of times actors fired, by actor kind.",
		}, []string{"graph", "kind"}),
		ContextFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrt_context_failures_total",
			Help: "Number of failed invocations, by execution strategy.",
		}, []string{"graph", "strategy"}),
		BranchSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrt_branch_selections_total",
			Help: "Number of times each branch was selected by a condition gather actor.",
		}, []string{"graph", "actor", "branch"}),
		BytesAllocated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrt_memory_allocated_bytes_total",
			Help: "Bytes allocated by the memory manager actor.",
		}, []string{"graph"}),
		BytesFreed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrt_memory_freed_bytes_total",
			Help: "Bytes returned to the device pool by the memory manager actor.",
		}, []string{"graph"}),
		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrt_invocations_total",
			Help: "Number of graph invocations, by status.",
		}, []string{"graph", "status"}),
		InvocationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphrt_invocation_duration_seconds",
			Help:    "Duration of graph invocations.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"graph"}),
	}
}
