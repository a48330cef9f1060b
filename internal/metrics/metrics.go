// Package metrics exposes the process's Prometheus collectors: one
// status-labeled counter per pipeline stage plus a duration histogram for
// the end-to-end path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReviewRequestsTotal counts ingest admissions, labeled by mode and
	// outcome (accepted, rejected).
	ReviewRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_requests_total",
		Help: "The total number of review requests admitted through the orchestrator",
	}, []string{"mode", "outcome"})

	// TasksTotal counts worker task completions, labeled by worker group
	// (diff, agent) and terminal status (completed, failed).
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_tasks_total",
		Help: "The total number of review tasks reaching a terminal state",
	}, []string{"group", "status"})

	// ProcessingDuration measures end-to-end task duration, labeled by
	// worker group and terminal status.
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "review_processing_duration_seconds",
		Help:    "Time taken to process a review request end to end",
		Buckets: prometheus.DefBuckets,
	}, []string{"group", "status"})

	// LLMRequestsTotal counts LLM calls, labeled by provider and outcome
	// (success, transient_error, protocol_violation).
	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "The total number of LLM streaming requests issued",
	}, []string{"provider", "outcome"})

	// CircuitBreakerState reports each LLM provider's breaker state as a
	// gauge (0=closed, 1=half_open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llm_circuit_breaker_state",
		Help: "Current circuit breaker state per LLM provider (0=closed, 1=half_open, 2=open)",
	}, []string{"provider"})

	// CommentPostFailures counts failed per-comment publish attempts.
	CommentPostFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scm_comment_post_failures_total",
		Help: "Total number of failed comment posts to the source-control provider",
	}, []string{"reason"})

	// QueueDepth reports the current combined pending+claimed queue depth.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of pending and claimed queue entries",
	})

	// AggregatorRejections counts findings dropped by the aggregator,
	// labeled by reason (below_min_confidence, per_file_cap).
	AggregatorRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregator_rejections_total",
		Help: "Total number of findings dropped during aggregation",
	}, []string{"reason"})
)
