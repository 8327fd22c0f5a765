// Package metrics exposes the service's Prometheus instrumentation,
// scraped at /metrics via echoprometheus (as in the teacher's
// internal/app wiring).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkerPoolActiveWorkers tracks the current number of live workers.
	WorkerPoolActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytsize",
		Name:      "worker_pool_active_workers",
		Help:      "Current number of workers in the pool",
	})

	// WorkerPoolQueueDepth tracks the current worker pool queue length.
	WorkerPoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytsize",
		Name:      "worker_pool_queue_depth",
		Help:      "Current number of tasks waiting in the worker pool queue",
	})

	// WorkerPoolTasksCompleted counts tasks that ran to completion (success or failure).
	WorkerPoolTasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ytsize",
		Name:      "worker_pool_tasks_completed_total",
		Help:      "Total number of tasks completed by the worker pool",
	})

	// WorkerPoolTasksFailed counts tasks that completed with a failure code.
	WorkerPoolTasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ytsize",
		Name:      "worker_pool_tasks_failed_total",
		Help:      "Total number of tasks that completed with a failure code",
	})

	// WorkerPoolWorkersRecycled counts worker destroy/replace cycles
	// (task-limit recycling, timeout recovery, crash recovery).
	WorkerPoolWorkersRecycled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ytsize",
		Name:      "worker_pool_workers_recycled_total",
		Help:      "Total number of workers destroyed and replaced",
	})

	// CircuitBreakerState is 0=CLOSED, 1=OPEN, 2=HALF_OPEN.
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytsize",
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state (0=CLOSED, 1=OPEN, 2=HALF_OPEN)",
	})

	// CircuitBreakerRejections counts requests rejected while OPEN.
	CircuitBreakerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ytsize",
		Name:      "circuit_breaker_rejections_total",
		Help:      "Total number of requests rejected with CIRCUIT_OPEN",
	})

	// RateLimiterDegraded is 1 when the limiter has fallen back to the
	// local in-process store, 0 when the distributed backend is healthy.
	RateLimiterDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytsize",
		Name:      "rate_limiter_degraded",
		Help:      "1 when the rate limiter is running on the local fallback, 0 otherwise",
	})

	// RateLimiterRejections counts requests rejected by the limiter.
	RateLimiterRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ytsize",
		Name:      "rate_limiter_rejections_total",
		Help:      "Total number of requests rejected by the rate limiter",
	})

	// LifecycleState is 0=RUNNING, 1=DRAINING, 2=TERMINATED.
	LifecycleState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytsize",
		Name:      "lifecycle_state",
		Help:      "Current lifecycle state (0=RUNNING, 1=DRAINING, 2=TERMINATED)",
	})

	// LifecycleActiveConnections tracks the tracked inbound-connection set size.
	LifecycleActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytsize",
		Name:      "lifecycle_active_connections",
		Help:      "Current number of tracked inbound HTTP connections",
	})

	// RequestsTotal counts inbound requests to the size endpoint, by outcome code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytsize",
		Name:      "requests_total",
		Help:      "Total requests to POST /api/v1/size, labeled by outcome code",
	}, []string{"code"})
)
