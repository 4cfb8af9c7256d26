package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexx_jobs_total",
			Help: "Total number of code execution jobs",
		},
		[]string{"language", "outcome"}, // outcome: "success", "compile_error", "runtime_error", "timeout", "infrastructure"
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codexx_phase_duration_ms",
			Help:    "Job phase duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language", "phase"}, // phase: "bind", "compile", "execute", "cleanup", "total"
	)

	PoolAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexx_pool_acquire_total",
			Help: "Pool acquire attempts by result",
		},
		[]string{"language", "result"}, // result: "hit", "miss"
	)

	PoolIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codexx_pool_idle_containers",
			Help: "Idle pre-warmed containers per language",
		},
		[]string{"language"},
	)

	ContainerStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexx_container_starts_total",
			Help: "Container start attempts",
		},
		[]string{"language", "kind", "result"}, // kind: "pooled", "ephemeral"
	)

	CleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codexx_cleanup_failures_total",
			Help: "Cleanup steps that failed after a job finished",
		},
		[]string{"step"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codexx_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
