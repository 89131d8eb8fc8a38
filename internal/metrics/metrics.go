package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgebox_runs_total",
			Help: "Total number of runs by terminal status",
		},
		[]string{"language", "status"},
	)

	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgebox_invocations_total",
			Help: "Total number of invocations; result is ok or error",
		},
		[]string{"language", "result"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "judgebox_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language", "phase"}, // phase: "compile", "run", "total"
	)

	MemoryUsage = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "judgebox_memory_usage_bytes",
			Help:    "Peak memory usage per run in bytes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 9),
		},
		[]string{"language"},
	)

	ContainerCreationTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "judgebox_container_creation_ms",
			Help:    "Time to create and start a container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"kind"}, // kind: "warm", "ephemeral"
	)

	PoolAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgebox_pool_acquisitions_total",
			Help: "Container acquisitions by source",
		},
		[]string{"language", "source"}, // source: "hit", "warm_create", "ephemeral"
	)

	PoolEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgebox_pool_evictions_total",
			Help: "Warm containers evicted because their workspace could not be wiped",
		},
	)

	LeakedContainers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judgebox_leaked_containers",
			Help: "Containers whose removal failed and await reconciliation",
		},
	)

	ImagePulls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judgebox_image_pulls_total",
			Help: "Image pulls by result",
		},
		[]string{"result"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judgebox_queue_depth",
			Help: "Current number of jobs in the queue",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judgebox_active_workers",
			Help: "Number of workers currently processing jobs",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judgebox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
