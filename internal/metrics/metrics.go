package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Claim/execute metrics

	JobClaimLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mqq",
		Name:      "job_claim_latency_seconds",
		Help:      "Time from a job becoming due (startAfter) to being claimed by a worker.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	ChunkDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mqq",
		Name:      "chunk_duration_seconds",
		Help:      "Duration of one callback chunk invocation.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mqq",
		Name:      "jobs_completed_total",
		Help:      "Total jobs finished by the processor, by outcome (completed, retried_or_failed).",
	}, []string{"outcome"})

	// Rescuer metrics

	RescuerReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mqq",
		Name:      "rescuer_reclaimed_total",
		Help:      "Total stuck jobs reclaimed by the rescuer.",
	})

	RescuerCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mqq",
		Name:      "rescuer_cycle_duration_seconds",
		Help:      "Time taken for one rescuer cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	// Leader election metrics

	LeaderTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mqq",
		Name:      "leader_transitions_total",
		Help:      "Leadership transitions observed by this instance.",
	}, []string{"direction"})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mqq",
		Name:      "is_leader",
		Help:      "1 if this instance currently holds the leader lease, else 0.",
	})

	// Periodic engine metrics

	PeriodicFiresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mqq",
		Name:      "periodic_fires_total",
		Help:      "Total periodic definition fires, including catch-up runs.",
	}, []string{"definition"})

	// Workflow engine metrics

	WorkflowStepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mqq",
		Name:      "workflow_steps_total",
		Help:      "Total workflow step invocations, by outcome.",
	}, []string{"definition", "outcome"})

	// Process lifecycle

	ProcessStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mqq",
		Name:      "process_start_time_seconds",
		Help:      "Unix timestamp when this process started.",
	})
)

// Register registers every collector against prometheus.DefaultRegisterer.
func Register() {
	prometheus.MustRegister(
		JobClaimLatency,
		ChunkDuration,
		JobsCompletedTotal,
		RescuerReclaimedTotal,
		RescuerCycleDuration,
		LeaderTransitionsTotal,
		IsLeader,
		PeriodicFiresTotal,
		WorkflowStepsTotal,
		ProcessStartTime,
	)
}

// NewServer builds the /metrics HTTP server. Callers that also want a
// readiness endpoint register it on the returned server's mux before
// starting it.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
