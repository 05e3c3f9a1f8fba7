package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_jobs_enqueued_total", Help: "Total enqueued grading jobs"})
	DuplicateEnqueues   = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_jobs_deduplicated_total", Help: "Enqueue calls answered with an existing job"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_submit_rate_limited_total", Help: "Submissions rejected by the per-user token bucket"})
	WorkerSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_jobs_retried_total", Help: "Jobs that failed transiently and will retry"})
	WorkerDeferred      = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_jobs_deferred_total", Help: "Jobs delayed because the circuit was open"})
	WorkerFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_jobs_failed_total", Help: "Jobs failed terminally"})
	WorkerDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_jobs_escalated_total", Help: "Jobs that exhausted retries and were dead-lettered"})
	WorkerLeaseLost     = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_jobs_lease_lost_total", Help: "Executions abandoned because another worker took over the job"})
	QueueDepthGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "grading_queue_jobs", Help: "Jobs per queue state"}, []string{"state"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "grading_jobs_inflight", Help: "Jobs executing in this process"})
	GateInUse           = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "grading_gate_slots_in_use", Help: "Admission gate slots held"}, []string{"key"})
	BreakerState        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "grading_breaker_state", Help: "Circuit state (0 closed, 1 half-open, 2 open)"}, []string{"name"})
	BreakerRejections   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "grading_breaker_rejections_total", Help: "Calls rejected by an open circuit"}, []string{"name"})
	FanoutPublishes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "grading_fanout_publishes_total", Help: "Room publishes by outcome"}, []string{"event", "outcome"})
	FanoutDropped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_fanout_dropped_total", Help: "Deliveries dropped because a subscriber buffer was full"})
	ProgressWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "grading_progress_write_errors_total", Help: "Advisory progress writes that failed"})
	GradeDuration       = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grading_call_duration_seconds",
		Help:    "Latency of the external grading call",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DuplicateEnqueues,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerDeferred,
			WorkerFailed,
			WorkerDeadLetter,
			WorkerLeaseLost,
			QueueDepthGauge,
			InFlightGauge,
			GateInUse,
			BreakerState,
			BreakerRejections,
			FanoutPublishes,
			FanoutDropped,
			ProgressWriteErrors,
			GradeDuration,
		)
	})
	return promhttp.Handler()
}
