package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExportsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_created_total", Help: "Export jobs accepted by the producer"})
	ExportsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_completed_total", Help: "Export jobs completed successfully"})
	ExportsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_failed_total", Help: "Export jobs that reached the failed state"})
	ExportsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_dead_letter_total", Help: "Work items moved to the DLQ"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	SyncInvocations   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_invocations_total", Help: "Third-party sync task invocations"})
	SyncFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_failures_total", Help: "Orchestrator executions that exhausted retries"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exports_queue_depth", Help: "Ready queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exports_inflight", Help: "Work items currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExportsCreated,
			ExportsCompleted,
			ExportsFailed,
			ExportsDeadLetter,
			RateLimitRejects,
			SyncInvocations,
			SyncFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
