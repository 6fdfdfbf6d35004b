package monitoring

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline metrics.
var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_decisions_total",
		Help: "Delivery decisions produced, by action and tier.",
	}, []string{"action", "tier"})

	EscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_escalations_total",
		Help: "Handoff escalations to the next caregiver.",
	})

	EscalationsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_escalations_exhausted_total",
		Help: "Handoffs that ran out of caregivers without an ack.",
	})

	DigestFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_digest_flushes_total",
		Help: "Digest batches flushed to the delivery queue.",
	})

	OperatorAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_operator_alerts_total",
		Help: "Operator alerts raised, by severity and kind.",
	}, []string{"severity", "kind"})
)

// Dispatcher metrics.
var (
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_dispatch_attempts_total",
		Help: "Dispatch attempts, by channel and result.",
	}, []string{"channel", "result"})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_dead_letters_total",
		Help: "Decisions dead-lettered after permanent dispatch failure.",
	})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notify_dispatch_duration_seconds",
		Help:    "Time spent handing a decision to the transport.",
		Buckets: prometheus.DefBuckets,
	})
)

// StartMetricsServer exposes /metrics on its own port, separate from the
// service's API listener.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Printf("Metrics server listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
}
