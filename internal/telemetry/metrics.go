package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TriggersTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "forcesync_triggers_total", Help: "Trigger requests by mode and outcome"}, []string{"mode", "outcome"})
	AdmissionConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "forcesync_admission_conflicts_total", Help: "Triggers rejected because a session was in flight"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "forcesync_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	SessionsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "forcesync_sessions_finished_total", Help: "Sessions reaching a terminal status"}, []string{"status"})
	ActiveSessions       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "forcesync_sessions_active", Help: "In-flight sessions whose deadline this process is watching"})
	TierDuration         = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "forcesync_tier_duration_seconds", Help: "Tier execution latency", Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}}, []string{"tier", "status"})
	WebhookAttempts      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "forcesync_webhook_attempts_total", Help: "External webhook attempts by outcome"}, []string{"outcome"})
	IdentityViolations   = prometheus.NewCounter(prometheus.CounterOpts{Name: "forcesync_identity_violations_total", Help: "External identity mismatches and invalid configurations"})
	EventPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "forcesync_event_publish_failures_total", Help: "Lifecycle events a sink failed to accept"}, []string{"sink"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "forcesync_queue_depth", Help: "Async jobs waiting to run"})
	SweptSessions        = prometheus.NewCounter(prometheus.CounterOpts{Name: "forcesync_sessions_swept_total", Help: "Terminal sessions removed after retention"})
	WorkerJobs           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "forcesync_worker_jobs_total", Help: "Async jobs handled by workers by outcome"}, []string{"outcome"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "forcesync_worker_in_flight", Help: "Async jobs currently executing"})
	LeasesReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "forcesync_worker_leases_reclaimed_total", Help: "Jobs requeued after their lease expired"})
)

// Register adds every collector to the default registry exactly once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TriggersTotal,
			AdmissionConflicts,
			RateLimitRejects,
			SessionsFinished,
			ActiveSessions,
			TierDuration,
			WebhookAttempts,
			IdentityViolations,
			EventPublishFailures,
			QueueDepthGauge,
			SweptSessions,
			WorkerJobs,
			InFlightGauge,
			LeasesReclaimed,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
