package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	apiRequestsTotal     *prometheus.CounterVec
	apiLatencySeconds    *prometheus.HistogramVec
	apiErrorsTotal       *prometheus.CounterVec
	sessionsOpenedTotal  *prometheus.CounterVec
	sessionsClosedTotal  *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	signalsRecordedTotal *prometheus.CounterVec
	fraudFlagsTotal      *prometheus.CounterVec
	decisionsTotal       *prometheus.CounterVec
	externalRetriesTotal *prometheus.CounterVec
	gradingSeconds       *prometheus.HistogramVec
	notificationsTotal   *prometheus.CounterVec
	accountRemovalsTotal prometheus.Counter
	sweptSessionsTotal   prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the vetting API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_api_requests_total",
			Help: "Total number of vetting API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vetting_api_latency_seconds",
			Help:    "Latency distribution for vetting API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_api_errors_total",
			Help: "Total number of error responses returned by vetting endpoints.",
		}, []string{"method", "route", "status"})

		sessionsOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_sessions_opened_total",
			Help: "Test sessions opened by test type.",
		}, []string{"test_type"})

		sessionsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_sessions_closed_total",
			Help: "Test sessions closed by test type and reason.",
		}, []string{"test_type", "reason"})

		sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vetting_session_timers_active",
			Help: "Expiry timers currently armed in this process.",
		})

		signalsRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_activity_signals_total",
			Help: "Integrity signals recorded by type.",
		}, []string{"signal_type"})

		fraudFlagsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_fraud_flags_total",
			Help: "Fraud flags raised by type and severity.",
		}, []string{"flag_type", "severity"})

		decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_decisions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"status"})

		externalRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_external_retries_total",
			Help: "Retries of external collaborator calls.",
		}, []string{"collaborator"})

		gradingSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vetting_grading_duration_seconds",
			Help:    "Time spent grading a closed session.",
			Buckets: prometheus.DefBuckets,
		}, []string{"test_type", "outcome"})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vetting_notifications_published_total",
			Help: "Vetting events published to the broker.",
		}, []string{"event"})

		accountRemovalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vetting_account_removals_total",
			Help: "Applicant accounts removed after rejection.",
		})

		sweptSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vetting_swept_sessions_total",
			Help: "Expired sessions closed by the background sweeper.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			sessionsOpenedTotal, sessionsClosedTotal, sessionsActive,
			signalsRecordedTotal, fraudFlagsTotal, decisionsTotal,
			externalRetriesTotal, gradingSeconds, notificationsTotal,
			accountRemovalsTotal, sweptSessionsTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

func SessionsOpened() *prometheus.CounterVec {
	RegisterMetrics()
	return sessionsOpenedTotal
}

func SessionsClosed() *prometheus.CounterVec {
	RegisterMetrics()
	return sessionsClosedTotal
}

// SessionTimersActive tracks armed expiry timers.
func SessionTimersActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActive
}

func SignalsRecorded() *prometheus.CounterVec {
	RegisterMetrics()
	return signalsRecordedTotal
}

func FraudFlags() *prometheus.CounterVec {
	RegisterMetrics()
	return fraudFlagsTotal
}

func Decisions() *prometheus.CounterVec {
	RegisterMetrics()
	return decisionsTotal
}

// ExternalRetries counts retried calls per external collaborator.
func ExternalRetries() *prometheus.CounterVec {
	RegisterMetrics()
	return externalRetriesTotal
}

func GradingDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingSeconds
}

func NotificationsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

func AccountRemovals() prometheus.Counter {
	RegisterMetrics()
	return accountRemovalsTotal
}

func SweptSessions() prometheus.Counter {
	RegisterMetrics()
	return sweptSessionsTotal
}
