package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentErrorsTotal *prometheus.CounterVec
	agentMessages    *prometheus.CounterVec

	activeSessions prometheus.Gauge
	storedPlans    prometheus.Gauge

	backgroundTasks *prometheus.GaugeVec

	providerCreateTotal *prometheus.CounterVec
	registeredProviders prometheus.Gauge

	historyWriteDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_agent_run_total",
					Help: "Total agent requests by provider, phase and status.",
				},
				[]string{"provider", "phase", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conductor_agent_run_duration_seconds",
					Help:    "Agent request duration in seconds by provider and phase.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider", "phase"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_agent_errors_total",
					Help: "Total agent requests that ended with an error message.",
				},
				[]string{"provider"},
			),
			agentMessages: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_agent_messages_total",
					Help: "Total stream messages delivered by message type.",
				},
				[]string{"type"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conductor_active_sessions",
					Help: "Current number of tracked sessions.",
				},
			),
			storedPlans: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conductor_stored_plans",
					Help: "Current number of plans bound to sessions.",
				},
			),
			backgroundTasks: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "conductor_background_tasks",
					Help: "Current background task count by state.",
				},
				[]string{"state"},
			),
			providerCreateTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_provider_create_total",
					Help: "Total agent constructions by provider and status.",
				},
				[]string{"provider", "status"},
			),
			registeredProviders: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conductor_registered_providers",
					Help: "Current number of registered provider plugins.",
				},
			),
			historyWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conductor_history_write_duration_seconds",
					Help:    "Run history write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.agentMessages,
			m.activeSessions,
			m.storedPlans,
			m.backgroundTasks,
			m.providerCreateTotal,
			m.registeredProviders,
			m.historyWriteDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordAgentRun records a finished request. status is one of
// "success", "error" or "aborted".
func RecordAgentRun(provider, phase, status string, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, phase, status).Inc()
	m.agentRunDuration.WithLabelValues(provider, phase).Observe(duration.Seconds())
	if status == "error" {
		m.agentErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func RecordAgentMessage(messageType string) {
	m := getMetrics()
	m.agentMessages.WithLabelValues(messageType).Inc()
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func SetStoredPlans(count int) {
	m := getMetrics()
	m.storedPlans.Set(float64(count))
}

func SetBackgroundTasks(running, finished int) {
	m := getMetrics()
	m.backgroundTasks.WithLabelValues("running").Set(float64(running))
	m.backgroundTasks.WithLabelValues("finished").Set(float64(finished))
}

func RecordProviderCreate(provider string, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.providerCreateTotal.WithLabelValues(provider, status).Inc()
}

func SetRegisteredProviders(count int) {
	m := getMetrics()
	m.registeredProviders.Set(float64(count))
}

func RecordHistoryWrite(duration time.Duration) {
	m := getMetrics()
	m.historyWriteDuration.Observe(duration.Seconds())
}
