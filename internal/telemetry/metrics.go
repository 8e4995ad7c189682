package telemetry

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	overridesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safedeps_overrides_applied_total",
		Help: "Dependency specs rewritten to a safe replacement",
	}, []string{"kind"})

	remediationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safedeps_remediation_candidates_total",
		Help: "Remediation candidates by outcome",
	}, []string{"outcome"})

	registryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safedeps_registry_requests_total",
		Help: "Registry and advisory HTTP requests by host and status",
	}, []string{"host", "status"})

	installDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safedeps_install_duration_seconds",
		Help:    "Duration of package manager invocations",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"agent", "command"})
)

// TrackOverride counts an added or updated override
func TrackOverride(kind string) {
	overridesApplied.WithLabelValues(kind).Inc()
}

// TrackRemediation counts a remediation candidate outcome
func TrackRemediation(outcome string) {
	remediationOutcomes.WithLabelValues(outcome).Inc()
}

// TrackRegistryRequest counts an upstream request
func TrackRegistryRequest(host, status string) {
	registryRequests.WithLabelValues(host, status).Inc()
}

// ObserveInstall records how long a package manager command took
func ObserveInstall(agent, command string, seconds float64) {
	installDuration.WithLabelValues(agent, command).Observe(seconds)
}

// MetricsHandler exposes the default registry
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a HTTP server exposing Prometheus metrics.
func StartMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())

	slog.Info("Starting metrics server", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
