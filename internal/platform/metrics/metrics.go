// Package metrics holds the Prometheus collectors shared by the validation
// pipeline. Collectors register on the default registry at init.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ValidationDuration tracks one orchestrator pass per resource.
	ValidationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_validation_duration_seconds",
		Help:    "Duration of one multi-aspect validation pass",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"resource_type"})

	AspectResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_validation_aspect_results_total",
		Help: "Aspect outcomes by aspect and status",
	}, []string{"aspect", "status"})

	// PersistFailures counts results that could not be written.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_validation_persist_failures_total",
		Help: "Validation results that failed to persist",
	})

	QueueItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_validation_queue_items_total",
		Help: "Queue items reaching a terminal state",
	}, []string{"status"})

	QueueRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_validation_queue_retries_total",
		Help: "Retry attempts made by queue workers",
	})

	QueueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fhir_validation_queue_in_flight",
		Help: "Validations currently running",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fhir_validation_queue_depth",
		Help: "Items waiting in the standing queue by priority",
	}, []string{"priority"})

	// ConnectivityMode is 0 online, 1 degraded, 2 offline.
	ConnectivityMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fhir_upstream_connectivity_mode",
		Help: "Reported connectivity mode per upstream server",
	}, []string{"server"})

	CircuitTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_upstream_circuit_trips_total",
		Help: "Circuit breaker trips per upstream server",
	}, []string{"server"})

	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_upstream_probe_duration_seconds",
		Help:    "Health probe latency per upstream server",
		Buckets: prometheus.DefBuckets,
	}, []string{"server", "result"})

	GroupsNewMembers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_validation_group_members_total",
		Help: "Resources newly counted into message groups",
	})
)

// Handler exposes the default registry.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
