package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry          *prometheus.Registry
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	UnitsParsedTotal  prometheus.Counter
	UnitsSkippedTotal *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "election_scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "election_scraper_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	unitsParsed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "election_scraper_units_parsed_total",
			Help: "Total number of unit pages parsed successfully.",
		},
	)
	unitsSkipped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "election_scraper_units_skipped_total",
			Help: "Total number of unit pages skipped, by reason.",
		},
		[]string{"reason"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "election_scraper_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "election_scraper_errors_total",
			Help: "Total number of request errors by type.",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(requests, requestDuration, unitsParsed, unitsSkipped, retries, errorsTotal)

	return &Metrics{
		Registry:          registry,
		RequestsTotal:     requests,
		RequestDuration:   requestDuration,
		UnitsParsedTotal:  unitsParsed,
		UnitsSkippedTotal: unitsSkipped,
		RetriesTotal:      retries,
		ErrorsTotal:       errorsTotal,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncParsed increments the parsed units counter.
func (m *Metrics) IncParsed() {
	if m == nil {
		return
	}
	m.UnitsParsedTotal.Inc()
}

// IncSkipped increments the skipped units counter for a reason label.
func (m *Metrics) IncSkipped(reason string) {
	if m == nil {
		return
	}
	m.UnitsSkippedTotal.WithLabelValues(reason).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
