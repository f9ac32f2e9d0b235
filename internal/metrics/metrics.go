package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatgate"

// Metrics holds the gate's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	billingFetches *prometheus.CounterVec
	billingLatency prometheus.Histogram
	lookups        *prometheus.CounterVec
	invalidations  *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "Rate limit decisions by tier, path and result.",
			},
			[]string{"tier", "path", "allowed"},
		),
		billingFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "fetch_total",
				Help:      "Upstream entitlement fetches by outcome.",
			},
			[]string{"outcome"},
		),
		billingLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "fetch_seconds",
				Help:      "Duration of upstream entitlement fetches.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "lookups_total",
				Help:      "Entitlement lookups by the layer that answered.",
			},
			[]string{"layer"},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "invalidations_total",
				Help:      "Entitlement cache invalidations by source.",
			},
			[]string{"source"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.billingFetches,
		m.billingLatency,
		m.lookups,
		m.invalidations,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDecision counts a limiter decision.
func (m *Metrics) ObserveDecision(tier string, entitled, allowed bool) {
	if m == nil {
		return
	}
	path := "tiered"
	if entitled {
		path = "unlimited"
	}
	m.decisions.WithLabelValues(tier, path, strconv.FormatBool(allowed)).Inc()
}

// ObserveBillingFetch records one upstream fetch.
func (m *Metrics) ObserveBillingFetch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.billingFetches.WithLabelValues(outcome).Inc()
	m.billingLatency.Observe(elapsed.Seconds())
}

// ObserveLookup counts which cache layer answered an entitlement lookup.
func (m *Metrics) ObserveLookup(layer string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(layer).Inc()
}

// ObserveInvalidation counts a cache invalidation.
func (m *Metrics) ObserveInvalidation(source string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(source).Inc()
}
