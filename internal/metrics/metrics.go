// Package metrics exposes Prometheus instrumentation for the proxy.
//
// Metrics:
//   - <ns>_logins_total: login attempts by environment and outcome
//   - <ns>_registrations_total: registration forwards by environment and outcome
//   - <ns>_broadcast_deliveries_total: subscriber delivery attempts by result
//   - <ns>_subscribers: currently connected real-time subscribers
//   - <ns>_upstream_request_duration_seconds: upstream call latency
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the metric registry and all proxy metrics.
type Collector struct {
	registry *prometheus.Registry

	logins           *prometheus.CounterVec
	registrations    *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	subscribers      prometheus.Gauge
	upstreamDuration *prometheus.HistogramVec
}

// NewCollector creates and registers the proxy metrics under the given
// namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Login attempts by environment and outcome",
			},
			[]string{"environment", "outcome"},
		),

		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Registration forwards by environment and outcome",
			},
			[]string{"environment", "outcome"},
		),

		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_deliveries_total",
				Help:      "Broadcast delivery attempts by result",
			},
			[]string{"result"},
		),

		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscribers",
				Help:      "Currently connected real-time subscribers",
			},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Duration of upstream print-service calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"environment", "operation"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		c.logins,
		c.registrations,
		c.deliveries,
		c.subscribers,
		c.upstreamDuration,
	)
	return c
}

// RecordLogin records one login attempt.
func (c *Collector) RecordLogin(environment, outcome string, duration time.Duration) {
	c.logins.WithLabelValues(environment, outcome).Inc()
	c.upstreamDuration.WithLabelValues(environment, "login").Observe(duration.Seconds())
}

// RecordRegistration records one registration forward.
func (c *Collector) RecordRegistration(environment, outcome string, duration time.Duration) {
	c.registrations.WithLabelValues(environment, outcome).Inc()
	c.upstreamDuration.WithLabelValues(environment, "register").Observe(duration.Seconds())
}

// RecordDelivery records one broadcast delivery attempt.
func (c *Collector) RecordDelivery(ok bool) {
	result := "delivered"
	if !ok {
		result = "failed"
	}
	c.deliveries.WithLabelValues(result).Inc()
}

// SetSubscribers sets the live subscriber gauge.
func (c *Collector) SetSubscribers(n int) {
	c.subscribers.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
