// Package metrics provides Prometheus metrics collection for tablegate.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tablegate"

// Collector holds all Prometheus metrics for tablegate. It implements
// ports.Metrics for the engine and carries the HTTP request series used by
// the transport middleware.
type Collector struct {
	gatherer prometheus.Gatherer

	// Schema metrics
	SchemaCacheLookups *prometheus.CounterVec
	SchemaLoadDuration *prometheus.HistogramVec
	SchemaLoadErrors   *prometheus.CounterVec

	// Engine metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// New registers the collectors with the default Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry registers the collectors with reg and serves them from
// gatherer. Tests pass a fresh prometheus.Registry for both.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		gatherer: gatherer,

		SchemaCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schema_cache_lookups_total",
				Help:      "Schema cache lookups by tier and result",
			},
			[]string{"model", "tier", "result"},
		),
		SchemaLoadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "schema_load_duration_seconds",
				Help:      "Time spent reading, parsing and compiling schema documents",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"model"},
		),
		SchemaLoadErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schema_load_errors_total",
				Help:      "Schema documents that failed to load",
			},
			[]string{"model", "code"},
		),

		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Engine operations by model, operation and outcome",
			},
			[]string{"model", "op", "code"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Engine operation duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"model", "op"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
	}
}

func (c *Collector) SchemaCache(model, tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.SchemaCacheLookups.WithLabelValues(model, tier, result).Inc()
}

func (c *Collector) SchemaLoad(model string, d time.Duration, err error) {
	c.SchemaLoadDuration.WithLabelValues(model).Observe(d.Seconds())
	if err != nil {
		c.SchemaLoadErrors.WithLabelValues(model, errs.Code(err)).Inc()
	}
}

func (c *Collector) Operation(model, op string, d time.Duration, err error) {
	code := "ok"
	if err != nil {
		code = errs.Code(err)
	}
	c.OperationsTotal.WithLabelValues(model, op, code).Inc()
	c.OperationDuration.WithLabelValues(model, op).Observe(d.Seconds())
}

// ObserveRequest records one finished HTTP request. route is the matched
// route pattern, never the raw path, to keep label cardinality bounded.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	c.RequestsTotal.WithLabelValues(method, route, StatusClass(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the collected metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StatusClass buckets a status code as "2xx", "4xx" and so on.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status/100) + "xx"
}

var _ ports.Metrics = (*Collector)(nil)
