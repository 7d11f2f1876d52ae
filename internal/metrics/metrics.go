// Package metrics exposes Prometheus collectors for the storefront.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio"

// Recorder owns the storefront collectors and the registry they are exported from.
type Recorder struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	previewsTotal       *prometheus.CounterVec
	previewDuration     prometheus.Histogram
	accessDecisions     *prometheus.CounterVec
	bundlesTotal        *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		previewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_ensure_total",
			Help:      "Preview ensure calls by outcome.",
		}, []string{"outcome"}),
		previewDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preview_generation_seconds",
			Help:      "Time spent generating previews.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Access decisions by outcome.",
		}, []string{"decision"}),
		bundlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_total",
			Help:      "Full-set bundle requests by outcome.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(
		r.httpInFlight,
		r.httpRequestsTotal,
		r.httpRequestDuration,
		r.previewsTotal,
		r.previewDuration,
		r.accessDecisions,
		r.bundlesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObservePreview counts an ensure outcome; only real generations feed the latency histogram.
func (r *Recorder) ObservePreview(outcome string, elapsed time.Duration) {
	r.previewsTotal.WithLabelValues(outcome).Inc()
	if outcome == "generated" || outcome == "failed" {
		r.previewDuration.Observe(elapsed.Seconds())
	}
}

// ObserveDecision counts one access decision.
func (r *Recorder) ObserveDecision(decision string) {
	r.accessDecisions.WithLabelValues(decision).Inc()
}

// ObserveBundle counts one bundle request outcome.
func (r *Recorder) ObserveBundle(outcome string) {
	r.bundlesTotal.WithLabelValues(outcome).Inc()
}

// Middleware measures request rate, latency and concurrency per route template.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		r.httpInFlight.Inc()
		start := time.Now()
		c.Next()
		r.httpInFlight.Dec()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		r.httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		r.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
