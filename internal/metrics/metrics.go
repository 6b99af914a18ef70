// Package metrics exposes Prometheus collectors for the snapshot service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rendersTotal          *prometheus.CounterVec
	renderDurationSeconds *prometheus.HistogramVec
	throttledTotal        *prometheus.CounterVec
	rejectedTotal         *prometheus.CounterVec
	poolHandles           *prometheus.GaugeVec
	poolAcquireSeconds    prometheus.Histogram
	tabSpawnFailuresTotal prometheus.Counter
	storageWritesTotal    *prometheus.CounterVec
	httpRequestsTotal     *prometheus.CounterVec
	httpDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		rendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapframe_renders_total",
				Help: "Total renders, labeled by tenant, format, and status.",
			},
			[]string{"tenant", "format", "status"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snapframe_render_duration_seconds",
				Help:    "Histogram of end-to-end render latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"format"},
		)

		throttledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapframe_throttled_total",
				Help: "Requests rejected by admission control, labeled by bucket scope.",
			},
			[]string{"scope"},
		)

		rejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapframe_rejected_total",
				Help: "Requests rejected before admission, labeled by reason.",
			},
			[]string{"reason"},
		)

		poolHandles = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "snapframe_pool_handles",
				Help: "Browser pool handles by state.",
			},
			[]string{"state"},
		)

		poolAcquireSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snapframe_pool_acquire_wait_seconds",
				Help:    "Histogram of waits for a pooled browser handle.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.25, 1, 5, 15},
			},
		)

		tabSpawnFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "snapframe_tab_spawn_failures_total",
				Help: "Total failed browser tab spawns.",
			},
		)

		storageWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapframe_storage_writes_total",
				Help: "Artifact writes, labeled by status.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRender records the outcome of one render request.
func ObserveRender(tenant, format, status string, duration time.Duration) {
	if rendersTotal == nil {
		return
	}
	rendersTotal.WithLabelValues(tenant, format, status).Inc()
	if status == "success" {
		renderDurationSeconds.WithLabelValues(format).Observe(duration.Seconds())
	}
}

// ObserveThrottle records an admission rejection for a bucket scope.
func ObserveThrottle(scope string) {
	if throttledTotal == nil {
		return
	}
	throttledTotal.WithLabelValues(scope).Inc()
}

// ObserveRejection records a verification failure by reason.
func ObserveRejection(reason string) {
	if rejectedTotal == nil {
		return
	}
	rejectedTotal.WithLabelValues(reason).Inc()
}

// SetPoolHandles updates the pool occupancy gauges.
func SetPoolHandles(idle, busy, spawning int) {
	if poolHandles == nil {
		return
	}
	poolHandles.WithLabelValues("idle").Set(float64(idle))
	poolHandles.WithLabelValues("busy").Set(float64(busy))
	poolHandles.WithLabelValues("spawning").Set(float64(spawning))
}

// ObserveAcquireWait records how long a request waited for a handle.
func ObserveAcquireWait(d time.Duration) {
	if poolAcquireSeconds == nil {
		return
	}
	poolAcquireSeconds.Observe(d.Seconds())
}

// ObserveSpawnFailure counts a failed tab spawn.
func ObserveSpawnFailure() {
	if tabSpawnFailuresTotal == nil {
		return
	}
	tabSpawnFailuresTotal.Inc()
}

// ObserveStorageWrite counts an artifact write by outcome.
func ObserveStorageWrite(ok bool) {
	if storageWritesTotal == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	storageWritesTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records transport-level request metrics.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, codeLabel(status)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func codeLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
