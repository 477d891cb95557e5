// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_auth_total{source,result}
	authTotal *prometheus.CounterVec

	// proxy_trust_events_total{event}
	trustEvents *prometheus.CounterVec

	// proxy_upstream_duration_seconds{mode,outcome}
	upstreamDuration *prometheus.HistogramVec

	// proxy_stream_chunks_total / proxy_stream_bytes_total
	streamChunks prometheus.Counter
	streamBytes  prometheus.Counter

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	buildOnce sync.Once

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all proxy metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes the backend call)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"route"},
		),

		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_auth_total",
				Help: "Authentication attempts by credential source and result",
			},
			[]string{"source", "result"},
		),

		trustEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_trust_events_total",
				Help: "Trust cache events (hit, miss, record)",
			},
			[]string{"event"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_duration_seconds",
				Help:    "Backend call duration in seconds by relay mode and outcome",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"mode", "outcome"},
		),

		streamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_stream_chunks_total",
			Help: "Total number of chunks relayed to streaming clients",
		}),

		streamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_stream_bytes_total",
			Help: "Total number of body bytes relayed to streaming clients",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information (constant 1, labeled with the version)",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.authTotal,
		r.trustEvents,
		r.upstreamDuration,
		r.streamChunks,
		r.streamBytes,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// SetBuildInfo records the build version gauge once.
func (r *Registry) SetBuildInfo(version string) {
	r.buildOnce.Do(func() {
		r.buildInfo.WithLabelValues(version).Set(1)
	})
}

// IncInFlight / DecInFlight track the in-flight request gauge.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one completed HTTP request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordAuth records one authentication attempt. source is the credential
// source name ("trust-cache" for window hits); result is "ok", "missing",
// or "invalid".
func (r *Registry) RecordAuth(source, result string) {
	r.authTotal.WithLabelValues(source, result).Inc()
}

// RecordTrustEvent records a trust cache event: "hit", "miss", or "record".
func (r *Registry) RecordTrustEvent(event string) {
	r.trustEvents.WithLabelValues(event).Inc()
}

// ObserveUpstream records one backend call. mode is "buffered" or "streamed";
// outcome is "success", "timeout", "error", or "canceled".
func (r *Registry) ObserveUpstream(mode, outcome string, dur time.Duration) {
	r.upstreamDuration.WithLabelValues(mode, outcome).Observe(dur.Seconds())
}

// AddStreamChunk accounts one relayed chunk of n bytes.
func (r *Registry) AddStreamChunk(n int) {
	r.streamChunks.Inc()
	r.streamBytes.Add(float64(n))
}
