// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
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

	// proxy_queue_depth{family}
	queueDepth *prometheus.GaugeVec

	// proxy_queue_wait_estimate_seconds{family}
	waitEstimate *prometheus.GaugeVec

	// proxy_upstream_attempts_total{service,outcome}
	upstreamAttempts *prometheus.CounterVec

	// proxy_upstream_attempt_duration_seconds{service,outcome}
	upstreamDuration *prometheus.HistogramVec

	// proxy_retries_total{family}
	retries *prometheus.CounterVec

	// proxy_tokens_total{family,direction}
	tokensTotal *prometheus.CounterVec

	// proxy_keys{service,status} — status: ready|rate_limited|disabled|revoked
	keys *prometheus.GaugeVec

	// proxy_heartbeat_disconnects_total
	heartbeatDisconnects prometheus.Counter

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all metric families registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "End-to-end request duration",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_queue_depth",
				Help: "Queued requests per model family",
			},
			[]string{"family"},
		),

		waitEstimate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_queue_wait_estimate_seconds",
				Help: "Smoothed queue wait estimate per model family",
			},
			[]string{"family"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_attempts_total",
				Help: "Upstream dispatch attempts by outcome",
			},
			[]string{"service", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"service", "outcome"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_retries_total",
				Help: "Requests re-enqueued after a retryable upstream error",
			},
			[]string{"family"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Tokens processed per family",
			},
			[]string{"family", "direction"},
		),

		keys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_keys",
				Help: "Credential counts per service and status",
			},
			[]string{"service", "status"},
		),

		heartbeatDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_heartbeat_disconnects_total",
			Help: "Streaming clients destroyed for not draining heartbeats",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.queueDepth,
		r.waitEstimate,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.retries,
		r.tokensTotal,
		r.keys,
		r.heartbeatDisconnects,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	if r == nil {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
	return r.metricsHandler
}

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	r.buildInfo.WithLabelValues(version).Set(1)
}

// IncInFlight / DecInFlight track live handler count.
func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records one finished client request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// SetQueueDepth exports one partition's depth.
func (r *Registry) SetQueueDepth(family string, depth int) {
	if r != nil {
		r.queueDepth.WithLabelValues(family).Set(float64(depth))
	}
}

// SetWaitEstimate exports one partition's wait estimate.
func (r *Registry) SetWaitEstimate(family string, estimate time.Duration) {
	if r != nil {
		r.waitEstimate.WithLabelValues(family).Set(estimate.Seconds())
	}
}

// ObserveUpstreamAttempt records one dispatch attempt.
func (r *Registry) ObserveUpstreamAttempt(service, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(service, outcome).Inc()
	r.upstreamDuration.WithLabelValues(service, outcome).Observe(dur.Seconds())
}

// RecordRetry counts one re-enqueue.
func (r *Registry) RecordRetry(family string) {
	if r != nil {
		r.retries.WithLabelValues(family).Inc()
	}
}

// AddTokens accumulates usage.
func (r *Registry) AddTokens(family string, prompt, output int64) {
	if r == nil {
		return
	}
	r.tokensTotal.WithLabelValues(family, "prompt").Add(float64(prompt))
	r.tokensTotal.WithLabelValues(family, "output").Add(float64(output))
}

// SetKeyCount exports the credential census for one service/status pair.
func (r *Registry) SetKeyCount(service, status string, n int) {
	if r != nil {
		r.keys.WithLabelValues(service, status).Set(float64(n))
	}
}

// RecordHeartbeatDisconnect counts a destroyed unresponsive client.
func (r *Registry) RecordHeartbeatDisconnect() {
	if r != nil {
		r.heartbeatDisconnects.Inc()
	}
}
