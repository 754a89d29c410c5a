// Package metrics provides a Prometheus metrics registry for the gateway.
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

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// scheduler_acquire_total{result}
	schedulerAcquire *prometheus.CounterVec

	// scheduler_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// scheduler_provider_load{provider}
	providerLoad *prometheus.GaugeVec

	// scheduler_recovered_providers_total
	recoveredProviders prometheus.Counter

	// session_match_total{kind} — kind: exact|head|none
	sessionMatch *prometheus.CounterVec

	// upstream_requests_total{kind,outcome} — kind: create_session|stream_assist|fetch_media
	upstreamRequests *prometheus.CounterVec

	// upstream_request_duration_seconds{kind,outcome}
	upstreamDuration *prometheus.HistogramVec

	// upstream_token_refresh_total{result}
	tokenRefresh *prometheus.CounterVec

	// upstream_client_cache_ops_total{op} — op: hit|miss
	clientCacheOps *prometheus.CounterVec

	// gateway_tokens_total{direction} — direction: input|output
	tokensTotal *prometheus.CounterVec

	// maintenance_task_runs_total{task,result}
	maintenanceRuns *prometheus.CounterVec

	// gateway_log_rows_pruned_total
	logRowsPruned prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream round trip)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		schedulerAcquire: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_acquire_total",
				Help: "Provider acquisition attempts by result",
			},
			[]string{"result"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scheduler_provider_health",
				Help: "Provider health_score at last observation",
			},
			[]string{"provider"},
		),

		providerLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scheduler_provider_load",
				Help: "Provider current_load at last observation",
			},
			[]string{"provider"},
		),

		recoveredProviders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_recovered_providers_total",
			Help: "Providers transitioned from cooling back to active",
		}),

		sessionMatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_match_total",
				Help: "Session lookups by resolved match kind",
			},
			[]string{"kind"},
		),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_requests_total",
				Help: "Upstream client calls by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_request_duration_seconds",
				Help:    "Upstream client call duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind", "outcome"},
		),

		tokenRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_token_refresh_total",
				Help: "Bearer token refresh attempts by result",
			},
			[]string{"result"},
		),

		clientCacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_client_cache_ops_total",
				Help: "Upstream client cache lookups by outcome",
			},
			[]string{"op"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Estimated token counts by direction",
			},
			[]string{"direction"},
		),

		maintenanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maintenance_task_runs_total",
				Help: "Maintenance loop task executions by task and result",
			},
			[]string{"task", "result"},
		),

		logRowsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_log_rows_pruned_total",
			Help: "Request log rows deleted by the retention pruning task",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.schedulerAcquire,
		r.providerHealth,
		r.providerLoad,
		r.recoveredProviders,
		r.sessionMatch,
		r.upstreamRequests,
		r.upstreamDuration,
		r.tokenRefresh,
		r.clientCacheOps,
		r.tokensTotal,
		r.maintenanceRuns,
		r.logRowsPruned,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP request metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordAcquire records a scheduler acquisition attempt.
func (r *Registry) RecordAcquire(result string) {
	r.schedulerAcquire.WithLabelValues(result).Inc()
}

// SetProviderState publishes a provider's health and load gauges.
func (r *Registry) SetProviderState(provider string, health, load int) {
	r.providerHealth.WithLabelValues(provider).Set(float64(health))
	r.providerLoad.WithLabelValues(provider).Set(float64(load))
}

// RecordRecovered increments the cooling-to-active recovery counter by n.
func (r *Registry) RecordRecovered(n int) {
	if n > 0 {
		r.recoveredProviders.Add(float64(n))
	}
}

// RecordSessionMatch records the resolved match kind ("exact", "head", "none").
func (r *Registry) RecordSessionMatch(kind string) {
	r.sessionMatch.WithLabelValues(kind).Inc()
}

// ObserveUpstream records one upstream client call.
func (r *Registry) ObserveUpstream(kind, outcome string, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(kind, outcome).Inc()
	r.upstreamDuration.WithLabelValues(kind, outcome).Observe(dur.Seconds())
}

// RecordTokenRefresh records a bearer token refresh attempt.
func (r *Registry) RecordTokenRefresh(result string) {
	r.tokenRefresh.WithLabelValues(result).Inc()
}

// RecordClientCache records an upstream client cache lookup outcome.
func (r *Registry) RecordClientCache(op string) {
	r.clientCacheOps.WithLabelValues(op).Inc()
}

// AddTokens accumulates estimated token counts.
func (r *Registry) AddTokens(inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// RecordMaintenance records one maintenance task execution.
func (r *Registry) RecordMaintenance(task, result string) {
	r.maintenanceRuns.WithLabelValues(task, result).Inc()
}

// AddLogRowsPruned increments the request-log pruning counter by n.
func (r *Registry) AddLogRowsPruned(n int) {
	if n > 0 {
		r.logRowsPruned.Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
