// Package publicapi exposes the gateway's Gemini-protocol-compatible HTTP
// surface: model listing, unary and streaming content generation, and the
// carried-over health/readiness/metrics management routes. Adapted from
// the teacher's internal/proxy package (fasthttp + fasthttp/router,
// the same middleware chain, the same writeSSE framing) re-pointed at the
// single-upstream executor instead of the multi-vendor provider dispatch.
package publicapi

import (
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/sessionrelay/internal/executor"
	"github.com/nulpointcorp/sessionrelay/internal/metrics"
	"github.com/nulpointcorp/sessionrelay/internal/store"
)

// Server is the public HTTP surface. It owns no lifecycle state of its own
// beyond the fasthttp.Server it starts — the executor, store and metrics
// registry it wraps are all owned and closed by internal/app.
type Server struct {
	executor *executor.Executor
	store    store.Store
	metrics  *metrics.Registry
	log      *slog.Logger

	corsOrigins []string

	srv *fasthttp.Server
}

// Config configures the public HTTP server.
type Config struct {
	CORSOrigins []string
}

// New constructs a Server.
func New(exec *executor.Executor, st store.Store, metricsReg *metrics.Registry, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		executor:    exec,
		store:       st,
		metrics:     metricsReg,
		log:         log,
		corsOrigins: cfg.CORSOrigins,
	}
}

// buildHandler assembles the fasthttp.Router and wraps it in the shared
// middleware chain.
func (s *Server) buildHandler() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/v1beta/models", applyMiddleware(
		func(ctx *fasthttp.RequestCtx) { s.metricsMiddleware("list_models", s.handleListModels)(ctx) },
		requireAPIKey,
	))
	r.GET("/v1beta/models/:model", applyMiddleware(
		func(ctx *fasthttp.RequestCtx) { s.metricsMiddleware("get_model", s.handleGetModel)(ctx) },
		requireAPIKey,
	))
	// fasthttp/router matches :model against the whole path segment, so a
	// POST to ".../{model}:generateContent" and ".../{model}:streamGenerateContent"
	// both land on this single route; dispatchGenerate tells them apart by
	// the suffix on the captured segment.
	r.POST("/v1beta/models/:model", applyMiddleware(
		func(ctx *fasthttp.RequestCtx) { s.dispatchGenerate(ctx) },
		requireAPIKey,
	))

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks until it
// exits (either from a listener error or a later call to Close).
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.buildHandler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 1800 * time.Second, // must exceed the upstream stream timeout
	}
	return s.srv.ListenAndServe(addr)
}

// Close gracefully shuts down the HTTP server. Idempotent: a nil srv (Close
// called before Start, or twice) is a no-op.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}
