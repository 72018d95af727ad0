// Package httpapi is the HTTP surface: it parses OpenAI-compatible chat
// requests, authenticates the caller, and dispatches into the request
// pipeline. It uses the same middleware chain and fasthttp-router wiring
// throughout, targeted at the registry/selector/pipeline core.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/smartgate/internal/health"
	"github.com/nulpointcorp/smartgate/internal/metrics"
	"github.com/nulpointcorp/smartgate/internal/pipeline"
	"github.com/nulpointcorp/smartgate/internal/ratelimit"
	"github.com/nulpointcorp/smartgate/internal/registry"
	"github.com/nulpointcorp/smartgate/internal/reqlog"
	"github.com/nulpointcorp/smartgate/internal/routestate"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// Server wires the routing core's components behind the public HTTP API.
type Server struct {
	configs     *registry.Store
	state       *routestate.Store
	pipe        *pipeline.Pipeline
	health      *health.Controller
	metrics     *metrics.Registry
	userLimiter *ratelimit.UserLimiter
	reqLog      *reqlog.Logger
	log         *slog.Logger

	corsOrigins []string
}

// Option configures a Server.
type Option func(*Server)

func WithMetrics(m *metrics.Registry) Option   { return func(s *Server) { s.metrics = m } }
func WithUserLimiter(l *ratelimit.UserLimiter) Option {
	return func(s *Server) { s.userLimiter = l }
}
func WithRequestLog(l *reqlog.Logger) Option { return func(s *Server) { s.reqLog = l } }
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}
func WithCORSOrigins(origins []string) Option { return func(s *Server) { s.corsOrigins = origins } }

// New creates a Server over the given configuration store, health
// controller, routing state store, and request pipeline.
func New(configs *registry.Store, state *routestate.Store, pipe *pipeline.Pipeline, h *health.Controller, opts ...Option) *Server {
	s := &Server{
		configs: configs,
		state:   state,
		pipe:    pipe,
		health:  h,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start starts the HTTP server on addr (e.g. ":8080") without exposing
// the Prometheus /metrics endpoint.
func (s *Server) Start(addr string) error {
	return s.StartWithRoutes(addr, false)
}

// StartWithRoutes starts the HTTP server, optionally registering the
// Prometheus scrape endpoint at GET /metrics when exposeMetrics is true
// and a metrics.Registry was configured.
func (s *Server) StartWithRoutes(addr string, exposeMetrics bool) error {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.GET("/v1/models", s.handleListModels)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	r.GET("/admin/routes", s.handleAdminRoutes)
	r.GET("/admin/smartai", s.handleAdminSmartAI)

	if exposeMetrics && s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// Close releases background resources owned by dependencies the Server
// does not otherwise get a shutdown hook for (the request logger's
// flush goroutine). The health controller's probe loops are stopped
// separately by the caller that constructed it (its lifetime usually
// outlives a single Server, e.g. across a config reload).
func (s *Server) Close(_ context.Context) error {
	if s.reqLog != nil {
		return s.reqLog.Close()
	}
	return nil
}
