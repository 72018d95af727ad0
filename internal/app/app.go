// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when configured)
//  2. initCore      — registry snapshot, routestate store, selector, health controller
//  3. initPipeline  — request pipeline + request logger
//  4. initServer    — httpapi.Server + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/nulpointcorp/smartgate/internal/cache"
	"github.com/nulpointcorp/smartgate/internal/config"
	"github.com/nulpointcorp/smartgate/internal/health"
	"github.com/nulpointcorp/smartgate/internal/httpapi"
	"github.com/nulpointcorp/smartgate/internal/metrics"
	"github.com/nulpointcorp/smartgate/internal/pipeline"
	"github.com/nulpointcorp/smartgate/internal/ratelimit"
	"github.com/nulpointcorp/smartgate/internal/registry"
	"github.com/nulpointcorp/smartgate/internal/reqlog"
	"github.com/nulpointcorp/smartgate/internal/routestate"
	"github.com/nulpointcorp/smartgate/internal/selector"
	"github.com/nulpointcorp/smartgate/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	rt      config.Runtime
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	configs *registry.Store
	state   *routestate.Store
	clients *upstream.Registry
	sel     *selector.Selector
	healthC *health.Controller

	reqLogger *reqlog.Logger
	chSink    *reqlog.ClickHouseSink
	memCache  *npCache.MemoryCache
	userLim   *ratelimit.UserLimiter

	prom *metrics.Registry
	pipe *pipeline.Pipeline
	srv  *httpapi.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, configPath string, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	snap, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		rt:      config.LoadRuntime(),
		version: version,
		baseCtx: ctx,
		log:     log,
		configs: registry.NewStore(snap),
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"core", a.initCore},
		{"pipeline", a.initPipeline},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.rt.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.rt.CacheMode),
		slog.Int("aliases", len(a.configs.Load().Aliases)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.StartWithRoutes(addr, true)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; concurrent calls are not synchronized.
func (a *App) Close() {
	if a.healthC != nil {
		a.healthC.Close()
		a.healthC = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("reqlog close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}
