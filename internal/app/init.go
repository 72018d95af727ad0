package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	npCache "github.com/nulpointcorp/smartgate/internal/cache"
	"github.com/nulpointcorp/smartgate/internal/health"
	"github.com/nulpointcorp/smartgate/internal/httpapi"
	"github.com/nulpointcorp/smartgate/internal/metrics"
	"github.com/nulpointcorp/smartgate/internal/pipeline"
	"github.com/nulpointcorp/smartgate/internal/ratelimit"
	"github.com/nulpointcorp/smartgate/internal/reqlog"
	"github.com/nulpointcorp/smartgate/internal/routestate"
	"github.com/nulpointcorp/smartgate/internal/selector"
	"github.com/nulpointcorp/smartgate/internal/upstream"
)

// initInfra establishes optional external connections. Redis is only
// connected when CACHE_MODE=redis or REDIS_URL is set;
// ClickHouse is only dialed when CLICKHOUSE_ADDR is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.rt.CacheMode == "redis" || a.rt.RedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.rt.RedisURL)))

		rdb, err := connectRedis(ctx, a.rt.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if len(a.rt.ClickHouseAddr) > 0 {
		sink, err := reqlog.NewClickHouseSink(ctx, reqlog.ClickHouseConfig{
			Addr:     a.rt.ClickHouseAddr,
			Database: a.rt.ClickHouseDatabase,
			Username: a.rt.ClickHouseUsername,
			Password: a.rt.ClickHousePassword,
			Table:    a.rt.ClickHouseTable,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse sink connected", slog.Any("addr", a.rt.ClickHouseAddr))
	}

	return nil
}

// initCore builds the routing core: the Metrics Store, the upstream
// client registry, the Route Selector, and the Health Controller.
func (a *App) initCore(_ context.Context) error {
	snap := a.configs.Load()

	a.state = routestate.New(routestate.Settings{
		FailureThreshold:    uint32(snap.Settings.CircuitBreakerFailThreshold),
		InitialConfidence:   snap.Settings.SmartAI.InitialConfidence,
		MinConfidence:       snap.Settings.SmartAI.MinConfidence,
		SuccessBoost:        snap.Settings.SmartAI.SuccessBoost,
		EnableTimeDecay:     snap.Settings.SmartAI.EnableTimeDecay,
		ConfidencePenalties: toErrorKindPenalties(snap.Settings.SmartAI.ConfidenceAdjustments),
	}, nil)

	a.clients = upstream.NewRegistry()
	a.clients.Register(upstream.NewOpenAIClient())
	a.clients.Register(upstream.NewClaudeClient())
	a.clients.Register(upstream.NewGeminiClient())

	a.sel = selector.New(a.configs, a.state)
	a.healthC = health.New(a.baseCtx, a.configs, a.state, a.clients)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.rdb != nil {
		a.userLim = ratelimit.NewUserLimiter(a.rdb)
	}

	return nil
}

// initPipeline builds the cache backend, the async request logger, and
// the Request Pipeline that ties the core together.
func (a *App) initPipeline(ctx context.Context) error {
	var cacheImpl npCache.Cache
	switch a.rt.CacheMode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.rt.CacheMode)
	}

	var logOpts []reqlog.Option
	if a.chSink != nil {
		logOpts = append(logOpts, reqlog.WithSink(a.chSink))
	}
	reqLogger, err := reqlog.New(a.baseCtx, a.log, logOpts...)
	if err != nil {
		return fmt.Errorf("reqlog: %w", err)
	}
	a.reqLogger = reqLogger

	pipeOpts := []pipeline.Option{pipeline.WithLogger(a.log)}
	if cacheImpl != nil {
		pipeOpts = append(pipeOpts, pipeline.WithCache(cacheImpl))

		snap := a.configs.Load()
		excl, err := npCache.NewExclusionList(snap.Settings.CacheExcludeExact, snap.Settings.CacheExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		pipeOpts = append(pipeOpts, pipeline.WithCacheExclusions(excl))
	}
	a.pipe = pipeline.New(a.configs, a.sel, a.state, a.clients, pipeOpts...)

	return nil
}

// initServer wires the httpapi.Server with all configured subsystems.
func (a *App) initServer(_ context.Context) error {
	opts := []httpapi.Option{
		httpapi.WithMetrics(a.prom),
		httpapi.WithRequestLog(a.reqLogger),
		httpapi.WithLogger(a.log),
		httpapi.WithCORSOrigins(a.rt.CORSOrigins),
	}
	if a.userLim != nil {
		opts = append(opts, httpapi.WithUserLimiter(a.userLim))
	}

	a.srv = httpapi.New(a.configs, a.state, a.pipe, a.healthC, opts...)
	return nil
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// toErrorKindPenalties converts the TOML-sourced string-keyed confidence
// adjustment table into the ErrorKind-keyed map routestate.Settings wants.
func toErrorKindPenalties(m map[string]float64) map[routestate.ErrorKind]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[routestate.ErrorKind]float64, len(m))
	for k, v := range m {
		out[routestate.ErrorKind(k)] = v
	}
	return out
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
