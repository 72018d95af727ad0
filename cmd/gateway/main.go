// Command gateway is the smartgate adaptive LLM routing server.
//
// It reads its routing configuration from a TOML file (CONFIG_PATH, or
// ./config.toml by default) and starts an OpenAI-compatible HTTP gateway
// on the configured port.
//
// Quick-start (in-memory cache, no Redis required):
//
//	CONFIG_PATH=./config.toml ./gateway
//
// See internal/config/runtime.go for all available environment variables.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/smartgate/internal/app"
	"github.com/nulpointcorp/smartgate/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := config.LoadRuntime()
	logger := buildLogger(rt.LogLevel)
	slog.SetDefault(logger)

	configPath := os.Getenv("CONFIG_PATH")

	a, err := app.New(ctx, configPath, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
