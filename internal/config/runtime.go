package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Runtime holds the process-level settings that sit outside the routing
// core's Snapshot: listen address, Redis connection, cache mode, CORS.
// These rarely change between deploys of the same binary and so are
// read straight from the environment, rather than from the reloadable
// TOML file the routing core reads through config.Load.
type Runtime struct {
	Port int

	RedisURL  string
	CacheMode string // "redis" | "memory" | "none"
	CacheTTL  time.Duration

	CORSOrigins []string

	ClickHouseAddr     []string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	ClickHouseTable    string

	LogLevel string
}

// LoadRuntime reads Runtime from the environment, applying sensible
// defaults for local development.
func LoadRuntime() Runtime {
	r := Runtime{
		Port:      envInt("PORT", 8080),
		RedisURL:  os.Getenv("REDIS_URL"),
		CacheMode: orDefault(os.Getenv("CACHE_MODE"), "memory"),
		CacheTTL:  envDuration("CACHE_TTL", time.Hour),
		LogLevel:  orDefault(os.Getenv("LOG_LEVEL"), "info"),
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		r.CORSOrigins = strings.Split(origins, ",")
	}

	if addrs := os.Getenv("CLICKHOUSE_ADDR"); addrs != "" {
		r.ClickHouseAddr = strings.Split(addrs, ",")
	}
	r.ClickHouseDatabase = os.Getenv("CLICKHOUSE_DATABASE")
	r.ClickHouseUsername = os.Getenv("CLICKHOUSE_USERNAME")
	r.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
	r.ClickHouseTable = orDefault(os.Getenv("CLICKHOUSE_TABLE"), "request_logs")

	return r
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
