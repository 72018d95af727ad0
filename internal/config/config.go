// Package config loads and validates the gateway's routing configuration.
//
// Configuration lives in a TOML file ([settings], [settings.smart_ai],
// [providers.*], [models.*], [users.*]) with secrets (API keys, token
// hashes) resolvable from environment variables via ${VAR} interpolation
// or straight env var overrides. A .env file in the working directory
// is loaded before viper reads anything, so CONFIG_PATH or any provider
// key can be supplied without exporting it into the parent shell.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/smartgate/internal/registry"
)

// fileConfig mirrors the on-disk TOML shape before translation into
// registry types. Field names use the TOML keys via mapstructure tags
// rather than viper's dotted-path getters, because the nested
// providers/models/users tables are naturally keyed maps.
type fileConfig struct {
	Settings  settingsTOML            `mapstructure:"settings"`
	Providers map[string]providerTOML `mapstructure:"providers"`
	Models    map[string]modelTOML    `mapstructure:"models"`
	Users     map[string]userTOML     `mapstructure:"users"`
}

type settingsTOML struct {
	ActiveProbeIntervalSeconds  int         `mapstructure:"active_probe_interval_seconds"`
	RecoveryIntervalSeconds     int         `mapstructure:"recovery_interval_seconds"`
	HealthCheckTimeoutSeconds   int         `mapstructure:"health_check_timeout_seconds"`
	FirstByteTimeoutSeconds     int         `mapstructure:"first_byte_timeout_seconds"`
	CircuitBreakerFailThreshold int         `mapstructure:"circuit_breaker_fail_threshold"`
	MaxInternalRetries          int         `mapstructure:"max_internal_retries"`
	ShutdownGraceSeconds        int         `mapstructure:"shutdown_grace_seconds"`
	SmartAI                     smartAITOML `mapstructure:"smart_ai"`
	Cache                       cacheTOML   `mapstructure:"cache"`
}

type cacheTOML struct {
	ExcludeExact    []string `mapstructure:"exclude_exact"`
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
}

type smartAITOML struct {
	InitialConfidence       float64            `mapstructure:"initial_confidence"`
	MinConfidence           float64            `mapstructure:"min_confidence"`
	SuccessBoost            float64            `mapstructure:"success_boost"`
	ExplorationRatio        float64            `mapstructure:"exploration_ratio"`
	NonPremiumStabilityBonus float64           `mapstructure:"non_premium_stability_bonus"`
	EnableTimeDecay         bool               `mapstructure:"enable_time_decay"`
	ConfidenceAdjustments   map[string]float64 `mapstructure:"confidence_adjustments"`
}

type providerTOML struct {
	Kind    string            `mapstructure:"kind"`
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Headers map[string]string `mapstructure:"headers"`
	Models  []string          `mapstructure:"models"`
	Enabled *bool             `mapstructure:"enabled"`
}

type modelTOML struct {
	Strategy string        `mapstructure:"strategy"`
	Enabled  *bool         `mapstructure:"enabled"`
	Backends []backendTOML `mapstructure:"backends"`
}

type backendTOML struct {
	Provider      string            `mapstructure:"provider"`
	UpstreamModel string            `mapstructure:"upstream_model"`
	Weight        float64           `mapstructure:"weight"`
	Priority      int               `mapstructure:"priority"`
	Enabled       *bool             `mapstructure:"enabled"`
	Tags          []string          `mapstructure:"tags"`
	BillingMode   string            `mapstructure:"billing_mode"`
	TimeoutSecs   float64           `mapstructure:"timeout_seconds"`
	MaxRetries    int               `mapstructure:"max_retries"`
	BaseURL       string            `mapstructure:"base_url"`
	APIKey        string            `mapstructure:"api_key"`
	Headers       map[string]string `mapstructure:"headers"`
}

type userTOML struct {
	TokenHash string         `mapstructure:"token_hash"`
	RateLimit *rateLimitTOML `mapstructure:"rate_limit"`
	Tags      []string       `mapstructure:"tags"`
}

type rateLimitTOML struct {
	PerMinute int `mapstructure:"per_minute"`
	PerHour   int `mapstructure:"per_hour"`
	PerDay    int `mapstructure:"per_day"`
}

// Load reads path (defaulting to "config.toml" in the working directory
// when empty) and returns a validated registry.Snapshot. A .env file in
// the working directory, if present, is loaded first so API keys and
// token hashes can be supplied as environment variables and referenced
// from the TOML file with ${VAR_NAME}.
func Load(path string) (*registry.Snapshot, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	snap := build(fc)
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return snap, nil
}

func build(fc fileConfig) *registry.Snapshot {
	settings := registry.DefaultSettings()
	applySettings(&settings, fc.Settings)

	providers := make(map[string]*registry.Provider, len(fc.Providers))
	for id, p := range fc.Providers {
		models := make(map[string]struct{}, len(p.Models))
		for _, m := range p.Models {
			models[m] = struct{}{}
		}
		providers[id] = &registry.Provider{
			ID:      id,
			Kind:    registry.BackendKind(orDefault(p.Kind, string(registry.KindOpenAI))),
			BaseURL: expandEnv(p.BaseURL),
			APIKey:  expandEnv(p.APIKey),
			Headers: expandEnvMap(p.Headers),
			Models:  models,
			Enabled: boolOrDefault(p.Enabled, true),
		}
	}

	aliases := make(map[string]*registry.ModelAlias, len(fc.Models))
	for name, m := range fc.Models {
		backends := make([]*registry.Backend, 0, len(m.Backends))
		for _, b := range m.Backends {
			backends = append(backends, toBackend(b, providers))
		}
		aliases[name] = &registry.ModelAlias{
			Name:     name,
			Strategy: registry.Strategy(orDefault(m.Strategy, string(registry.StrategyWeightedRandom))),
			Enabled:  boolOrDefault(m.Enabled, true),
			Backends: backends,
		}
	}

	users := make(map[string]*registry.User, len(fc.Users))
	for id, u := range fc.Users {
		var rl *registry.RateLimit
		if u.RateLimit != nil {
			rl = &registry.RateLimit{
				PerMinute: u.RateLimit.PerMinute,
				PerHour:   u.RateLimit.PerHour,
				PerDay:    u.RateLimit.PerDay,
			}
		}
		var tags map[string]struct{}
		if len(u.Tags) > 0 {
			tags = make(map[string]struct{}, len(u.Tags))
			for _, t := range u.Tags {
				tags[t] = struct{}{}
			}
		}

		users[id] = &registry.User{
			ID:        id,
			TokenHash: expandEnv(u.TokenHash),
			RateLimit: rl,
			Tags:      tags,
		}
	}

	return &registry.Snapshot{
		Settings:  settings,
		Providers: providers,
		Aliases:   aliases,
		Users:     users,
	}
}

func toBackend(b backendTOML, providers map[string]*registry.Provider) *registry.Backend {
	kind := registry.KindOpenAI
	baseURL, apiKey, headers := expandEnv(b.BaseURL), expandEnv(b.APIKey), expandEnvMap(b.Headers)
	if prov, ok := providers[b.Provider]; ok {
		kind = prov.Kind
		if baseURL == "" {
			baseURL = prov.BaseURL
		}
		if apiKey == "" {
			apiKey = prov.APIKey
		}
		if len(headers) == 0 {
			headers = prov.Headers
		}
	}

	tags := make(map[string]struct{}, len(b.Tags))
	for _, t := range b.Tags {
		tags[t] = struct{}{}
	}

	weight := b.Weight
	if weight <= 0 {
		weight = 1
	}
	timeout := b.TimeoutSecs
	if timeout <= 0 {
		timeout = 30
	}
	maxRetries := b.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}

	return &registry.Backend{
		ProviderID:    b.Provider,
		UpstreamModel: b.UpstreamModel,
		BaseURL:       baseURL,
		APIKey:        apiKey,
		Kind:          kind,
		CustomHeaders: headers,
		BaseWeight:    weight,
		Priority:      b.Priority,
		Enabled:       boolOrDefault(b.Enabled, true),
		Tags:          tags,
		BillingMode:   registry.BillingMode(orDefault(b.BillingMode, string(registry.BillingPerToken))),
		Timeout:       timeout,
		MaxRetries:    maxRetries,
	}
}

func applySettings(s *registry.Settings, t settingsTOML) {
	if t.ActiveProbeIntervalSeconds > 0 {
		s.ActiveProbeIntervalSeconds = t.ActiveProbeIntervalSeconds
	}
	if t.RecoveryIntervalSeconds > 0 {
		s.RecoveryIntervalSeconds = t.RecoveryIntervalSeconds
	}
	if t.HealthCheckTimeoutSeconds > 0 {
		s.HealthCheckTimeoutSeconds = t.HealthCheckTimeoutSeconds
	}
	if t.FirstByteTimeoutSeconds > 0 {
		s.FirstByteTimeoutSeconds = t.FirstByteTimeoutSeconds
	}
	if t.CircuitBreakerFailThreshold > 0 {
		s.CircuitBreakerFailThreshold = t.CircuitBreakerFailThreshold
	}
	if t.MaxInternalRetries > 0 {
		s.MaxInternalRetries = t.MaxInternalRetries
	}
	if t.ShutdownGraceSeconds > 0 {
		s.ShutdownGraceSeconds = t.ShutdownGraceSeconds
	}

	sa := &s.SmartAI
	if t.SmartAI.InitialConfidence > 0 {
		sa.InitialConfidence = t.SmartAI.InitialConfidence
	}
	if t.SmartAI.MinConfidence > 0 {
		sa.MinConfidence = t.SmartAI.MinConfidence
	}
	if t.SmartAI.SuccessBoost > 0 {
		sa.SuccessBoost = t.SmartAI.SuccessBoost
	}
	if t.SmartAI.ExplorationRatio > 0 {
		sa.ExplorationRatio = t.SmartAI.ExplorationRatio
	}
	if t.SmartAI.NonPremiumStabilityBonus > 0 {
		sa.NonPremiumStabilityBonus = t.SmartAI.NonPremiumStabilityBonus
	}
	if len(t.SmartAI.ConfidenceAdjustments) > 0 {
		sa.ConfidenceAdjustments = t.SmartAI.ConfidenceAdjustments
	}
	if t.SmartAI.EnableTimeDecay {
		sa.EnableTimeDecay = true
	}

	s.CacheExcludeExact = t.Cache.ExcludeExact
	s.CacheExcludePatterns = t.Cache.ExcludePatterns
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.Expand(s, func(key string) string { return os.Getenv(key) })
}

func expandEnvMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = expandEnv(v)
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
