package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nulpointcorp/smartgate/internal/registry"
)

const sampleTOML = `
[settings]
active_probe_interval_seconds = 15

[settings.smart_ai]
initial_confidence = 0.9

[providers.openai-primary]
kind = "openai"
base_url = "https://api.openai.com/v1"
api_key = "sk-test-0123456789"
models = ["gpt-4o"]

[providers.claude-primary]
kind = "claude"
base_url = "https://api.anthropic.com"
api_key = "sk-ant-0123456789"
models = ["claude-3-5-sonnet"]

[models."gpt-4o"]
strategy = "weighted_failover"

[[models."gpt-4o".backends]]
provider = "openai-primary"
upstream_model = "gpt-4o"
weight = 2
priority = 1

[[models."gpt-4o".backends]]
provider = "claude-primary"
upstream_model = "claude-3-5-sonnet"
weight = 1
priority = 2

[users.alice]
token_hash = "0123456789abcdef0123456789abcdef"

[users.alice.rate_limit]
per_minute = 60
per_hour = 1000
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadBuildsValidSnapshot(t *testing.T) {
	path := writeTemp(t, sampleTOML)

	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if snap.Settings.ActiveProbeIntervalSeconds != 15 {
		t.Errorf("expected override active_probe_interval_seconds=15, got %d", snap.Settings.ActiveProbeIntervalSeconds)
	}
	if snap.Settings.SmartAI.InitialConfidence != 0.9 {
		t.Errorf("expected smart_ai.initial_confidence=0.9, got %v", snap.Settings.SmartAI.InitialConfidence)
	}
	// Unset settings fall back to registry.DefaultSettings.
	if snap.Settings.RecoveryIntervalSeconds != registry.DefaultSettings().RecoveryIntervalSeconds {
		t.Errorf("expected recovery_interval_seconds to keep its default")
	}

	alias, ok := snap.Aliases["gpt-4o"]
	if !ok {
		t.Fatal("expected alias gpt-4o")
	}
	if alias.Strategy != registry.StrategyWeightedFailover {
		t.Errorf("expected strategy weighted_failover, got %v", alias.Strategy)
	}
	if len(alias.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(alias.Backends))
	}

	b := alias.Backends[0]
	if b.Kind != registry.KindOpenAI {
		t.Errorf("expected backend kind inherited from provider (openai), got %v", b.Kind)
	}
	if b.APIKey != "sk-test-0123456789" {
		t.Errorf("expected backend to inherit provider api_key, got %q", b.APIKey)
	}
	if b.BillingMode != registry.BillingPerToken {
		t.Errorf("expected default billing_mode per_token, got %v", b.BillingMode)
	}

	user, ok := snap.Users["alice"]
	if !ok {
		t.Fatal("expected user alice")
	}
	if user.RateLimit == nil || user.RateLimit.PerMinute != 60 {
		t.Errorf("expected alice rate_limit.per_minute=60, got %+v", user.RateLimit)
	}
}

func TestLoadRejectsInvalidSnapshot(t *testing.T) {
	badTOML := `
[providers.openai-primary]
kind = "openai"
models = ["gpt-4o"]

[models."broken"]
strategy = "failover"

[[models."broken".backends]]
provider = "openai-primary"
upstream_model = "not-listed"
weight = 1
`
	path := writeTemp(t, badTOML)

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a backend referencing an unlisted upstream model")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadParsesCacheExclusions(t *testing.T) {
	toml := sampleTOML + `
[settings.cache]
exclude_exact = ["gpt-4o-realtime"]
exclude_patterns = ["^ft:"]
`
	path := writeTemp(t, toml)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(snap.Settings.CacheExcludeExact) != 1 || snap.Settings.CacheExcludeExact[0] != "gpt-4o-realtime" {
		t.Errorf("expected cache.exclude_exact=[gpt-4o-realtime], got %v", snap.Settings.CacheExcludeExact)
	}
	if len(snap.Settings.CacheExcludePatterns) != 1 || snap.Settings.CacheExcludePatterns[0] != "^ft:" {
		t.Errorf("expected cache.exclude_patterns=[^ft:], got %v", snap.Settings.CacheExcludePatterns)
	}
}

func TestEnvExpansionInAPIKey(t *testing.T) {
	t.Setenv("SMARTGATE_TEST_OPENAI_KEY", "sk-from-env-0123456789")

	toml := `
[providers.openai-primary]
kind = "openai"
api_key = "${SMARTGATE_TEST_OPENAI_KEY}"
models = ["gpt-4o"]
`
	path := writeTemp(t, toml)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if snap.Providers["openai-primary"].APIKey != "sk-from-env-0123456789" {
		t.Errorf("expected api_key to expand from env, got %q", snap.Providers["openai-primary"].APIKey)
	}
}
