// Package registry holds the immutable configuration data model for the
// routing core: backends, model aliases, providers, and users. A Snapshot
// is built once at config load (or reload) and never mutated; readers on
// the hot path take a pointer snapshot and never block on a writer.
package registry

import (
	"fmt"
	"sync/atomic"
)

// BackendKind is the upstream wire protocol family.
type BackendKind string

const (
	KindOpenAI BackendKind = "openai"
	KindClaude BackendKind = "claude"
	KindGemini BackendKind = "gemini"
)

// BillingMode controls whether the Health Controller is allowed to issue
// active probes against a backend.
type BillingMode string

const (
	BillingPerToken   BillingMode = "per_token"
	BillingPerRequest BillingMode = "per_request"
)

// Strategy selects the algorithm the Route Selector uses for one alias.
type Strategy string

const (
	StrategyRandom           Strategy = "random"
	StrategyWeightedRandom   Strategy = "weighted_random"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastLatency     Strategy = "least_latency"
	StrategyFailover         Strategy = "failover"
	StrategyWeightedFailover Strategy = "weighted_failover"
	StrategySmartAI          Strategy = "smart_ai"
)

// Backend is one candidate upstream for a model alias.
type Backend struct {
	ProviderID    string
	UpstreamModel string
	BaseURL       string
	APIKey        string
	Kind          BackendKind
	CustomHeaders map[string]string
	BaseWeight    float64
	Priority      int
	Enabled       bool
	Tags          map[string]struct{}
	BillingMode   BillingMode
	Timeout       float64 // seconds
	MaxRetries    int
}

// Key is the stable identity used throughout the routestate store:
// "provider_id:upstream_model".
func (b *Backend) Key() string {
	return b.ProviderID + ":" + b.UpstreamModel
}

func (b *Backend) HasTag(tag string) bool {
	_, ok := b.Tags[tag]
	return ok
}

// HasAnyTag reports whether b's tag set intersects the given set.
func (b *Backend) HasAnyTag(tags map[string]struct{}) bool {
	if len(tags) == 0 {
		return false
	}
	for t := range tags {
		if b.HasTag(t) {
			return true
		}
	}
	return false
}

// ModelAlias is the public model name clients send.
type ModelAlias struct {
	Name     string
	Strategy Strategy
	Enabled  bool
	Backends []*Backend
}

// EnabledBackends returns the subset of a.Backends with Enabled=true.
func (a *ModelAlias) EnabledBackends() []*Backend {
	out := make([]*Backend, 0, len(a.Backends))
	for _, b := range a.Backends {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// Provider is an upstream service: base URL, API key, wire kind.
type Provider struct {
	ID      string
	Kind    BackendKind
	BaseURL string
	APIKey  string
	Headers map[string]string
	Models  map[string]struct{} // upstream_model names this provider exposes
	Enabled bool
}

// RateLimit is a per-user token-bucket budget. Enforcement lives outside
// the core (see internal/ratelimit); the core only carries and validates
// the configuration shape.
type RateLimit struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// User is an API-key-bearing client of the gateway.
type User struct {
	ID        string
	TokenHash string
	RateLimit *RateLimit // nil means unlimited
	// Tags feeds route selection's user-tag filter: e.g. ["premium"] to
	// prefer backends tagged the same way, falling back to the untagged
	// candidate set on a miss rather than rejecting the request.
	Tags map[string]struct{}
}

// Snapshot is one immutable, fully-validated configuration generation.
type Snapshot struct {
	Settings  Settings
	Providers map[string]*Provider
	Aliases   map[string]*ModelAlias
	Users     map[string]*User
}

// Settings mirrors [settings] / [settings.smart_ai] in the TOML config.
type Settings struct {
	ActiveProbeIntervalSeconds   int
	RecoveryIntervalSeconds      int
	HealthCheckTimeoutSeconds    int
	FirstByteTimeoutSeconds      int
	CircuitBreakerFailThreshold  int
	MaxInternalRetries           int
	ShutdownGraceSeconds         int
	SmartAI                      SmartAISettings

	// CacheExcludeExact lists exact model names that must never be cached,
	// e.g. realtime or already-cached-upstream models.
	CacheExcludeExact []string
	// CacheExcludePatterns lists regular expressions matched against model
	// names; any match skips both cache GET and SET.
	CacheExcludePatterns []string
}

// SmartAISettings mirrors [settings.smart_ai].
type SmartAISettings struct {
	InitialConfidence        float64
	MinConfidence            float64
	SuccessBoost             float64
	ExplorationRatio         float64
	NonPremiumStabilityBonus float64
	EnableTimeDecay          bool
	ConfidenceAdjustments    map[string]float64 // ErrorKind name -> penalty
}

// DefaultSettings returns the gateway's baked-in default settings.
func DefaultSettings() Settings {
	return Settings{
		ActiveProbeIntervalSeconds:  30,
		RecoveryIntervalSeconds:     120,
		HealthCheckTimeoutSeconds:   10,
		FirstByteTimeoutSeconds:     30,
		CircuitBreakerFailThreshold: 5,
		MaxInternalRetries:          2,
		ShutdownGraceSeconds:        30,
		SmartAI: SmartAISettings{
			InitialConfidence:        0.8,
			MinConfidence:            0.05,
			SuccessBoost:             0.1,
			ExplorationRatio:         0.2,
			NonPremiumStabilityBonus: 1.1,
			EnableTimeDecay:          true,
			ConfidenceAdjustments: map[string]float64{
				"Network":     0.3,
				"Auth":        0.8,
				"RateLimit":   0.1,
				"ServerError": 0.2,
				"ModelError":  0.3,
				"Timeout":     0.2,
			},
		},
	}
}

// Validate checks structural and referential invariants across the
// snapshot. It returns the first violation found; callers must not swap
// in a snapshot that fails validation.
func (s *Snapshot) Validate() error {
	for aliasName, alias := range s.Aliases {
		if aliasName == "" {
			return fmt.Errorf("registry: alias with empty name")
		}
		if !alias.Enabled {
			continue
		}
		if len(alias.Backends) == 0 {
			return fmt.Errorf("registry: alias %q has no backends", aliasName)
		}
		anyEnabled := false
		for _, b := range alias.Backends {
			if !b.Enabled {
				continue
			}
			anyEnabled = true
			if b.BaseWeight <= 0 {
				return fmt.Errorf("registry: alias %q backend %q has non-positive weight %v", aliasName, b.Key(), b.BaseWeight)
			}
			prov, ok := s.Providers[b.ProviderID]
			if !ok {
				return fmt.Errorf("registry: alias %q backend references unknown provider %q", aliasName, b.ProviderID)
			}
			if _, ok := prov.Models[b.UpstreamModel]; !ok {
				return fmt.Errorf("registry: provider %q does not list model %q (referenced by alias %q)", b.ProviderID, b.UpstreamModel, aliasName)
			}
			if len(b.APIKey) > 0 && len(b.APIKey) < 10 {
				return fmt.Errorf("registry: backend %q api_key shorter than 10 chars", b.Key())
			}
		}
		if !anyEnabled {
			return fmt.Errorf("registry: alias %q is enabled but has no enabled backends", aliasName)
		}
	}

	for userID, u := range s.Users {
		if len(u.TokenHash) > 0 && len(u.TokenHash) < 16 {
			return fmt.Errorf("registry: user %q token shorter than 16 chars", userID)
		}
		if u.RateLimit != nil {
			rl := u.RateLimit
			if rl.PerMinute > 0 && rl.PerHour > 0 && rl.PerMinute > rl.PerHour {
				return fmt.Errorf("registry: user %q rate_limit per_minute > per_hour", userID)
			}
			if rl.PerHour > 0 && rl.PerDay > 0 && rl.PerHour > rl.PerDay {
				return fmt.Errorf("registry: user %q rate_limit per_hour > per_day", userID)
			}
		}
	}

	return nil
}

// Store holds the live Snapshot behind an atomic pointer so the hot path
// never takes a lock to read configuration. Swap is the only mutator and
// is expected to be called at most a few times per process lifetime (on
// SIGHUP-style reload).
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore creates a Store holding the given already-validated snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

// Load returns the current snapshot. Safe for concurrent use.
func (s *Store) Load() *Snapshot {
	return s.ptr.Load()
}

// Swap validates next and, if valid, atomically replaces the live
// snapshot. On validation failure the live snapshot is left untouched and
// the error is returned.
func (s *Store) Swap(next *Snapshot) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.ptr.Store(next)
	return nil
}
