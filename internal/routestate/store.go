package routestate

import (
	"sync"
	"time"
)

// shardCount is the number of map shards the store splits backend keys
// across, to reduce contention when many distinct backend keys are hot
// at once.
const shardCount = 32

type cell struct {
	mu     sync.Mutex
	health BackendHealth
	smart  SmartAiState
	unhlt  *UnhealthyEntry // nil when healthy
}

type shard struct {
	mu    sync.RWMutex
	cells map[string]*cell
}

// Clock abstracts time so tests can control decay/interval math. The live
// store uses the real wall clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Settings bundles the tunables the store needs that live in config
// (circuit breaker threshold, SmartAI constants) so the store doesn't
// import the registry package directly — it only needs numbers.
type Settings struct {
	FailureThreshold         uint32
	InitialConfidence        float64
	MinConfidence            float64
	SuccessBoost             float64
	EnableTimeDecay          bool
	ConfidencePenalties      map[ErrorKind]float64
	LatencyEMAAlpha          float64
}

// DefaultPenalties is the default confidence-penalty table by error kind.
func DefaultPenalties() map[ErrorKind]float64 {
	return map[ErrorKind]float64{
		ErrNetwork:     0.3,
		ErrAuth:        0.8,
		ErrRateLimit:   0.1,
		ErrServerError: 0.2,
		ErrModelError:  0.3,
		ErrTimeout:     0.2,
	}
}

// Store is the sharded, concurrent-safe metrics and health store.
type Store struct {
	shards   [shardCount]*shard
	clock    Clock
	settings Settings
}

// New creates a Store. settings supplies the circuit-breaker threshold and
// SmartAI constants; clock may be nil to use the real wall clock.
func New(settings Settings, clock Clock) *Store {
	if clock == nil {
		clock = realClock{}
	}
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.LatencyEMAAlpha == 0 {
		settings.LatencyEMAAlpha = 0.2
	}
	if settings.ConfidencePenalties == nil {
		settings.ConfidencePenalties = DefaultPenalties()
	}
	s := &Store{clock: clock, settings: settings}
	for i := range s.shards {
		s.shards[i] = &shard{cells: make(map[string]*cell)}
	}
	return s
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[fnv32(key)%shardCount]
}

// cellFor returns the cell for key, creating it with default health and
// confidence state on first reference.
func (s *Store) cellFor(key string) *cell {
	sh := s.shardFor(key)

	sh.mu.RLock()
	c, ok := sh.cells[key]
	sh.mu.RUnlock()
	if ok {
		return c
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok = sh.cells[key]; ok {
		return c
	}
	c = &cell{
		health: BackendHealth{Healthy: true, ConnectivityOK: true, ErrorCounts: make(map[ErrorKind]uint32)},
		smart:  SmartAiState{Confidence: s.settings.InitialConfidence, WeightRecoveryStage: StageFull},
	}
	sh.cells[key] = c
	return c
}

// RecordSuccess records a successful call against key and updates its
// latency EMA.
func (s *Store) RecordSuccess(key string, latency time.Duration) {
	now := s.clock.Now()
	ms := float64(latency.Microseconds()) / 1000.0

	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &c.health
	h.TotalRequests++
	h.SuccessfulRequests++
	if h.TotalRequests == h.SuccessfulRequests { // first sample
		h.LatencyEMAms = ms
	} else {
		alpha := s.settings.LatencyEMAAlpha
		h.LatencyEMAms = (1-alpha)*h.LatencyEMAms + alpha*ms
	}
	h.ConsecutiveFailures = 0
	h.ConsecutiveSuccesses++
	h.LastRequestAt = now
	h.LastSuccessAt = now

	// Any single success immediately restores a backend from the
	// unhealthy list rather than requiring a streak.
	if c.unhlt != nil {
		c.unhlt = nil
		h.Healthy = true
	}
}

// RecordFailureWithMethod records a failed call against key, tracking
// which probe method observed it, and moves key onto the unhealthy list
// once its consecutive-failure count crosses the configured threshold.
func (s *Store) RecordFailureWithMethod(key string, kind ErrorKind, method ProbeMethod) {
	now := s.clock.Now()

	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &c.health
	h.TotalRequests++
	h.FailedRequests++
	if h.ErrorCounts == nil {
		h.ErrorCounts = make(map[ErrorKind]uint32)
	}
	h.ErrorCounts[kind]++
	h.ConsecutiveSuccesses = 0
	h.ConsecutiveFailures++
	h.LastRequestAt = now
	h.LastFailureAt = now

	if h.ConsecutiveFailures >= s.settings.FailureThreshold {
		if c.unhlt == nil {
			c.unhlt = &UnhealthyEntry{
				FirstFailureAt:     now,
				LastFailureAt:      now,
				FailureCount:       1,
				FailureCheckMethod: method,
			}
		} else {
			c.unhlt.LastFailureAt = now
			c.unhlt.FailureCount++
		}
		h.Healthy = false
	}
}

// GetSnapshot returns a point-in-time copy of key's BackendHealth.
func (s *Store) GetSnapshot(key string) BackendHealth {
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.health
	cp.ErrorCounts = make(map[ErrorKind]uint32, len(c.health.ErrorCounts))
	for k, v := range c.health.ErrorCounts {
		cp.ErrorCounts[k] = v
	}
	return cp
}

// IsHealthy reports whether key is currently considered healthy.
func (s *Store) IsHealthy(key string) bool {
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health.Healthy
}

// IsOnUnhealthyList reports whether key is on the unhealthy list.
func (s *Store) IsOnUnhealthyList(key string) bool {
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unhlt != nil
}

// UnhealthyEntrySnapshot returns a copy of the unhealthy entry, or
// (zero, false) if the backend is currently healthy.
func (s *Store) UnhealthyEntrySnapshot(key string) (UnhealthyEntry, bool) {
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhlt == nil {
		return UnhealthyEntry{}, false
	}
	return *c.unhlt, true
}

// NeedsRecoveryProbe reports whether enough time has passed since key's
// last failure or recovery attempt to try again, applying the gentle
// backoff multiplier min(1+recovery_attempts*0.1, 3.0).
func (s *Store) NeedsRecoveryProbe(key string, interval time.Duration) bool {
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhlt == nil {
		return false
	}
	last := c.unhlt.LastFailureAt
	if c.unhlt.LastRecoveryAt.After(last) {
		last = c.unhlt.LastRecoveryAt
	}
	backoff := 1.0 + float64(c.unhlt.RecoveryAttempts)*0.1
	if backoff > 3.0 {
		backoff = 3.0
	}
	scaled := time.Duration(float64(interval) * backoff)
	return s.clock.Now().Sub(last) >= scaled
}

// RecordRecoveryAttempt marks that a recovery probe was just attempted for key.
func (s *Store) RecordRecoveryAttempt(key string) {
	now := s.clock.Now()
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhlt == nil {
		return
	}
	c.unhlt.LastRecoveryAt = now
	c.unhlt.RecoveryAttempts++
}

// SmartAiUpdateSuccess boosts key's confidence after a successful call.
func (s *Store) SmartAiUpdateSuccess(key string) {
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	sm := &c.smart
	sm.Confidence = clamp(sm.Confidence+s.settings.SuccessBoost, s.settings.MinConfidence, 1.0)
	sm.LastConfidenceUpdateAt = s.clock.Now()

	sm.RecentSuccessesInStage++
	newStage, newCount := AdvanceStage(sm.WeightRecoveryStage, sm.RecentSuccessesInStage-1)
	sm.WeightRecoveryStage = newStage
	sm.RecentSuccessesInStage = newCount
}

// SmartAiUpdateFailure applies the configured penalty for kind to key's confidence.
func (s *Store) SmartAiUpdateFailure(key string, kind ErrorKind) {
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	sm := &c.smart
	penalty, ok := s.settings.ConfidencePenalties[kind]
	if !ok {
		penalty = 0.2
	}
	sm.Confidence = clamp(sm.Confidence-penalty, s.settings.MinConfidence, 1.0)
	sm.LastConfidenceUpdateAt = s.clock.Now()
	sm.WeightRecoveryStage = Stage10
	sm.RecentSuccessesInStage = 0
}

// SmartAiGetConfidence returns key's current confidence, applying lazy
// time decay when enabled.
func (s *Store) SmartAiGetConfidence(key string) float64 {
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.settings.EnableTimeDecay || c.smart.LastConfidenceUpdateAt.IsZero() {
		return c.smart.Confidence
	}
	age := s.clock.Now().Sub(c.smart.LastConfidenceUpdateAt).Seconds()
	return Decay(c.smart.Confidence, age)
}

// SmartAiSnapshot returns a copy of the raw SmartAiState (no decay applied).
func (s *Store) SmartAiSnapshot(key string) SmartAiState {
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smart
}

// Snapshot is the shape returned by admin/inspection reads.
type Snapshot struct {
	Key    string
	Health BackendHealth
	Smart  SmartAiState
	Unhlt  *UnhealthyEntry
}

// AllSnapshots returns a point-in-time copy of every tracked backend key,
// feeding the external admin/inspection surface.
func (s *Store) AllSnapshots() []Snapshot {
	var out []Snapshot
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, c := range sh.cells {
			c.mu.Lock()
			entry := Snapshot{Key: key, Health: c.health, Smart: c.smart}
			if c.unhlt != nil {
				cp := *c.unhlt
				entry.Unhlt = &cp
			}
			c.mu.Unlock()
			out = append(out, entry)
		}
		sh.mu.RUnlock()
	}
	return out
}

// UnhealthyList returns every backend key currently on the unhealthy
// list, annotated with its failure_check_method, for the admin surface.
func (s *Store) UnhealthyList() []Snapshot {
	all := s.AllSnapshots()
	out := all[:0]
	for _, e := range all {
		if e.Unhlt != nil {
			out = append(out, e)
		}
	}
	return out
}
