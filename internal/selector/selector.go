// Package selector implements the route selector: given a model alias,
// optional user tags, and (for the debug path) an optional forced
// provider, it returns a SelectedRoute chosen by the alias's configured
// strategy. The seven strategies share one input/output shape and are
// dispatched by a switch on the strategy value rather than virtual
// dispatch per call.
package selector

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/smartgate/internal/registry"
	"github.com/nulpointcorp/smartgate/internal/routestate"
)

// SelectedRoute is returned to the request pipeline.
type SelectedRoute struct {
	RouteID          string
	ProviderID       string
	BaseURL          string
	APIKey           string
	Headers          map[string]string
	UpstreamModel    string
	Kind             registry.BackendKind
	Timeout          time.Duration
	SelectionLatency time.Duration
}

// Selector reads the live config snapshot and the Metrics Store to pick
// routes. It owns the per-alias round-robin counters.
type Selector struct {
	configs *registry.Store
	state   *routestate.Store
	rng     *rand.Rand
	rngMu   sync.Mutex

	rrMu sync.Mutex
	rr   map[string]*uint64
}

// New creates a Selector over the given config store and metrics store.
func New(configs *registry.Store, state *routestate.Store) *Selector {
	return &Selector{
		configs: configs,
		state:   state,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		rr:      make(map[string]*uint64),
	}
}

func (s *Selector) randFloat64() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// Select chooses a backend for alias according to its configured
// strategy, optionally preferring backends tagged to match userTags.
func (s *Selector) Select(alias string, userTags map[string]struct{}, exclude map[string]struct{}) (*SelectedRoute, error) {
	start := time.Now()

	snap := s.configs.Load()
	a, ok := snap.Aliases[alias]
	if !ok || !a.Enabled {
		return nil, ErrUnknownModel
	}

	candidates := filterCandidates(a.EnabledBackends(), userTags, exclude)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableBackends
	}

	var chosen *registry.Backend
	switch a.Strategy {
	case registry.StrategyRandom:
		chosen = s.pickRandom(candidates)
	case registry.StrategyRoundRobin:
		chosen = s.pickRoundRobin(alias, candidates)
	case registry.StrategyWeightedRandom:
		chosen = s.pickWeightedRandom(candidates)
	case registry.StrategyLeastLatency:
		chosen = s.pickLeastLatency(candidates)
	case registry.StrategyFailover:
		chosen = s.pickFailover(candidates)
	case registry.StrategyWeightedFailover:
		chosen = s.pickWeightedFailover(candidates)
	case registry.StrategySmartAI:
		chosen = s.pickSmartAI(candidates, snap.Settings.SmartAI.ExplorationRatio, snap.Settings.SmartAI.NonPremiumStabilityBonus)
	default:
		chosen = s.pickWeightedRandom(candidates)
	}

	if chosen == nil {
		return nil, ErrNoAvailableBackends
	}
	return s.toRoute(chosen, time.Since(start)), nil
}

// SelectSpecific is the debug/admin path that skips strategy selection
// entirely, pinning the response to one provider's backend.
func (s *Selector) SelectSpecific(alias, providerID string) (*SelectedRoute, error) {
	start := time.Now()
	snap := s.configs.Load()
	a, ok := snap.Aliases[alias]
	if !ok || !a.Enabled {
		return nil, ErrUnknownModel
	}
	for _, b := range a.Backends {
		if b.ProviderID == providerID && b.Enabled {
			return s.toRoute(b, time.Since(start)), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Selector) toRoute(b *registry.Backend, selLatency time.Duration) *SelectedRoute {
	timeout := time.Duration(b.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SelectedRoute{
		RouteID:          b.Key(),
		ProviderID:       b.ProviderID,
		BaseURL:          b.BaseURL,
		APIKey:           b.APIKey,
		Headers:          b.CustomHeaders,
		UpstreamModel:    b.UpstreamModel,
		Kind:             b.Kind,
		Timeout:          timeout,
		SelectionLatency: selLatency,
	}
}

// filterCandidates applies the common preprocessing shared by every
// strategy: enabled-only (caller already filtered), exclusion set, then
// tag filter with the "empty intersection falls back to all" rule.
func filterCandidates(backends []*registry.Backend, userTags map[string]struct{}, exclude map[string]struct{}) []*registry.Backend {
	var afterExclude []*registry.Backend
	for _, b := range backends {
		if exclude != nil {
			if _, skip := exclude[b.Key()]; skip {
				continue
			}
		}
		afterExclude = append(afterExclude, b)
	}

	if len(userTags) == 0 {
		return afterExclude
	}

	var tagged []*registry.Backend
	for _, b := range afterExclude {
		if b.HasAnyTag(userTags) {
			tagged = append(tagged, b)
		}
	}
	if len(tagged) == 0 {
		return afterExclude
	}
	return tagged
}

func healthyOf(state *routestate.Store, backends []*registry.Backend) []*registry.Backend {
	var out []*registry.Backend
	for _, b := range backends {
		if state.IsHealthy(b.Key()) {
			out = append(out, b)
		}
	}
	return out
}

func (s *Selector) pickRandom(backends []*registry.Backend) *registry.Backend {
	pool := healthyOf(s.state, backends)
	if len(pool) == 0 {
		pool = backends
	}
	if len(pool) == 0 {
		return nil
	}
	return pool[int(s.randFloat64()*float64(len(pool)))%len(pool)]
}

func (s *Selector) pickRoundRobin(alias string, backends []*registry.Backend) *registry.Backend {
	n := len(backends)
	if n == 0 {
		return nil
	}
	counter := s.counterFor(alias)
	idx := int(*counter % uint64(n))

	for i := 0; i < n; i++ {
		cand := backends[(idx+i)%n]
		if s.state.IsHealthy(cand.Key()) {
			*counter++
			return cand
		}
	}
	*counter++
	return backends[idx]
}

func (s *Selector) counterFor(alias string) *uint64 {
	s.rrMu.Lock()
	defer s.rrMu.Unlock()
	c, ok := s.rr[alias]
	if !ok {
		var zero uint64
		c = &zero
		s.rr[alias] = c
	}
	return c
}

func (s *Selector) pickWeightedRandom(backends []*registry.Backend) *registry.Backend {
	pool := healthyOf(s.state, backends)
	if len(pool) == 0 {
		pool = backends
	}
	return s.weightedDraw(pool, func(b *registry.Backend) float64 { return b.BaseWeight })
}

func (s *Selector) weightedDraw(pool []*registry.Backend, weightOf func(*registry.Backend) float64) *registry.Backend {
	if len(pool) == 0 {
		return nil
	}
	var total float64
	for _, b := range pool {
		w := weightOf(b)
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return pool[0]
	}
	r := s.randFloat64() * total
	var acc float64
	for _, b := range pool {
		w := weightOf(b)
		if w <= 0 {
			continue
		}
		acc += w
		if r <= acc {
			return b
		}
	}
	return pool[len(pool)-1]
}

func (s *Selector) pickLeastLatency(backends []*registry.Backend) *registry.Backend {
	pool := healthyOf(s.state, backends)
	if len(pool) == 0 {
		pool = backends
	}
	if len(pool) == 0 {
		return nil
	}

	type scored struct {
		b       *registry.Backend
		latency float64
		hasData bool
	}
	scoredList := make([]scored, 0, len(pool))
	for _, b := range pool {
		h := s.state.GetSnapshot(b.Key())
		if h.TotalRequests == 0 {
			scoredList = append(scoredList, scored{b: b, latency: 0, hasData: false})
		} else {
			scoredList = append(scoredList, scored{b: b, latency: h.LatencyEMAms, hasData: true})
		}
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		si, sj := scoredList[i], scoredList[j]
		if si.hasData != sj.hasData {
			return si.hasData // backends with data sort before zero-sample ones
		}
		if si.hasData && sj.hasData && si.latency != sj.latency {
			return si.latency < sj.latency
		}
		if si.b.BaseWeight != sj.b.BaseWeight {
			return si.b.BaseWeight > sj.b.BaseWeight
		}
		return si.b.Priority < sj.b.Priority
	})

	return scoredList[0].b
}

func (s *Selector) pickFailover(backends []*registry.Backend) *registry.Backend {
	sorted := sortByPriorityThenWeight(backends)
	for _, b := range sorted {
		if s.state.IsHealthy(b.Key()) {
			return b
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	return sorted[0]
}

func sortByPriorityThenWeight(backends []*registry.Backend) []*registry.Backend {
	sorted := make([]*registry.Backend, len(backends))
	copy(sorted, backends)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].BaseWeight > sorted[j].BaseWeight
	})
	return sorted
}

func (s *Selector) pickWeightedFailover(backends []*registry.Backend) *registry.Backend {
	healthy := healthyOf(s.state, backends)
	if len(healthy) > 0 {
		return s.weightedDraw(healthy, func(b *registry.Backend) float64 { return b.BaseWeight })
	}
	return s.weightedDraw(backends, func(b *registry.Backend) float64 { return b.BaseWeight })
}

const smartAIEpsilon = 1e-4

func (s *Selector) pickSmartAI(backends []*registry.Backend, explorationRatio, nonPremiumBonus float64) *registry.Backend {
	if len(backends) == 0 {
		return nil
	}
	type candidate struct {
		b      *registry.Backend
		weight float64
	}
	all := make([]candidate, 0, len(backends))
	for _, b := range backends {
		c := s.state.SmartAiGetConfidence(b.Key())
		w := routestate.EffectiveWeight(b.BaseWeight, c, b.HasTag("premium"), nonPremiumBonus)
		all = append(all, candidate{b: b, weight: w})
	}

	survivors := all[:0:0]
	for _, c := range all {
		if c.weight >= smartAIEpsilon {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		survivors = all
	}

	if s.randFloat64() < (1 - explorationRatio) {
		best := survivors[0]
		for _, c := range survivors[1:] {
			if c.weight > best.weight ||
				(c.weight == best.weight && c.b.Priority < best.b.Priority) {
				best = c
			}
		}
		return best.b
	}

	pool := make([]*registry.Backend, len(survivors))
	weights := make(map[string]float64, len(survivors))
	for i, c := range survivors {
		pool[i] = c.b
		weights[c.b.Key()] = c.weight
	}
	return s.weightedDraw(pool, func(b *registry.Backend) float64 { return weights[b.Key()] })
}
