// Package health implements a background task that actively probes
// per_token backends on a timer and drives method-consistent recovery
// probing for anything on the unhealthy list. Billing-mode awareness
// means per_request backends are only ever probed passively, by the
// outcome of real traffic, while per_token backends get active synthetic
// probes on a ticker.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/smartgate/internal/registry"
	"github.com/nulpointcorp/smartgate/internal/routestate"
	"github.com/nulpointcorp/smartgate/internal/upstream"
)

// Controller runs the active-probe and recovery-check loops.
type Controller struct {
	configs  *registry.Store
	state    *routestate.Store
	clients  *upstream.Registry
	probeInt time.Duration
	recInt   time.Duration
	probeTO  time.Duration

	baseCtx context.Context
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Controller and starts its background loops immediately.
func New(ctx context.Context, configs *registry.Store, state *routestate.Store, clients *upstream.Registry) *Controller {
	if ctx == nil {
		panic("health: context must not be nil")
	}
	snap := configs.Load()
	c := &Controller{
		configs:  configs,
		state:    state,
		clients:  clients,
		probeInt: secs(snap.Settings.ActiveProbeIntervalSeconds, 30),
		recInt:   secs(snap.Settings.RecoveryIntervalSeconds, 120),
		probeTO:  secs(snap.Settings.HealthCheckTimeoutSeconds, 10),
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}
	c.wg.Add(2)
	go c.runActiveProbe()
	go c.runRecovery()
	return c
}

func secs(n int, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// Close stops both background loops cooperatively.
func (c *Controller) Close() {
	close(c.done)
	c.wg.Wait()
}

func (c *Controller) runActiveProbe() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.probeInt)
	defer ticker.Stop()
	c.activeProbeOnce()
	for {
		select {
		case <-ticker.C:
			c.activeProbeOnce()
		case <-c.done:
			return
		}
	}
}

func (c *Controller) runRecovery() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.recInt)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.recoveryOnce()
		case <-c.done:
			return
		}
	}
}

// perTokenPairs returns, for every enabled provider, the set of
// (provider, upstream_model) pairs used by any enabled alias under that
// provider with billing_mode=per_token. Backends with billing_mode
// per_request are skipped entirely — they are never actively probed.
func (c *Controller) perTokenPairs() map[string][]*registry.Backend {
	snap := c.configs.Load()
	out := make(map[string][]*registry.Backend)
	seen := make(map[string]struct{})
	for _, alias := range snap.Aliases {
		if !alias.Enabled {
			continue
		}
		for _, b := range alias.Backends {
			if !b.Enabled || b.BillingMode != registry.BillingPerToken {
				continue
			}
			prov, ok := snap.Providers[b.ProviderID]
			if !ok || !prov.Enabled {
				continue
			}
			if _, dup := seen[b.Key()]; dup {
				continue
			}
			seen[b.Key()] = struct{}{}
			out[b.ProviderID] = append(out[b.ProviderID], b)
		}
	}
	return out
}

func (c *Controller) activeProbeOnce() {
	pairs := c.perTokenPairs()
	snap := c.configs.Load()

	var wg sync.WaitGroup
	for providerID, backends := range pairs {
		prov, ok := snap.Providers[providerID]
		if !ok {
			continue
		}
		client, ok := c.clients.For(prov.Kind)
		if !ok {
			continue
		}
		providerID, backends, prov, client := providerID, backends, prov, client
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.probeProvider(providerID, prov, client, backends)
		}()
	}
	wg.Wait()
}

func (c *Controller) probeProvider(providerID string, prov *registry.Provider, client upstream.Client, backends []*registry.Backend) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.probeTO)
	defer cancel()

	start := time.Now()
	err := client.ListModels(ctx, upstream.Endpoint{BaseURL: prov.BaseURL, APIKey: prov.APIKey, Headers: prov.Headers})
	latency := time.Since(start)

	for _, b := range backends {
		key := b.Key()
		if err == nil {
			c.state.RecordSuccess(key, latency)
			continue
		}
		kind, method := classifyProbeError(err)
		c.state.RecordFailureWithMethod(key, kind, method)
	}
	_ = providerID
}

func (c *Controller) recoveryOnce() {
	snap := c.configs.Load()
	entries := c.state.UnhealthyList()

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		backend, provider := lookupBackend(snap, e.Key)
		if backend == nil || provider == nil {
			continue
		}
		if backend.BillingMode != registry.BillingPerToken {
			continue // per-request recovers passively only, see pipeline
		}
		if !c.state.NeedsRecoveryProbe(e.Key, c.recInt) {
			continue
		}
		client, ok := c.clients.For(provider.Kind)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.recoverOne(e.Key, provider, backend, client, e.Unhlt.FailureCheckMethod)
		}()
	}
	wg.Wait()
}

func (c *Controller) recoverOne(key string, provider *registry.Provider, backend *registry.Backend, client upstream.Client, method routestate.ProbeMethod) {
	c.state.RecordRecoveryAttempt(key)

	ctx, cancel := context.WithTimeout(c.baseCtx, c.probeTO)
	defer cancel()

	ep := upstream.Endpoint{BaseURL: provider.BaseURL, APIKey: provider.APIKey, Headers: provider.Headers}

	start := time.Now()
	var err error
	switch method {
	case routestate.MethodChat:
		_, err = client.Chat(ctx, ep, upstream.ChatRequest{
			Model:     backend.UpstreamModel,
			Messages:  []upstream.Message{{Role: "user", Content: "ping"}},
			MaxTokens: 1,
			Stream:    false,
		})
	default: // ModelList, Network
		err = client.ListModels(ctx, ep)
	}
	latency := time.Since(start)

	if err == nil {
		c.state.RecordSuccess(key, latency)
		return
	}
	kind, _ := classifyProbeError(err)
	// Method stays sticky: we probed with `method`, so we record the
	// failure against that same method (the "consistency" rule).
	c.state.RecordFailureWithMethod(key, kind, method)
}

func lookupBackend(snap *registry.Snapshot, key string) (*registry.Backend, *registry.Provider) {
	for _, alias := range snap.Aliases {
		for _, b := range alias.Backends {
			if b.Key() == key {
				prov := snap.Providers[b.ProviderID]
				return b, prov
			}
		}
	}
	return nil, nil
}

// classifyProbeError maps a transport/HTTP error from an upstream client
// into an ErrorKind. See pkg/apierr for the symmetric HTTP egress table.
func classifyProbeError(err error) (routestate.ErrorKind, routestate.ProbeMethod) {
	if err == nil {
		return "", ""
	}
	if sc, ok := err.(interface{ HTTPStatus() int }); ok {
		return classifyByStatus(sc.HTTPStatus()), routestate.MethodModelList
	}
	if err == context.DeadlineExceeded {
		return routestate.ErrTimeout, routestate.MethodModelList
	}
	return routestate.ErrNetwork, routestate.MethodNetwork
}

func classifyByStatus(status int) routestate.ErrorKind {
	switch {
	case status == 401 || status == 403:
		return routestate.ErrAuth
	case status == 429:
		return routestate.ErrRateLimit
	case status == 404 || status == 400:
		return routestate.ErrModelError
	case status == 503 || status == 504:
		return routestate.ErrTimeout
	case status >= 500:
		return routestate.ErrServerError
	default:
		return routestate.ErrServerError
	}
}
