package health

import (
	"context"
	"testing"

	"github.com/nulpointcorp/smartgate/internal/registry"
	"github.com/nulpointcorp/smartgate/internal/routestate"
	"github.com/nulpointcorp/smartgate/internal/upstream"
)

func TestClassifyByStatus(t *testing.T) {
	cases := map[int]routestate.ErrorKind{
		401: routestate.ErrAuth,
		403: routestate.ErrAuth,
		429: routestate.ErrRateLimit,
		404: routestate.ErrModelError,
		400: routestate.ErrModelError,
		503: routestate.ErrTimeout,
		504: routestate.ErrTimeout,
		500: routestate.ErrServerError,
		418: routestate.ErrServerError,
	}
	for status, want := range cases {
		if got := classifyByStatus(status); got != want {
			t.Errorf("classifyByStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestClassifyProbeError_HTTPStatus(t *testing.T) {
	kind, method := classifyProbeError(&upstream.UpstreamError{StatusCode: 429, Message: "rate limited"})
	if kind != routestate.ErrRateLimit {
		t.Errorf("expected ErrRateLimit, got %v", kind)
	}
	if method != routestate.MethodModelList {
		t.Errorf("expected MethodModelList for an HTTP-classified error, got %v", method)
	}
}

func TestClassifyProbeError_DeadlineExceeded(t *testing.T) {
	kind, _ := classifyProbeError(context.DeadlineExceeded)
	if kind != routestate.ErrTimeout {
		t.Errorf("expected ErrTimeout for a deadline exceeded error, got %v", kind)
	}
}

func TestClassifyProbeError_Network(t *testing.T) {
	kind, method := classifyProbeError(errPlain("connection refused"))
	if kind != routestate.ErrNetwork {
		t.Errorf("expected ErrNetwork for a plain transport error, got %v", kind)
	}
	if method != routestate.MethodNetwork {
		t.Errorf("expected MethodNetwork, got %v", method)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

func TestPerTokenPairs_SkipsPerRequestAndDisabled(t *testing.T) {
	snap := &registry.Snapshot{
		Providers: map[string]*registry.Provider{
			"p1": {ID: "p1", Enabled: true},
			"p2": {ID: "p2", Enabled: false},
		},
		Aliases: map[string]*registry.ModelAlias{
			"a1": {
				Name:    "a1",
				Enabled: true,
				Backends: []*registry.Backend{
					{ProviderID: "p1", UpstreamModel: "m1", Enabled: true, BillingMode: registry.BillingPerToken},
					{ProviderID: "p1", UpstreamModel: "m2", Enabled: true, BillingMode: registry.BillingPerRequest},
					{ProviderID: "p2", UpstreamModel: "m3", Enabled: true, BillingMode: registry.BillingPerToken},
					{ProviderID: "p1", UpstreamModel: "m4", Enabled: false, BillingMode: registry.BillingPerToken},
				},
			},
		},
	}
	c := &Controller{configs: registry.NewStore(snap)}
	pairs := c.perTokenPairs()

	if len(pairs) != 1 {
		t.Fatalf("expected only provider p1 to have eligible pairs, got %+v", pairs)
	}
	backends := pairs["p1"]
	if len(backends) != 1 || backends[0].UpstreamModel != "m1" {
		t.Errorf("expected only m1 (per_token, enabled, provider enabled), got %+v", backends)
	}
}

func TestPerTokenPairs_DedupesAcrossAliases(t *testing.T) {
	b := &registry.Backend{ProviderID: "p1", UpstreamModel: "m1", Enabled: true, BillingMode: registry.BillingPerToken}
	snap := &registry.Snapshot{
		Providers: map[string]*registry.Provider{"p1": {ID: "p1", Enabled: true}},
		Aliases: map[string]*registry.ModelAlias{
			"a1": {Name: "a1", Enabled: true, Backends: []*registry.Backend{b}},
			"a2": {Name: "a2", Enabled: true, Backends: []*registry.Backend{b}},
		},
	}
	c := &Controller{configs: registry.NewStore(snap)}
	pairs := c.perTokenPairs()
	if len(pairs["p1"]) != 1 {
		t.Errorf("expected the shared backend key to be deduped, got %d entries", len(pairs["p1"]))
	}
}
