package httpapi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/smartgate/internal/registry"
	"github.com/nulpointcorp/smartgate/internal/routestate"
)

func testSnapshot() *registry.Snapshot {
	return &registry.Snapshot{
		Aliases: map[string]*registry.ModelAlias{
			"gpt-fast": {
				Name:     "gpt-fast",
				Strategy: registry.Strategy("weighted"),
				Enabled:  true,
				Backends: []*registry.Backend{
					{ProviderID: "openai-main", UpstreamModel: "gpt-4o-mini", Enabled: true},
				},
			},
			"disabled-alias": {
				Name:    "disabled-alias",
				Enabled: false,
			},
		},
	}
}

func newTestServer() *Server {
	snap := testSnapshot()
	return New(registry.NewStore(snap), routestate.New(routestate.Settings{}, nil), nil, nil)
}

func TestHandleListModels(t *testing.T) {
	s := newTestServer()
	ctx := &fasthttp.RequestCtx{}
	s.handleListModels(ctx)

	var out struct {
		Object string           `json:"object"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Data) != 1 {
		t.Fatalf("expected 1 enabled alias, got %d: %+v", len(out.Data), out.Data)
	}
	if out.Data[0]["id"] != "gpt-fast" {
		t.Errorf("expected gpt-fast, got %v", out.Data[0]["id"])
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer()
	ctx := &fasthttp.RequestCtx{}
	s.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_Healthy(t *testing.T) {
	s := newTestServer()
	ctx := &fasthttp.RequestCtx{}
	s.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200 when backends are healthy, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_AllUnhealthy(t *testing.T) {
	snap := testSnapshot()
	state := routestate.New(routestate.Settings{FailureThreshold: 1}, nil)
	state.RecordFailureWithMethod("openai-main:gpt-4o-mini", routestate.ErrNetwork, routestate.ProbeMethod(""))

	s := New(registry.NewStore(snap), state, nil, nil)
	ctx := &fasthttp.RequestCtx{}
	s.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503 when every backend is unhealthy, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleAdminRoutes(t *testing.T) {
	snap := testSnapshot()
	state := routestate.New(routestate.Settings{}, nil)
	state.RecordSuccess("openai-main:gpt-4o-mini", 100*time.Millisecond)

	s := New(registry.NewStore(snap), state, nil, nil)
	ctx := &fasthttp.RequestCtx{}
	s.handleAdminRoutes(ctx)

	var out struct {
		Routes []map[string]any `json:"routes"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(out.Routes))
	}
	if out.Routes[0]["key"] != "openai-main:gpt-4o-mini" {
		t.Errorf("unexpected key: %v", out.Routes[0]["key"])
	}
}

func TestHandleAdminSmartAI(t *testing.T) {
	snap := testSnapshot()
	state := routestate.New(routestate.Settings{InitialConfidence: 0.8}, nil)
	state.RecordSuccess("openai-main:gpt-4o-mini", 50*time.Millisecond)

	s := New(registry.NewStore(snap), state, nil, nil)
	ctx := &fasthttp.RequestCtx{}
	s.handleAdminSmartAI(ctx)

	var out struct {
		SmartAI []map[string]any `json:"smart_ai"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.SmartAI) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out.SmartAI))
	}
}

func TestClampUint16(t *testing.T) {
	cases := map[int64]uint16{
		-1:    0,
		0:     0,
		1000:  1000,
		65535: 65535,
		70000: 65535,
	}
	for in, want := range cases {
		if got := clampUint16(in); got != want {
			t.Errorf("clampUint16(%d): expected %d, got %d", in, want, got)
		}
	}
}

func TestRequestUUID_GeneratesWhenMissing(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	id := requestUUID(ctx)
	if id.String() == "" {
		t.Error("expected a generated UUID")
	}
}

func TestRequestUUID_ParsesStamped(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	handler := requestID(func(ctx *fasthttp.RequestCtx) {})
	handler(ctx)

	id := requestUUID(ctx)
	stamped, _ := ctx.UserValue("request_id").(string)
	if id.String() != stamped {
		t.Errorf("expected requestUUID to match stamped id %q, got %q", stamped, id.String())
	}
}
