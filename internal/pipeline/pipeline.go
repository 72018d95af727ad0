// Package pipeline implements the request pipeline: it consumes a
// SelectedRoute from the selector, dispatches via the upstream client
// registry, records the outcome into the metrics store, and translates
// between the external OpenAI chat schema and whatever the pipeline
// already hands to the upstream adapters (translation itself lives in
// internal/upstream; this package only orchestrates). Retries are
// "select-again": on a retryable failure the pipeline asks the selector
// for a new route excluding every route_id already tried in this
// request, rather than looping on the same route.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/smartgate/internal/cache"
	"github.com/nulpointcorp/smartgate/internal/registry"
	"github.com/nulpointcorp/smartgate/internal/routestate"
	"github.com/nulpointcorp/smartgate/internal/selector"
	"github.com/nulpointcorp/smartgate/internal/upstream"
)

// ChatRequest is the external, OpenAI-compatible request body the HTTP
// surface parses and hands to the pipeline.
type ChatRequest struct {
	Model       string             `json:"model"`
	Messages    []upstream.Message `json:"messages"`
	Stream      bool               `json:"stream"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
	Backend     string             `json:"backend,omitempty"`
}

// ChatResult is the non-streaming response, already shaped as OpenAI
// chat-completions JSON.
type ChatResult struct {
	Body []byte
}

// Frame is one unit written to the client during a streaming response:
// either a `data: ...\n\n` payload, a `: keep-alive` comment, or the
// terminal `data: [DONE]\n\n` line. At most one Done frame is sent (none
// when the stream fails before any data frame), and no frame with
// IsKeepAlive follows it.
type Frame struct {
	Data        []byte
	IsKeepAlive bool
	Done        bool
}

// PipelineError wraps a classified failure with its ErrorKind so the
// HTTP surface can map it through pkg/apierr without re-classifying.
type PipelineError struct {
	Kind    routestate.ErrorKind
	Message string
}

func (e *PipelineError) Error() string { return e.Message }

// ErrBadRequest and ErrNoAvailableBackends are returned directly (not
// wrapped in PipelineError) since they never touch an upstream and so
// carry no route to record against.
var (
	ErrBadRequest = errors.New("pipeline: model is required")
)

// Pipeline wires the selector, upstream registry, and metrics store
// together behind the one handle_chat operation.
type Pipeline struct {
	configs         *registry.Store
	sel             *selector.Selector
	state           *routestate.Store
	clients         *upstream.Registry
	cache           cache.Cache
	cacheExclusions *cache.ExclusionList
	log             *slog.Logger

	maxInternalRetries int
	keepAliveInterval  time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithCache(c cache.Cache) Option { return func(p *Pipeline) { p.cache = c } }

// WithCacheExclusions sets the rules that skip caching for a given model
// name. A nil ExclusionList (the default) excludes nothing.
func WithCacheExclusions(el *cache.ExclusionList) Option {
	return func(p *Pipeline) { p.cacheExclusions = el }
}
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}
func WithKeepAliveInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.keepAliveInterval = d }
}

// New creates a Pipeline.
func New(configs *registry.Store, sel *selector.Selector, state *routestate.Store, clients *upstream.Registry, opts ...Option) *Pipeline {
	snap := configs.Load()
	p := &Pipeline{
		configs:            configs,
		sel:                sel,
		state:              state,
		clients:            clients,
		log:                slog.Default(),
		maxInternalRetries: snap.Settings.MaxInternalRetries,
		keepAliveInterval:  30 * time.Second,
	}
	if p.maxInternalRetries <= 0 {
		p.maxInternalRetries = 2
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// userTagSet converts a string slice into the set shape selector.Select wants.
func userTagSet(tags []string) map[string]struct{} {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}

// HandleChat dispatches a non-streaming chat completion request,
// retrying with a fresh route on any retryable upstream failure.
func (p *Pipeline) HandleChat(ctx context.Context, req ChatRequest, userTags []string) (*ChatResult, error) {
	forced := req.Backend
	req.Backend = "" // stripped before any upstream send

	if req.Model == "" {
		return nil, ErrBadRequest
	}

	cacheable := p.cacheable(req.Model) && !req.Stream
	if cacheable {
		if body, ok := p.tryCache(ctx, req); ok {
			return &ChatResult{Body: body}, nil
		}
	}

	tried := make(map[string]struct{})
	tags := userTagSet(userTags)

	var lastErr error
	for attempt := 0; attempt <= p.maxInternalRetries; attempt++ {
		route, err := p.selectRoute(req.Model, forced, tags, tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[route.RouteID] = struct{}{}

		client, ok := p.clients.For(route.Kind)
		if !ok {
			lastErr = &PipelineError{Kind: routestate.ErrServerError, Message: fmt.Sprintf("no upstream client for kind %q", route.Kind)}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, route.Timeout)
		start := time.Now()
		resp, err := client.Chat(callCtx, upstream.Endpoint{BaseURL: route.BaseURL, APIKey: route.APIKey, Headers: route.Headers}, upstream.ChatRequest{
			Model:       route.UpstreamModel,
			Messages:    req.Messages,
			Stream:      false,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		latency := time.Since(start)
		cancel()

		if err != nil {
			kind := classifyError(err)
			p.recordFailure(route.RouteID, kind)
			lastErr = &PipelineError{Kind: kind, Message: err.Error()}
			if apierrRetryable(kind) {
				continue
			}
			return nil, lastErr
		}

		p.recordSuccess(route.RouteID, latency)
		body := marshalChatResponse(resp)
		if cacheable {
			p.storeCache(ctx, req, body)
		}
		return &ChatResult{Body: body}, nil
	}

	if lastErr == nil {
		lastErr = &PipelineError{Kind: routestate.ErrServerError, Message: "internal retries exhausted"}
	}
	return nil, lastErr
}

// EmbedRequest is the external embeddings request the HTTP surface
// parses and hands to the pipeline.
type EmbedRequest struct {
	Model   string
	Input   []string
	Backend string
}

// EmbedResult is the response, already shaped as OpenAI-compatible
// embeddings-list JSON.
type EmbedResult struct {
	Body []byte
}

// HandleEmbeddings dispatches a vector-embeddings request through the
// same select/record path HandleChat uses, so embedding-capable
// backends participate in the same health and circuit tracking as chat
// backends. A backend whose Client doesn't implement upstream.Embedder
// is treated like any other non-retryable-turned-retryable failure: the
// pipeline excludes it and selects again rather than failing the whole
// alias outright, in case another backend behind the same alias does
// support embeddings.
func (p *Pipeline) HandleEmbeddings(ctx context.Context, req EmbedRequest, userTags []string) (*EmbedResult, error) {
	forced := req.Backend
	req.Backend = ""

	if req.Model == "" || len(req.Input) == 0 {
		return nil, ErrBadRequest
	}

	tried := make(map[string]struct{})
	tags := userTagSet(userTags)

	var lastErr error
	for attempt := 0; attempt <= p.maxInternalRetries; attempt++ {
		route, err := p.selectRoute(req.Model, forced, tags, tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[route.RouteID] = struct{}{}

		client, ok := p.clients.For(route.Kind)
		if !ok {
			lastErr = &PipelineError{Kind: routestate.ErrServerError, Message: fmt.Sprintf("no upstream client for kind %q", route.Kind)}
			continue
		}
		embedder, ok := client.(upstream.Embedder)
		if !ok {
			lastErr = &PipelineError{Kind: routestate.ErrBadRequest, Message: fmt.Sprintf("backend %q does not support embeddings", route.Kind)}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, route.Timeout)
		start := time.Now()
		resp, err := embedder.Embed(callCtx, upstream.Endpoint{BaseURL: route.BaseURL, APIKey: route.APIKey, Headers: route.Headers}, upstream.EmbedRequest{
			Model: route.UpstreamModel,
			Input: req.Input,
		})
		latency := time.Since(start)
		cancel()

		if err != nil {
			kind := classifyError(err)
			p.recordFailure(route.RouteID, kind)
			lastErr = &PipelineError{Kind: kind, Message: err.Error()}
			if apierrRetryable(kind) {
				continue
			}
			return nil, lastErr
		}

		p.recordSuccess(route.RouteID, latency)
		return &EmbedResult{Body: marshalEmbedResponse(resp)}, nil
	}

	if lastErr == nil {
		lastErr = &PipelineError{Kind: routestate.ErrServerError, Message: "internal retries exhausted"}
	}
	return nil, lastErr
}

// HandleChatStream implements the streaming chat path. The returned
// channel yields Frames until it's closed; the keep-alive emitter is
// bound to the same goroutine scope as the data stream so it
// necessarily stops pulling once the data stream ends, unlike a naive
// free-running ticker.
func (p *Pipeline) HandleChatStream(ctx context.Context, req ChatRequest, userTags []string) (<-chan Frame, error) {
	forced := req.Backend
	req.Backend = ""
	if req.Model == "" {
		return nil, ErrBadRequest
	}

	tried := make(map[string]struct{})
	tags := userTagSet(userTags)

	route, err := p.selectRoute(req.Model, forced, tags, tried)
	if err != nil {
		return nil, err
	}
	tried[route.RouteID] = struct{}{}

	client, ok := p.clients.For(route.Kind)
	if !ok {
		return nil, &PipelineError{Kind: routestate.ErrServerError, Message: fmt.Sprintf("no upstream client for kind %q", route.Kind)}
	}

	callCtx, cancel := context.WithTimeout(ctx, route.Timeout)
	start := time.Now()
	resp, err := client.Chat(callCtx, upstream.Endpoint{BaseURL: route.BaseURL, APIKey: route.APIKey, Headers: route.Headers}, upstream.ChatRequest{
		Model:       route.UpstreamModel,
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		cancel()
		kind := classifyError(err)
		p.recordFailure(route.RouteID, kind)
		return nil, &PipelineError{Kind: kind, Message: err.Error()}
	}

	out := make(chan Frame, 8)
	go p.pumpStream(callCtx, cancel, route.RouteID, start, resp.Stream, out)
	return out, nil
}

func (p *Pipeline) pumpStream(ctx context.Context, cancel context.CancelFunc, routeID string, start time.Time, in <-chan upstream.StreamChunk, out chan<- Frame) {
	defer cancel()
	defer close(out)

	ticker := time.NewTicker(p.keepAliveInterval)
	defer ticker.Stop()

	delivered := false
	var failure error

drain:
	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				break drain
			}
			if chunk.Err != nil {
				failure = chunk.Err
				break drain
			}
			delivered = true
			out <- Frame{Data: marshalStreamChunk(chunk)}
		case <-ticker.C:
			// The keep-alive emitter only fires while `in` is still open —
			// once the select above takes the !ok branch we `break drain`
			// and this case can no longer run, so no keep-alive is ever
			// emitted after the data stream ends.
			out <- Frame{Data: []byte(": keep-alive\n\n"), IsKeepAlive: true}
		case <-ctx.Done():
			failure = ctx.Err()
			break drain
		}
	}

	if failure != nil {
		kind := classifyError(failure)
		p.recordFailure(routeID, kind)
		if !delivered {
			// Pre-body failure: surfaced by the caller as an HTTP error
			// instead of a terminated SSE body (handled by the caller
			// checking whether any Data frame arrived before Done).
			return
		}
		// Post-body failure: close the stream, record it, but do not
		// inject an error frame into the SSE body.
		out <- Frame{Data: []byte("data: [DONE]\n\n"), Done: true}
		return
	}

	p.recordSuccess(routeID, time.Since(start))
	out <- Frame{Data: []byte("data: [DONE]\n\n"), Done: true}
}

func (p *Pipeline) selectRoute(alias, forced string, tags map[string]struct{}, tried map[string]struct{}) (*selector.SelectedRoute, error) {
	if forced != "" {
		return p.sel.SelectSpecific(alias, forced)
	}
	return p.sel.Select(alias, tags, tried)
}

func (p *Pipeline) recordSuccess(routeID string, latency time.Duration) {
	p.state.RecordSuccess(routeID, latency)
	p.state.SmartAiUpdateSuccess(routeID)
}

func (p *Pipeline) recordFailure(routeID string, kind routestate.ErrorKind) {
	p.state.RecordFailureWithMethod(routeID, kind, routestate.MethodChat)
	p.state.SmartAiUpdateFailure(routeID, kind)
}

func apierrRetryable(kind routestate.ErrorKind) bool {
	switch kind {
	case routestate.ErrNetwork, routestate.ErrTimeout, routestate.ErrRateLimit, routestate.ErrServerError:
		return true
	default:
		return false
	}
}

// classifyError maps an upstream error into an ErrorKind, distinguishing
// timeouts, rate limits, auth failures, and upstream status codes into a
// seven-way taxonomy.
func classifyError(err error) routestate.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return routestate.ErrTimeout
	}
	if sc, ok := err.(interface{ HTTPStatus() int }); ok {
		switch status := sc.HTTPStatus(); {
		case status == 401 || status == 403:
			return routestate.ErrAuth
		case status == 429:
			return routestate.ErrRateLimit
		case status == 400:
			return routestate.ErrBadRequest
		case status == 404:
			return routestate.ErrModelError
		case status == 503 || status == 504:
			return routestate.ErrTimeout
		case status >= 500:
			return routestate.ErrServerError
		default:
			return routestate.ErrServerError
		}
	}
	return routestate.ErrNetwork
}

func marshalChatResponse(resp *upstream.ChatResponse) []byte {
	body := map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": resp.Content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	out, _ := json.Marshal(body)
	return out
}

func marshalStreamChunk(chunk upstream.StreamChunk) []byte {
	delta := map[string]any{
		"id":      "chatcmpl-stream",
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"choices": []map[string]any{
			{
				"index": 0,
				"delta": map[string]string{"content": chunk.Content},
				"finish_reason": func() any {
					if chunk.FinishReason != "" {
						return chunk.FinishReason
					}
					return nil
				}(),
			},
		},
	}
	data, _ := json.Marshal(delta)
	out := append([]byte("data: "), data...)
	out = append(out, '\n', '\n')
	return out
}

func marshalEmbedResponse(resp *upstream.EmbedResponse) []byte {
	data := make([]map[string]any, len(resp.Embeddings))
	for i, vec := range resp.Embeddings {
		data[i] = map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": vec,
		}
	}
	body := map[string]any{
		"object": "list",
		"data":   data,
		"model":  resp.Model,
		"usage": map[string]int{
			"prompt_tokens": resp.Usage.InputTokens,
			"total_tokens":  resp.Usage.InputTokens,
		},
	}
	out, _ := json.Marshal(body)
	return out
}

// cacheable reports whether responses for model may be cached: a cache
// backend must be configured, and the model must not match an exclusion
// rule (e.g. realtime or otherwise non-deterministic models).
func (p *Pipeline) cacheable(model string) bool {
	return p.cache != nil && !p.cacheExclusions.Matches(model)
}

func (p *Pipeline) tryCache(ctx context.Context, req ChatRequest) ([]byte, bool) {
	key := buildCacheKey(req)
	return p.cache.Get(ctx, key)
}

func (p *Pipeline) storeCache(ctx context.Context, req ChatRequest, body []byte) {
	key := buildCacheKey(req)
	_ = p.cache.Set(ctx, key, body, time.Hour)
}

func buildCacheKey(req ChatRequest) string {
	data, _ := json.Marshal(req)
	sum := sha256.Sum256(data)
	return "cache:" + fmt.Sprintf("%x", sum[:])
}
