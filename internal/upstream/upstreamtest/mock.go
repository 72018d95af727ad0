// Package upstreamtest provides a deterministic stand-in for the real
// SDK-backed upstream.Client implementations. Used by internal/pipeline
// tests so they never make a real network call.
package upstreamtest

import (
	"context"
	"sync/atomic"

	"github.com/nulpointcorp/smartgate/internal/registry"
	"github.com/nulpointcorp/smartgate/internal/upstream"
)

// Client is a scriptable upstream.Client. Each field is a func hook;
// leaving ChatFunc/ListModelsFunc nil means "always succeed".
type Client struct {
	kind          registry.BackendKind
	ChatFunc      func(ctx context.Context, ep upstream.Endpoint, req upstream.ChatRequest) (*upstream.ChatResponse, error)
	ListModelsFunc func(ctx context.Context, ep upstream.Endpoint) error
	EmbedFunc     func(ctx context.Context, ep upstream.Endpoint, req upstream.EmbedRequest) (*upstream.EmbedResponse, error)

	ChatCalls      atomic.Int64
	ListModelsCalls atomic.Int64
	EmbedCalls      atomic.Int64
}

// New creates a Client reporting the given kind.
func New(kind registry.BackendKind) *Client {
	return &Client{kind: kind}
}

func (c *Client) Kind() registry.BackendKind { return c.kind }

func (c *Client) ListModels(ctx context.Context, ep upstream.Endpoint) error {
	c.ListModelsCalls.Add(1)
	if c.ListModelsFunc != nil {
		return c.ListModelsFunc(ctx, ep)
	}
	return nil
}

func (c *Client) Chat(ctx context.Context, ep upstream.Endpoint, req upstream.ChatRequest) (*upstream.ChatResponse, error) {
	c.ChatCalls.Add(1)
	if c.ChatFunc != nil {
		return c.ChatFunc(ctx, ep, req)
	}
	return &upstream.ChatResponse{ID: "mock-id", Model: req.Model, Content: "mock response"}, nil
}

// Embed implements upstream.Embedder. Every Client satisfies it so that
// test snapshots can freely route embedding aliases at a mock backend;
// tests exercising the "backend lacks Embedder" path route to a Client
// without Embed instead, such as the claude adapter that
// upstream.NewRegistry pre-registers.
func (c *Client) Embed(ctx context.Context, ep upstream.Endpoint, req upstream.EmbedRequest) (*upstream.EmbedResponse, error) {
	c.EmbedCalls.Add(1)
	if c.EmbedFunc != nil {
		return c.EmbedFunc(ctx, ep, req)
	}
	vecs := make([][]float32, len(req.Input))
	for i := range vecs {
		vecs[i] = []float32{0.1, 0.2, 0.3}
	}
	return &upstream.EmbedResponse{Model: req.Model, Embeddings: vecs}, nil
}

// Fail makes ChatFunc always return err.
func (c *Client) Fail(err error) {
	c.ChatFunc = func(context.Context, upstream.Endpoint, upstream.ChatRequest) (*upstream.ChatResponse, error) {
		return nil, err
	}
}

// FailEmbed makes EmbedFunc always return err.
func (c *Client) FailEmbed(err error) {
	c.EmbedFunc = func(context.Context, upstream.Endpoint, upstream.EmbedRequest) (*upstream.EmbedResponse, error) {
		return nil, err
	}
}

// Error is a minimal upstream.Client-compatible error carrying an HTTP status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string   { return e.Message }
func (e *Error) HTTPStatus() int { return e.Status }
