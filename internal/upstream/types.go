// Package upstream is the Upstream Client Registry: for each backend
// kind (openai, claude, gemini) it supplies two operations, ListModels
// (a cheap probe) and Chat (a streaming-capable request with schema
// translation), plus a synchronous Kind accessor. Concrete
// implementations wrap the official vendor SDKs directly; every call
// carries its own Endpoint (base_url, api_key, headers) instead of being
// bound to one provider-wide client instance, because here a "provider"
// is just config, and many backends under different providers can share
// a BackendKind.
package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/nulpointcorp/smartgate/internal/registry"
)

// Endpoint carries everything a Client needs to reach one concrete
// provider: its base URL, API key, and any custom headers.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
}

// Message is a single chat turn, in the OpenAI chat-completions schema —
// the schema every adapter translates to/from its native wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the normalized request the pipeline builds once and
// hands to whichever Client the selected route names.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Stream      bool
	Temperature float64
	MaxTokens   int
}

// StreamChunk is one delta emitted during a streaming Chat call, already
// translated back into OpenAI chat-completion-chunk shape.
type StreamChunk struct {
	Content      string
	FinishReason string
	Err          error
}

// Usage mirrors OpenAI's usage object.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is the normalized response. Stream is non-nil only when
// the request asked for streaming; callers must drain it to completion.
type ChatResponse struct {
	ID      string
	Model   string
	Content string
	Usage   Usage
	Stream  <-chan StreamChunk
}

// Client is the capability set every backend kind must implement.
type Client interface {
	Kind() registry.BackendKind
	ListModels(ctx context.Context, ep Endpoint) error
	Chat(ctx context.Context, ep Endpoint, req ChatRequest) (*ChatResponse, error)
}

// EmbedRequest is the normalized embeddings request: a provider-native
// model name and a batch of input strings to embed, in order.
type EmbedRequest struct {
	Model string
	Input []string
}

// EmbedResponse is the normalized embeddings response, one vector per
// EmbedRequest.Input entry, in the same order.
type EmbedResponse struct {
	Model      string
	Embeddings [][]float32
	Usage      Usage
}

// Embedder is an optional capability a Client may additionally
// implement: not every backend kind's wire protocol exposes a vector-
// embeddings endpoint, so callers type-assert a Client to Embedder
// before using it rather than finding it on Client itself.
type Embedder interface {
	Embed(ctx context.Context, ep Endpoint, req EmbedRequest) (*EmbedResponse, error)
}

// UpstreamError is returned by the openai adapter for any non-2xx/
// non-transport failure; the claude and gemini adapters return their own
// error types with the same HTTPStatus method. It carries enough to
// classify into an ErrorKind (see internal/health's classifyByStatus and
// pkg/apierr).
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string { return e.Message }
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// DefaultTimeout is the default per-request upstream timeout.
const DefaultTimeout = 30 * time.Second

// newTransport returns an http.Transport tuned with an idle connection
// pool and TCP keep-alive, shared by every upstream client so repeated
// calls to the same backend reuse connections instead of reconnecting.
func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 20
	t.IdleConnTimeout = 30 * time.Second
	t.DialContext = (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	return t
}

// newPooledHTTPClient returns an http.Client wired to newTransport,
// bounded by DefaultTimeout.
func newPooledHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout, Transport: newTransport()}
}
