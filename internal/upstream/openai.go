package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/smartgate/internal/registry"
)

// openaiClient wraps the official openai-go/v3 SDK. It also serves every
// "openai-compatible" backend (xAI, Groq, DeepSeek, self-hosted, Azure-as-
// openai, ...): any Endpoint whose BaseURL differs from the real OpenAI
// API is reached via baseURLTransport.
type openaiClient struct{}

// NewOpenAIClient constructs the registry entry for registry.KindOpenAI.
func NewOpenAIClient() Client { return &openaiClient{} }

func (c *openaiClient) Kind() registry.BackendKind { return registry.KindOpenAI }

func (c *openaiClient) sdkClient(ep Endpoint) openaiSDK.Client {
	hc := newPooledHTTPClient()
	if ep.BaseURL != "" {
		hc.Transport = newBaseURLTransport(newTransport(), ep.BaseURL, ep.Headers)
	}
	return openaiSDK.NewClient(
		option.WithAPIKey(ep.APIKey),
		option.WithHTTPClient(hc),
	)
}

func (c *openaiClient) ListModels(ctx context.Context, ep Endpoint) error {
	client := c.sdkClient(ep)
	_, err := client.Models.List(ctx)
	if err != nil {
		return toOpenAIError(err)
	}
	return nil
}

func (c *openaiClient) Chat(ctx context.Context, ep Endpoint, req ChatRequest) (*ChatResponse, error) {
	client := c.sdkClient(ep)

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}
	params := openaiSDK.ChatCompletionNewParams{Messages: msgs, Model: req.Model}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	if req.Stream {
		return c.handleStreaming(ctx, client, params)
	}
	return c.handleResponse(ctx, client, params)
}

func (c *openaiClient) handleResponse(ctx context.Context, client openaiSDK.Client, params openaiSDK.ChatCompletionNewParams) (*ChatResponse, error) {
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toOpenAIError(err)
	}
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return &ChatResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (c *openaiClient) handleStreaming(ctx context.Context, client openaiSDK.Client, params openaiSDK.ChatCompletionNewParams) (*ChatResponse, error) {
	ch := make(chan StreamChunk, 64)
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			cc := chunk.Choices[0]
			if cc.Delta.Content != "" || cc.FinishReason != "" {
				ch <- StreamChunk{Content: cc.Delta.Content, FinishReason: cc.FinishReason}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Err: toOpenAIError(err)}
		}
	}()

	return &ChatResponse{Stream: ch}, nil
}

// Embed implements Embedder for the openai-compatible wire protocol.
func (c *openaiClient) Embed(ctx context.Context, ep Endpoint, req EmbedRequest) (*EmbedResponse, error) {
	client := c.sdkClient(ep)
	params := openaiSDK.EmbeddingNewParams{
		Model: req.Model,
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	}
	resp, err := client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, toOpenAIError(err)
	}

	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vecs[i] = vec
	}

	return &EmbedResponse{
		Model:      resp.Model,
		Embeddings: vecs,
		Usage:      Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func toOpenAIError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return err
}

type baseURLTransport struct {
	base    *url.URL
	headers map[string]string
	rt      http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string, headers map[string]string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, headers: headers, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL
	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}
	r2.URL = &u2

	for k, v := range t.headers {
		r2.Header.Set(k, v)
	}

	return t.rt.RoundTrip(r2)
}
