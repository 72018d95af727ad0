package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/smartgate/internal/registry"
)

// geminiClient wraps the official google.golang.org/genai SDK, building a
// short-lived *genai.Client per call keyed by Endpoint so every call can
// carry its own base URL and credentials.
type geminiClient struct{}

// NewGeminiClient constructs the registry entry for registry.KindGemini.
func NewGeminiClient() Client { return &geminiClient{} }

func (c *geminiClient) Kind() registry.BackendKind { return registry.KindGemini }

func (c *geminiClient) sdkClient(ctx context.Context, ep Endpoint) (*genai.Client, error) {
	base, ver := splitBaseURLAndVersion(ep.BaseURL)
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      ep.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  newPooledHTTPClient(),
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
}

func (c *geminiClient) ListModels(ctx context.Context, ep Endpoint) error {
	client, err := c.sdkClient(ctx, ep)
	if err != nil {
		return err
	}
	_, err = client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return toGeminiError(err)
	}
	return nil
}

func (c *geminiClient) Chat(ctx context.Context, ep Endpoint, req ChatRequest) (*ChatResponse, error) {
	client, err := c.sdkClient(ctx, ep)
	if err != nil {
		return nil, err
	}
	contents, cfg := buildGeminiContents(req)

	if req.Stream {
		return c.handleStreaming(ctx, client, req.Model, contents, cfg)
	}
	return c.handleResponse(ctx, client, req.Model, contents, cfg)
}

// buildGeminiContents performs the OpenAIChat -> Gemini native
// translation: assistant -> model role, system moved to
// systemInstruction, and consecutive same-role turns coalesced into a
// single Content (Gemini treats a role change as the turn boundary).
func buildGeminiContents(req ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			appendGeminiTurn(&contents, genai.RoleModel, m.Content)
		default:
			appendGeminiTurn(&contents, genai.RoleUser, m.Content)
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}
	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

// appendGeminiTurn appends text as a new Part of the last Content when it
// shares the given role, and starts a new Content otherwise.
func appendGeminiTurn(contents *[]*genai.Content, role genai.Role, text string) {
	if n := len(*contents); n > 0 && (*contents)[n-1].Role == role {
		last := (*contents)[n-1]
		last.Parts = append(last.Parts, &genai.Part{Text: text})
		return
	}
	*contents = append(*contents, genai.NewContentFromText(text, role))
}

func (c *geminiClient) handleResponse(ctx context.Context, client *genai.Client, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*ChatResponse, error) {
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toGeminiError(err)
	}

	id := ""
	out := ""
	var inTok, outTok int
	if resp != nil {
		id = resp.ResponseID
		out = resp.Text()
		if resp.UsageMetadata != nil {
			inTok = int(resp.UsageMetadata.PromptTokenCount)
			outTok = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}

	return &ChatResponse{
		ID:      id,
		Model:   model,
		Content: out,
		Usage:   Usage{InputTokens: inTok, OutputTokens: outTok},
	}, nil
}

// handleStreaming reverse-translates Gemini's SSE of JSON chunks
// (candidates[].content.parts[].text) into OpenAI chunk deltas.
func (c *geminiClient) handleStreaming(ctx context.Context, client *genai.Client, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*ChatResponse, error) {
	ch := make(chan StreamChunk, 64)

	go func() {
		defer close(ch)
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- StreamChunk{Err: toGeminiError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			cand := resp.Candidates[0]
			text := geminiCandidateText(cand)
			finish := ""
			if cand.FinishReason != "" {
				finish = string(cand.FinishReason)
			}
			if text != "" || finish != "" {
				ch <- StreamChunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return &ChatResponse{Stream: ch}, nil
}

// Embed implements Embedder. The genai SDK's EmbedContent call takes one
// content batch per call; each input string is embedded with its own
// call rather than relying on an unconfirmed multi-content batching
// contract.
func (c *geminiClient) Embed(ctx context.Context, ep Endpoint, req EmbedRequest) (*EmbedResponse, error) {
	client, err := c.sdkClient(ctx, ep)
	if err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(req.Input))
	for i, text := range req.Input {
		content := genai.NewContentFromText(text, genai.RoleUser)
		resp, err := client.Models.EmbedContent(ctx, req.Model, []*genai.Content{content}, nil)
		if err != nil {
			return nil, toGeminiError(err)
		}
		if resp == nil || len(resp.Embeddings) == 0 {
			continue
		}
		vecs[i] = resp.Embeddings[0].Values
	}

	return &EmbedResponse{Model: req.Model, Embeddings: vecs}, nil
}

func geminiCandidateText(cand *genai.Candidate) string {
	if cand == nil || cand.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	if raw == "" {
		return "", ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}
	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

type geminiError struct {
	statusCode int
	message    string
}

func (e *geminiError) Error() string   { return fmt.Sprintf("gemini: %s (status=%d)", e.message, e.statusCode) }
func (e *geminiError) HTTPStatus() int { return e.statusCode }

func toGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &geminiError{statusCode: apiErr.Code, message: apiErr.Message}
	}
	return err
}
