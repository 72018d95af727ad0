package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/smartgate/internal/registry"
)

const claudeDefaultMaxTokens = 4096

// claudeClient wraps the official anthropic-sdk-go, flattening
// system/developer messages into Claude's top-level `system` field.
type claudeClient struct{}

// NewClaudeClient constructs the registry entry for registry.KindClaude.
func NewClaudeClient() Client { return &claudeClient{} }

func (c *claudeClient) Kind() registry.BackendKind { return registry.KindClaude }

func (c *claudeClient) sdkClient(ep Endpoint) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(ep.APIKey),
		option.WithHTTPClient(newPooledHTTPClient()),
	}
	if ep.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(ep.BaseURL))
	}
	for k, v := range ep.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return anthropic.NewClient(opts...)
}

func (c *claudeClient) ListModels(ctx context.Context, ep Endpoint) error {
	client := c.sdkClient(ep)
	_, err := client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return toClaudeError(err)
	}
	return nil
}

func (c *claudeClient) Chat(ctx context.Context, ep Endpoint, req ChatRequest) (*ChatResponse, error) {
	client := c.sdkClient(ep)
	params := buildClaudeParams(req)

	if req.Stream {
		return c.handleStreaming(ctx, client, params)
	}
	return c.handleResponse(ctx, client, params)
}

// buildClaudeParams performs the OpenAIChat -> Claude native translation:
// system/developer roles flatten into a top-level `system` array;
// everything else becomes a Claude MessageParam.
func buildClaudeParams(req ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toClaudeMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = claudeDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func toClaudeMessage(role, content string) anthropic.MessageParam {
	r := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		r = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role:    r,
		Content: []anthropic.ContentBlockParamUnion{{OfText: &anthropic.TextBlockParam{Text: content}}},
	}
}

func (c *claudeClient) handleResponse(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams) (*ChatResponse, error) {
	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, toClaudeError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &ChatResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// handleStreaming reverse-translates Claude's event-typed SSE
// (content_block_delta.delta.text) into OpenAI chunk deltas.
func (c *claudeClient) handleStreaming(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams) (*ChatResponse, error) {
	ch := make(chan StreamChunk, 64)
	stream := client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		for stream.Next() {
			ev := stream.Current()
			switch variant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if td, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
					ch <- StreamChunk{Content: td.Text}
				}
			case anthropic.MessageDeltaEvent:
				if variant.Delta.StopReason != "" {
					ch <- StreamChunk{FinishReason: mapClaudeStopReason(string(variant.Delta.StopReason))}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Err: toClaudeError(err)}
		}
	}()

	return &ChatResponse{Stream: ch}, nil
}

// mapClaudeStopReason maps Claude's stop_reason onto OpenAI's
// finish_reason vocabulary.
func mapClaudeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

type claudeError struct {
	statusCode int
	message    string
}

func (e *claudeError) Error() string   { return fmt.Sprintf("claude: %s (status=%d)", e.message, e.statusCode) }
func (e *claudeError) HTTPStatus() int { return e.statusCode }

func toClaudeError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &claudeError{statusCode: apierr.StatusCode, message: apierr.Error()}
	}
	return err
}
