package httpapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/smartgate/internal/pipeline"
	"github.com/nulpointcorp/smartgate/internal/reqlog"
	"github.com/nulpointcorp/smartgate/internal/routestate"
	"github.com/nulpointcorp/smartgate/pkg/apierr"
)

// inboundEmbeddingRequest is the wire shape of POST /v1/embeddings. Input
// accepts either a single string or an array of strings, matching the
// OpenAI embeddings request body.
type inboundEmbeddingRequest struct {
	Model   string   `json:"model"`
	Input   []string `json:"-"`
	Backend string   `json:"backend,omitempty"`
}

func (r *inboundEmbeddingRequest) UnmarshalJSON(data []byte) error {
	var wire struct {
		Model   string          `json:"model"`
		Input   json.RawMessage `json:"input"`
		Backend string          `json:"backend,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.Model = wire.Model
	r.Backend = wire.Backend

	input, err := parseEmbeddingInput(wire.Input)
	if err != nil {
		return err
	}
	r.Input = input
	return nil
}

// parseEmbeddingInput accepts the "input" field as either a bare string
// or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("input must be a string or an array of strings: %w", err)
	}
	return many, nil
}

func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer s.metrics.DecInFlight()
	}

	snap := s.configs.Load()
	user, ok := authenticate(ctx, snap)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusUnauthorized, routestate.ErrAuth, "invalid or missing API key", "")
		return
	}

	if user != nil && s.userLimiter != nil {
		allowed, err := s.userLimiter.Allow(ctx, user.ID, user.RateLimit)
		if err == nil && !allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimit("blocked")
			}
			apierr.Write(ctx, fasthttp.StatusTooManyRequests, routestate.ErrRateLimit, "rate limit exceeded", "")
			return
		}
	}

	var body inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, routestate.ErrBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()), "")
		return
	}

	req := pipeline.EmbedRequest{Model: body.Model, Input: body.Input, Backend: body.Backend}
	alias := body.Model
	reqID := requestUUID(ctx)

	result, err := s.pipe.HandleEmbeddings(ctx, req, userTags(user))
	status := fasthttp.StatusOK
	if err != nil {
		writeErr(ctx, alias, err)
		status = ctx.Response.StatusCode()
	} else {
		ctx.SetContentType("application/json")
		ctx.SetBody(result.Body)
	}

	dur := time.Since(start)
	respBytes := len(ctx.Response.Body())
	if s.metrics != nil {
		s.metrics.ObserveHTTP("embeddings", status, dur, reqBytes, respBytes)
	}
	if s.reqLog != nil {
		s.reqLog.Log(reqlog.RequestLog{
			ID:        reqID,
			Alias:     alias,
			LatencyMs: clampUint16(dur.Milliseconds()),
			Status:    uint16(status),
			CreatedAt: time.Now(),
		})
	}
}
