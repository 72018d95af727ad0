package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/smartgate/internal/pipeline"
	"github.com/nulpointcorp/smartgate/internal/reqlog"
	"github.com/nulpointcorp/smartgate/internal/routestate"
	"github.com/nulpointcorp/smartgate/internal/upstream"
	"github.com/nulpointcorp/smartgate/pkg/apierr"
)

// inboundChatRequest is the wire shape of POST /v1/chat/completions.
type inboundChatRequest struct {
	Model       string             `json:"model"`
	Messages    []upstream.Message `json:"messages"`
	Stream      bool               `json:"stream"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
	Backend     string             `json:"backend,omitempty"`
}

func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
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
		if err != nil {
			s.log.WarnContext(ctx, "user_rate_limit_check_failed", slog.String("user", user.ID), slog.Any("error", err))
		}
		if err == nil && !allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimit("blocked")
			}
			apierr.Write(ctx, fasthttp.StatusTooManyRequests, routestate.ErrRateLimit, "rate limit exceeded", "")
			return
		}
	}

	var body inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, routestate.ErrBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()), "")
		return
	}

	req := toPipelineRequest(body)
	tags := userTags(user)
	alias := body.Model

	if body.Stream {
		s.dispatchStream(ctx, req, alias, tags, start, reqBytes)
		return
	}
	s.dispatchChat(ctx, req, alias, tags, start, reqBytes)
}

func toPipelineRequest(body inboundChatRequest) pipeline.ChatRequest {
	return pipeline.ChatRequest{
		Model:       body.Model,
		Messages:    body.Messages,
		Stream:      body.Stream,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
		Backend:     body.Backend,
	}
}

func (s *Server) dispatchChat(ctx *fasthttp.RequestCtx, req pipeline.ChatRequest, alias string, tags []string, start time.Time, reqBytes int) {
	reqID := requestUUID(ctx)

	result, err := s.pipe.HandleChat(ctx, req, tags)
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
		s.metrics.ObserveHTTP("chat_completions", status, dur, reqBytes, respBytes)
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

func (s *Server) dispatchStream(ctx *fasthttp.RequestCtx, req pipeline.ChatRequest, alias string, tags []string, start time.Time, reqBytes int) {
	reqID := requestUUID(ctx)

	frames, err := s.pipe.HandleChatStream(ctx, req, tags)
	if err != nil {
		writeErr(ctx, alias, err)
		if s.metrics != nil {
			s.metrics.ObserveHTTP("chat_completions", ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
		}
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }()

		for frame := range frames {
			if frame.Data != nil {
				w.Write(frame.Data)
				w.Flush()
			}
			if frame.Done {
				break
			}
		}

		if s.metrics != nil {
			s.metrics.ObserveHTTP("chat_completions", fasthttp.StatusOK, time.Since(start), reqBytes, -1)
		}
		if s.reqLog != nil {
			s.reqLog.Log(reqlog.RequestLog{
				ID:        reqID,
				Alias:     alias,
				LatencyMs: clampUint16(time.Since(start).Milliseconds()),
				Status:    uint16(fasthttp.StatusOK),
				CreatedAt: time.Now(),
			})
		}
	})
}

func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	snap := s.configs.Load()
	out := make([]map[string]any, 0, len(snap.Aliases))
	for name, alias := range snap.Aliases {
		if !alias.Enabled {
			continue
		}
		out = append(out, map[string]any{
			"id":       name,
			"object":   "model",
			"strategy": string(alias.Strategy),
		})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": out})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok"})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	unhealthy := s.state.UnhealthyList()
	snap := s.configs.Load()
	total := 0
	for _, a := range snap.Aliases {
		total += len(a.EnabledBackends())
	}
	if total > 0 && len(unhealthy) >= total {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminRoutes(ctx *fasthttp.RequestCtx) {
	snaps := s.state.AllSnapshots()
	out := make([]map[string]any, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, map[string]any{
			"key":     sn.Key,
			"healthy": sn.Health.Healthy,
			"total":   sn.Health.TotalRequests,
			"success": sn.Health.SuccessfulRequests,
			"failed":  sn.Health.FailedRequests,
			"latency_ema_ms": sn.Health.LatencyEMAms,
		})
	}
	writeJSON(ctx, map[string]any{"routes": out})
}

func (s *Server) handleAdminSmartAI(ctx *fasthttp.RequestCtx) {
	snaps := s.state.AllSnapshots()
	out := make([]map[string]any, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, map[string]any{
			"key":        sn.Key,
			"confidence": s.state.SmartAiGetConfidence(sn.Key),
			"stage":      sn.Smart.WeightRecoveryStage,
		})
	}
	writeJSON(ctx, map[string]any{"smart_ai": out})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// requestUUID parses the request_id middleware stamped onto the context
// (a UUID v4 string) back into a uuid.UUID for the request log entry,
// generating a fresh one on the rare parse failure.
func requestUUID(ctx *fasthttp.RequestCtx) uuid.UUID {
	if raw, ok := ctx.UserValue("request_id").(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			return id
		}
	}
	return uuid.New()
}

func clampUint16(ms int64) uint16 {
	if ms < 0 {
		return 0
	}
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}
