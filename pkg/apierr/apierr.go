// Package apierr provides the structured error envelope the gateway
// returns to clients, plus the ErrorKind -> HTTP status mapping. The
// envelope carries a numeric `code` field alongside a 7-way ErrorKind
// taxonomy (network, timeout, auth, rate_limit, server_error,
// model_error, bad_request).
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/smartgate/internal/routestate"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Code    int    `json:"code"`
		Details string `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// egressStatus is the ErrorKind -> HTTP status table. Auth has two
// possible statuses depending on whose key is at fault; the
// default here (401) is for "client token" failures — callers that know
// the upstream key was the culprit should use WriteUpstreamAuthFailure (500).
var egressStatus = map[routestate.ErrorKind]int{
	routestate.ErrNetwork:     fasthttp.StatusServiceUnavailable,
	routestate.ErrTimeout:     fasthttp.StatusGatewayTimeout,
	routestate.ErrAuth:        fasthttp.StatusUnauthorized,
	routestate.ErrRateLimit:   fasthttp.StatusTooManyRequests,
	routestate.ErrServerError: fasthttp.StatusBadGateway,
	routestate.ErrModelError:  fasthttp.StatusNotFound,
	routestate.ErrBadRequest:  fasthttp.StatusBadRequest,
}

// StatusFor returns the HTTP egress status for an ErrorKind.
func StatusFor(kind routestate.ErrorKind) int {
	if s, ok := egressStatus[kind]; ok {
		return s
	}
	return fasthttp.StatusBadGateway
}

// Retryable reports whether the pipeline should ask the selector for a
// new route on this kind of failure.
func Retryable(kind routestate.ErrorKind) bool {
	switch kind {
	case routestate.ErrNetwork, routestate.ErrTimeout, routestate.ErrRateLimit, routestate.ErrServerError:
		return true
	default:
		return false
	}
}

// Write writes the envelope as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, kind routestate.ErrorKind, message, details string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Type:    string(kind),
		Message: message,
		Code:    status,
		Details: details,
	}})
	ctx.SetBody(body)
}

// WriteKind writes the envelope using the default HTTP status for kind.
func WriteKind(ctx *fasthttp.RequestCtx, kind routestate.ErrorKind, message string) {
	Write(ctx, StatusFor(kind), kind, message, "")
}

// WriteUpstreamAuthFailure writes an Auth failure whose 500 status
// indicates the gateway's own upstream key — not the caller's token —
// was rejected.
func WriteUpstreamAuthFailure(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, routestate.ErrAuth, message, "upstream credential rejected")
}

// WriteNoAvailableBackends writes the 503 surfaced when the selector
// finds no eligible backend for an alias.
func WriteNoAvailableBackends(ctx *fasthttp.RequestCtx, alias string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, routestate.ErrNetwork, "no available backends for model", alias)
}
