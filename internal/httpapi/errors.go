package httpapi

import (
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/smartgate/internal/pipeline"
	"github.com/nulpointcorp/smartgate/internal/routestate"
	"github.com/nulpointcorp/smartgate/internal/selector"
	"github.com/nulpointcorp/smartgate/pkg/apierr"
)

// writeErr maps a chat-dispatch/route-selection failure onto the
// client-facing envelope apierr defines.
func writeErr(ctx *fasthttp.RequestCtx, alias string, err error) {
	var perr *pipeline.PipelineError
	if errors.As(err, &perr) {
		apierr.WriteKind(ctx, perr.Kind, perr.Message)
		return
	}

	switch {
	case errors.Is(err, pipeline.ErrBadRequest):
		apierr.Write(ctx, fasthttp.StatusBadRequest, routestate.ErrBadRequest, err.Error(), "")
	case errors.Is(err, selector.ErrNoAvailableBackends):
		apierr.WriteNoAvailableBackends(ctx, alias)
	case errors.Is(err, selector.ErrUnknownModel), errors.Is(err, selector.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, routestate.ErrModelError, err.Error(), alias)
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, routestate.ErrServerError, err.Error(), "")
	}
}
