package proxy

import (
	"errors"

	"github.com/oakgate/ai-gateway/internal/auth"
	"github.com/oakgate/ai-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// writeAuthError maps an auth.Authenticator error to the matching entry in
// the API error taxonomy. Retry-After isn't relevant to auth failures, only
// to provider exhaustion, so every branch here writes a plain envelope.
func writeAuthError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingAuthorizationHeader):
		apierr.WriteMissingAuthorizationHeader(ctx)
	case errors.Is(err, auth.ErrInvalidCredentials):
		apierr.WriteInvalidCredentials(ctx)
	case errors.Is(err, auth.ErrRouterNotFound):
		apierr.WriteRouterNotFound(ctx)
	case errors.Is(err, auth.ErrProviderKeyNotFound):
		apierr.WriteProviderKeyNotFound(ctx)
	default:
		apierr.WriteInvalidCredentials(ctx)
	}
}

