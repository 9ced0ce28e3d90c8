// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeNotFoundError     = "not_found_error"
)

// Code constants.
const (
	CodeRateLimitExceeded         = "rate_limit_exceeded"
	CodeInvalidAPIKey             = "invalid_api_key"
	CodeInternalError             = "internal_error"
	CodeProviderError             = "provider_error"
	CodeRequestTimeout            = "request_timeout"
	CodeNotImplemented            = "not_implemented"
	CodeInvalidRequest            = "invalid_request"
	CodeMissingAuthorizationHeader = "missing_authorization_header"
	CodeInvalidCredentials        = "invalid_credentials"
	CodeRouterNotFound            = "router_not_found"
	CodeProviderKeyNotFound       = "provider_key_not_found"
	CodeNoHealthyProvider         = "no_healthy_provider"
	CodeAllProvidersRejected      = "all_providers_rejected_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts carry no provider status and are written by WriteTimeout (504).
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteMissingAuthorizationHeader writes a 401 for a request with no
// Authorization header at all.
func WriteMissingAuthorizationHeader(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "missing authorization header", TypeAuthenticationErr, CodeMissingAuthorizationHeader)
}

// WriteInvalidCredentials writes a 401 for a key that doesn't resolve, or
// resolves to the wrong organization for the requested router.
func WriteInvalidCredentials(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid credentials", TypeAuthenticationErr, CodeInvalidCredentials)
}

// WriteRouterNotFound writes a 404 for a /router/{id}/... path whose id does
// not match any configured router.
func WriteRouterNotFound(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusNotFound, "router not found", TypeNotFoundError, CodeRouterNotFound)
}

// WriteProviderKeyNotFound writes a 401 for a direct-proxy request naming a
// provider the gateway has no key configured for.
func WriteProviderKeyNotFound(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "no API key configured for provider", TypeAuthenticationErr, CodeProviderKeyNotFound)
}

// WriteNoHealthyProvider writes a 503 + Retry-After when a balancer pool has
// no provider in the Healthy state.
func WriteNoHealthyProvider(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	ctx.Response.Header.Set("Retry-After", itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusServiceUnavailable, "no healthy provider available", TypeProviderError, CodeNoHealthyProvider)
}

// WriteAllProvidersRejected writes a 502 when every candidate in a failover
// chain returned a non-retryable or exhausted error.
func WriteAllProvidersRejected(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadGateway, "all providers rejected the request", TypeProviderError, CodeAllProvidersRejected)
}

func itoa(n int) string {
	if n <= 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
