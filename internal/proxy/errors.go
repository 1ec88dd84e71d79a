package proxy

import (
	"fmt"
	"net/http"
)

// ErrorCode identifies a gateway-produced failure. Codes are stable wire
// values: clients match on them, so they never change spelling.
type ErrorCode string

const (
	ErrorRouteNotFound         ErrorCode = "route_not_found"
	ErrorUnauthorized          ErrorCode = "unauthorized"
	ErrorCORSOriginNotAllowed  ErrorCode = "cors_origin_not_allowed"
	ErrorRateLimited           ErrorCode = "rate_limited"
	ErrorDownstreamConcurrency ErrorCode = "downstream_concurrency_exceeded"
	ErrorUpstreamConcurrency   ErrorCode = "upstream_concurrency_exceeded"
	ErrorInvalidUpstreamPath   ErrorCode = "invalid_upstream_path"
	ErrorUpstreamConnect       ErrorCode = "upstream_connect_error"
	ErrorUpstreamRequest       ErrorCode = "upstream_request_error"
	ErrorUpstreamTimeout       ErrorCode = "upstream_timeout"
)

// Status returns the HTTP status the code is served with.
func (c ErrorCode) Status() int {
	switch c {
	case ErrorRouteNotFound:
		return http.StatusNotFound
	case ErrorUnauthorized:
		return http.StatusUnauthorized
	case ErrorCORSOriginNotAllowed:
		return http.StatusForbidden
	case ErrorRateLimited:
		return http.StatusTooManyRequests
	case ErrorDownstreamConcurrency, ErrorUpstreamConcurrency:
		return http.StatusServiceUnavailable
	case ErrorInvalidUpstreamPath:
		return http.StatusBadRequest
	case ErrorUpstreamConnect, ErrorUpstreamRequest:
		return http.StatusBadGateway
	case ErrorUpstreamTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// WriteError emits the fixed JSON error body for code. The body never
// carries details from the failed exchange: no secrets, no tokens, no
// upstream error text.
func WriteError(w http.ResponseWriter, code ErrorCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.Status())
	fmt.Fprintf(w, `{"error":%q}`, string(code))
}
