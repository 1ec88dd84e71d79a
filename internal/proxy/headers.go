package proxy

import (
	"net/http"
	"strings"

	"github.com/keyfront/keyfront/internal/config"
)

// hopByHopHeaders are connection-scoped (RFC 9110 §7.6.1) and stripped in
// both directions.
var hopByHopHeaders = [...]string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardedIPHeaders reveal the caller's network position. They are dropped
// unless the route opts in with forward_xff.
var forwardedIPHeaders = [...]string{
	"X-Forwarded-For",
	"Forwarded",
	"Cf-Connecting-Ip",
	"True-Client-Ip",
	"X-Real-Ip",
}

// PrepareUpstreamHeaders builds the header set for the upstream-bound
// request from the inbound headers: hop-by-hop headers, the route's
// remove_headers, and (unless forward_xff) client-IP headers are dropped,
// then inject_headers are applied in order. An injected header replaces
// every same-named inbound value and is written with its configured
// spelling. Host is never copied; the transport derives it from the
// upstream URL.
func PrepareUpstreamHeaders(inbound http.Header, upstream *config.UpstreamConfig) http.Header {
	outbound := inbound.Clone()
	if outbound == nil {
		outbound = make(http.Header)
	}

	for _, name := range hopByHopHeaders {
		deleteHeaderFold(outbound, name)
	}
	for _, name := range upstream.RemoveHeaders {
		deleteHeaderFold(outbound, name)
	}
	if !upstream.ForwardXFF {
		for _, name := range forwardedIPHeaders {
			deleteHeaderFold(outbound, name)
		}
	}

	for _, h := range upstream.InjectHeaders {
		deleteHeaderFold(outbound, h.Name)
		outbound[h.Name] = []string{h.Value.Value()}
	}

	deleteHeaderFold(outbound, "Host")
	return outbound
}

// SanitizeResponseHeaders returns a copy of the upstream response headers
// with hop-by-hop headers removed. Everything else is relayed verbatim.
func SanitizeResponseHeaders(upstream http.Header) http.Header {
	headers := upstream.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	for _, name := range hopByHopHeaders {
		deleteHeaderFold(headers, name)
	}
	return headers
}

// deleteHeaderFold removes every value of the header regardless of the key
// spelling in the map. Injected headers keep their configured case, so keys
// are not guaranteed to be in canonical form.
func deleteHeaderFold(h http.Header, name string) {
	for key := range h {
		if strings.EqualFold(key, name) {
			delete(h, key)
		}
	}
}

// IsSSEContentType reports whether a Content-Type value declares an SSE
// stream: the media type before any parameters equals text/event-stream,
// case-insensitively.
func IsSSEContentType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "text/event-stream")
}
