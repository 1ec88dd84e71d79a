package middleware

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/keyfront/keyfront/internal/config"
)

// corsPolicy answers browser cross-origin requests for the whole pipeline.
// Preflights are recognized after route resolution and bypass ingress auth;
// every other response gets origin-matched headers injected just before the
// status line is written.
type corsPolicy struct {
	allowOrigins []string
	allowMethods []string
	allowHeaders []string

	// exposeHeaders is precomputed: configured names trimmed, empties
	// dropped, joined for the Access-Control-Expose-Headers value.
	exposeHeaders string
}

func newCORSPolicy(cfg *config.CORSConfig) *corsPolicy {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	expose := make([]string, 0, len(cfg.ExposeHeaders))
	for _, name := range cfg.ExposeHeaders {
		if name = strings.TrimSpace(name); name != "" {
			expose = append(expose, name)
		}
	}

	return &corsPolicy{
		allowOrigins:  cfg.AllowOrigins,
		allowMethods:  cfg.AllowMethods,
		allowHeaders:  cfg.AllowHeaders,
		exposeHeaders: strings.Join(expose, ", "),
	}
}

// isCORSPreflight reports whether the request is a browser preflight. The
// check is on header presence, so an empty Origin still routes the request
// through the preflight path (where it is then rejected).
func isCORSPreflight(r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	_, hasOrigin := r.Header["Origin"]
	_, hasMethod := r.Header["Access-Control-Request-Method"]
	return hasOrigin && hasMethod
}

// resolveAllowOrigin matches the request origin against the allow-list and
// returns the Access-Control-Allow-Origin value to send. A "*" entry
// matches everything; a full origin entry matches case-insensitively; an
// entry without "://" matches the origin's host[:port] under any scheme.
func (p *corsPolicy) resolveAllowOrigin(requestOrigin string) (string, bool) {
	requestOrigin = strings.TrimSpace(requestOrigin)
	if requestOrigin == "" {
		return "", false
	}

	for _, allowed := range p.allowOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" {
			return "*", true
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin, true
		}
		if !strings.Contains(allowed, "://") {
			if host, ok := originHostPort(requestOrigin); ok && strings.EqualFold(allowed, host) {
				return requestOrigin, true
			}
		}
	}
	return "", false
}

// decorate injects the origin-matched CORS headers into a non-preflight
// response. No-op when the origin is absent or not allowed.
func (p *corsPolicy) decorate(h http.Header, requestOrigin string) {
	allowOrigin, ok := p.resolveAllowOrigin(requestOrigin)
	if !ok {
		return
	}
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	h.Set("Vary", "Origin")
	if p.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", p.exposeHeaders)
	}
}

// writePreflight answers an allowed preflight with 204 and the full
// negotiation headers.
func (p *corsPolicy) writePreflight(w http.ResponseWriter, allowOrigin string, reqHeaders http.Header) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	h.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	if methods := p.allowMethodsFor(reqHeaders); methods != "" {
		h.Set("Access-Control-Allow-Methods", methods)
	}
	if headers := p.allowHeadersFor(reqHeaders); headers != "" {
		h.Set("Access-Control-Allow-Headers", headers)
	}
	w.WriteHeader(http.StatusNoContent)
}

// allowMethodsFor returns the configured methods uppercased, with the
// preflight's requested method appended when not already listed.
func (p *corsPolicy) allowMethodsFor(reqHeaders http.Header) string {
	methods := make([]string, 0, len(p.allowMethods)+1)
	for _, m := range p.allowMethods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}
	requested := strings.ToUpper(strings.TrimSpace(reqHeaders.Get("Access-Control-Request-Method")))
	if requested != "" && !slices.Contains(methods, requested) {
		methods = append(methods, requested)
	}
	return strings.Join(methods, ", ")
}

// allowHeadersFor returns the configured header names lowercased, merged
// with the names the preflight asks for.
func (p *corsPolicy) allowHeadersFor(reqHeaders http.Header) string {
	headers := make([]string, 0, len(p.allowHeaders))
	for _, name := range p.allowHeaders {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			headers = append(headers, name)
		}
	}
	for _, name := range strings.Split(reqHeaders.Get("Access-Control-Request-Headers"), ",") {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" && !slices.Contains(headers, name) {
			headers = append(headers, name)
		}
	}
	return strings.Join(headers, ", ")
}

// originHostPort extracts host[:port] from an origin value. Scheme-default
// ports are dropped so "https://app.example.com:443" matches an
// "app.example.com" allow-list entry.
func originHostPort(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	port := u.Port()
	if port == "" || isDefaultPort(u.Scheme, port) {
		return u.Hostname(), true
	}
	return net.JoinHostPort(u.Hostname(), port), true
}

func isDefaultPort(scheme, port string) bool {
	switch strings.ToLower(scheme) {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	}
	return false
}
