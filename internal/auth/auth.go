// Package auth validates ingress credentials against the configured
// allow-list. Every proxied request is checked before rate limiting and
// forwarding.
//
// Extraction walks the configured token sources in order and stops at the
// first source that yields a non-empty credential; later sources are never
// consulted, even if the first credential fails validation. Comparison
// against the allow-list is constant-time so response timing does not leak
// token prefixes.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"unicode"

	"github.com/keyfront/keyfront/internal/config"
)

// Validator checks inbound requests against the gateway token allow-list.
// It is immutable after construction and safe for concurrent use.
type Validator struct {
	tokens  [][]byte
	sources []config.TokenSourceConfig
}

// NewValidator creates a Validator from the gateway_auth configuration.
func NewValidator(cfg config.GatewayAuthConfig) *Validator {
	tokens := make([][]byte, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, []byte(t.Value()))
	}
	return &Validator{
		tokens:  tokens,
		sources: cfg.TokenSources,
	}
}

// Authenticate extracts the ingress credential from r and validates it
// against the allow-list. On success it returns the accepted token, which
// callers use as the rate-limit key and (redacted) metrics label. The
// token must never be logged.
func (v *Validator) Authenticate(r *http.Request) (string, bool) {
	token, ok := v.ExtractToken(r)
	if !ok {
		return "", false
	}
	if !v.allowed(token) {
		return "", false
	}
	return token, true
}

// ExtractToken returns the first non-empty credential produced by the
// configured source order.
func (v *Validator) ExtractToken(r *http.Request) (string, bool) {
	for _, src := range v.sources {
		switch src.Type {
		case config.TokenSourceAuthorizationBearer:
			if token, ok := ParseBearer(r.Header.Get("Authorization")); ok {
				return token, true
			}
		case config.TokenSourceHeader:
			if value := strings.TrimSpace(r.Header.Get(src.Name)); value != "" {
				return value, true
			}
		}
	}
	return "", false
}

func (v *Validator) allowed(token string) bool {
	candidate := []byte(token)
	for _, want := range v.tokens {
		if subtle.ConstantTimeCompare(candidate, want) == 1 {
			return true
		}
	}
	return false
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// value. The scheme is matched case-insensitively and must be followed by
// whitespace and a non-empty token.
func ParseBearer(value string) (string, bool) {
	value = strings.TrimSpace(value)
	i := strings.IndexFunc(value, unicode.IsSpace)
	if i < 0 {
		return "", false
	}
	if !strings.EqualFold(value[:i], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(value[i:])
	return token, token != ""
}
