package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/keyfront/internal/config"
)

func testCORSConfig() *config.CORSConfig {
	return &config.CORSConfig{
		Enabled:       true,
		AllowOrigins:  []string{"https://app.example.com", "dash.example.com"},
		AllowMethods:  []string{"get", "post"},
		AllowHeaders:  []string{"Content-Type", "X-Api-Key"},
		ExposeHeaders: []string{"X-Request-Id"},
	}
}

func TestNewCORSPolicy(t *testing.T) {
	assert.Nil(t, newCORSPolicy(nil))
	assert.Nil(t, newCORSPolicy(&config.CORSConfig{Enabled: false, AllowOrigins: []string{"*"}}))
	assert.NotNil(t, newCORSPolicy(testCORSConfig()))
}

func TestResolveAllowOrigin(t *testing.T) {
	tests := []struct {
		name         string
		allowOrigins []string
		origin       string
		want         string
		wantOK       bool
	}{
		{"wildcard matches anything", []string{"*"}, "https://anything.example", "*", true},
		{"full origin echoes the request value", []string{"https://app.example.com"}, "https://app.example.com", "https://app.example.com", true},
		{"full origin match is case-insensitive", []string{"https://app.example.com"}, "HTTPS://APP.EXAMPLE.COM", "HTTPS://APP.EXAMPLE.COM", true},
		{"bare host entry matches any scheme", []string{"dash.example.com"}, "http://dash.example.com", "http://dash.example.com", true},
		{"scheme default port is ignored", []string{"dash.example.com"}, "https://dash.example.com:443", "https://dash.example.com:443", true},
		{"explicit port must match", []string{"dash.example.com"}, "https://dash.example.com:8443", "", false},
		{"bare entry with port", []string{"dash.example.com:8443"}, "https://dash.example.com:8443", "https://dash.example.com:8443", true},
		{"unknown origin is refused", []string{"https://app.example.com"}, "https://evil.example.com", "", false},
		{"empty origin is refused", []string{"*"}, "", "", false},
		{"blank entries are skipped", []string{"  ", "https://app.example.com"}, "https://app.example.com", "https://app.example.com", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &corsPolicy{allowOrigins: tc.allowOrigins}
			got, ok := p.resolveAllowOrigin(tc.origin)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsCORSPreflight(t *testing.T) {
	preflight := func(method string, origin, acrm bool) *http.Request {
		req := httptest.NewRequest(method, "http://gw/api", nil)
		if origin {
			req.Header.Set("Origin", "https://app.example.com")
		}
		if acrm {
			req.Header.Set("Access-Control-Request-Method", "POST")
		}
		return req
	}

	assert.True(t, isCORSPreflight(preflight(http.MethodOptions, true, true)))
	assert.False(t, isCORSPreflight(preflight(http.MethodOptions, true, false)))
	assert.False(t, isCORSPreflight(preflight(http.MethodOptions, false, true)))
	assert.False(t, isCORSPreflight(preflight(http.MethodGet, true, true)))

	t.Run("presence counts even when the value is empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "http://gw/api", nil)
		req.Header["Origin"] = []string{""}
		req.Header.Set("Access-Control-Request-Method", "POST")
		assert.True(t, isCORSPreflight(req))
	})
}

func TestAllowMethodsFor(t *testing.T) {
	p := newCORSPolicy(testCORSConfig())

	reqHeaders := http.Header{}
	reqHeaders.Set("Access-Control-Request-Method", "delete")
	assert.Equal(t, "GET, POST, DELETE", p.allowMethodsFor(reqHeaders))

	reqHeaders.Set("Access-Control-Request-Method", "GET")
	assert.Equal(t, "GET, POST", p.allowMethodsFor(reqHeaders))

	empty := &corsPolicy{}
	assert.Equal(t, "PATCH", empty.allowMethodsFor(http.Header{"Access-Control-Request-Method": {"PATCH"}}))
	assert.Equal(t, "", empty.allowMethodsFor(http.Header{}))
}

func TestAllowHeadersFor(t *testing.T) {
	p := newCORSPolicy(testCORSConfig())

	reqHeaders := http.Header{}
	reqHeaders.Set("Access-Control-Request-Headers", "Authorization, content-type")
	assert.Equal(t, "content-type, x-api-key, authorization", p.allowHeadersFor(reqHeaders))

	assert.Equal(t, "content-type, x-api-key", p.allowHeadersFor(http.Header{}))
	assert.Equal(t, "", (&corsPolicy{}).allowHeadersFor(http.Header{}))
}

func TestCORSDecorate(t *testing.T) {
	p := newCORSPolicy(testCORSConfig())

	t.Run("matched origin gets the full header set", func(t *testing.T) {
		h := http.Header{}
		p.decorate(h, "https://app.example.com")
		assert.Equal(t, "https://app.example.com", h.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", h.Get("Vary"))
		assert.Equal(t, "X-Request-Id", h.Get("Access-Control-Expose-Headers"))
	})

	t.Run("unmatched origin leaves the response untouched", func(t *testing.T) {
		h := http.Header{}
		p.decorate(h, "https://evil.example.com")
		assert.Empty(t, h)
	})

	t.Run("expose header is omitted when not configured", func(t *testing.T) {
		h := http.Header{}
		(&corsPolicy{allowOrigins: []string{"*"}}).decorate(h, "https://app.example.com")
		assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
		assert.Empty(t, h.Get("Access-Control-Expose-Headers"))
	})
}

func TestChainCORS(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// An upstream echoing its own CORS grant must not override the
		// gateway's decision.
		w.Header().Set("Access-Control-Allow-Origin", "https://other.example.com")
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	cfg := gatewayConfig(backend.URL)
	cfg.CORS = testCORSConfig()
	env := newChainEnv(t, cfg)

	t.Run("allowed preflight is answered without auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "http://gw/api/v1/messages", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
		rr := env.do(req)

		require.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin, Access-Control-Request-Method, Access-Control-Request-Headers", rr.Header().Get("Vary"))
		assert.Equal(t, "GET, POST", rr.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "content-type, x-api-key, authorization", rr.Header().Get("Access-Control-Allow-Headers"))
		assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	})

	t.Run("preflight from a disallowed origin is refused", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "http://gw/api/v1", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rr := env.do(req)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.JSONEq(t, `{"error":"cors_origin_not_allowed"}`, rr.Body.String())
		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight for an unknown route is a 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "http://gw/none", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rr := env.do(req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("forwarded responses carry the gateway's grant", func(t *testing.T) {
		req := authedRequest(http.MethodGet, "http://gw/api/v1")
		req.Header.Set("Origin", "https://app.example.com")
		rr := env.do(req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rr.Header().Get("Vary"))
		assert.Equal(t, "X-Request-Id", rr.Header().Get("Access-Control-Expose-Headers"))
	})

	t.Run("error responses are decorated too", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://gw/api/v1", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rr := env.do(req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("an unmatched origin gets no gateway grant", func(t *testing.T) {
		req := authedRequest(http.MethodGet, "http://gw/api/v1")
		req.Header.Set("Origin", "https://evil.example.com")
		rr := env.do(req)

		require.Equal(t, http.StatusOK, rr.Code)
		// The upstream's own header is relayed verbatim; the gateway
		// only adds its grant for allowed origins.
		assert.Equal(t, "https://other.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rr.Header().Get("Access-Control-Expose-Headers"))
	})

	t.Run("healthz is decorated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://gw/healthz", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rr := env.do(req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestChainCORSWildcard(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	cfg := gatewayConfig(backend.URL)
	cfg.CORS = &config.CORSConfig{Enabled: true, AllowOrigins: []string{"*"}}
	env := newChainEnv(t, cfg)

	req := authedRequest(http.MethodGet, "http://gw/api/v1")
	req.Header.Set("Origin", "https://anything.example")
	rr := env.do(req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
