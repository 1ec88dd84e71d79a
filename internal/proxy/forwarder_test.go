package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/keyfront/internal/config"
	"github.com/keyfront/keyfront/internal/route"
)

func i64(v int64) *int64 { return &v }

func testRouteConfig(id, prefix, baseURL string, requestTimeoutMS int64) config.RouteConfig {
	strip := true
	return config.RouteConfig{
		ID:     id,
		Prefix: prefix,
		Upstream: config.UpstreamConfig{
			BaseURL:          baseURL,
			StripPrefix:      &strip,
			ConnectTimeoutMS: i64(10_000),
			RequestTimeoutMS: i64(requestTimeoutMS),
		},
	}
}

// forwardThrough builds a forwarder for the routes, resolves the request
// path, and forwards. The request must match a route.
func forwardThrough(t *testing.T, routes []config.RouteConfig, req *http.Request) (Result, *httptest.ResponseRecorder) {
	t.Helper()

	f, err := NewForwarder(routes)
	require.NoError(t, err)

	table := route.NewTable(routes)
	rt, ok := table.Match(req.URL.EscapedPath())
	require.True(t, ok, "request path must match a route")

	rr := httptest.NewRecorder()
	return f.Forward(rr, req, rt, nil), rr
}

func TestForwardRelay(t *testing.T) {
	t.Run("rewrites the path and relays status, headers, and body", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Got-Path", r.URL.RequestURI())
			w.Header().Set("X-Upstream", "1")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer backend.Close()

		routes := []config.RouteConfig{testRouteConfig("api", "/api", backend.URL, 5000)}
		req := httptest.NewRequest(http.MethodGet, "http://gw/api/v1/models?limit=5", nil)

		res, rr := forwardThrough(t, routes, req)

		require.Empty(t, res.ErrCode)
		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, http.StatusCreated, res.Status)
		assert.Equal(t, "/v1/models?limit=5", rr.Header().Get("X-Got-Path"))
		assert.Equal(t, "1", rr.Header().Get("X-Upstream"))
		assert.Equal(t, `{"ok":true}`, rr.Body.String())
		assert.Equal(t, int64(len(`{"ok":true}`)), res.BytesSent)
		assert.Equal(t, UpstreamResultOK, res.UpstreamResult)
		assert.Equal(t, "127.0.0.1", res.UpstreamHost)
		assert.False(t, res.SSE)
	})

	t.Run("forwards the request body with its length", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := make([]byte, r.ContentLength)
			_, _ = r.Body.Read(body)
			w.Header().Set("X-Got-Length", fmt.Sprint(r.ContentLength))
			_, _ = w.Write(body)
		}))
		defer backend.Close()

		routes := []config.RouteConfig{testRouteConfig("api", "/api", backend.URL, 5000)}
		req := httptest.NewRequest(http.MethodPost, "http://gw/api/echo", strings.NewReader("hello world"))

		res, rr := forwardThrough(t, routes, req)

		require.Empty(t, res.ErrCode)
		assert.Equal(t, "11", rr.Header().Get("X-Got-Length"))
		assert.Equal(t, "hello world", rr.Body.String())
	})

	t.Run("applies header transformation on the way out", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Got-Auth", r.Header.Get("Authorization"))
			w.Header().Set("X-Got-Xff", r.Header.Get("X-Forwarded-For"))
			w.Header().Set("X-Got-Cookie", r.Header.Get("Cookie"))
			w.WriteHeader(http.StatusOK)
		}))
		defer backend.Close()

		rc := testRouteConfig("api", "/api", backend.URL, 5000)
		rc.Upstream.InjectHeaders = []config.HeaderInjection{
			{Name: "Authorization", Value: "Bearer provider-key"},
		}
		rc.Upstream.RemoveHeaders = []string{"cookie"}

		req := httptest.NewRequest(http.MethodGet, "http://gw/api/v1/models", nil)
		req.Header.Set("Authorization", "Bearer client-token")
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		req.Header.Set("Cookie", "session=abc")

		res, rr := forwardThrough(t, []config.RouteConfig{rc}, req)

		require.Empty(t, res.ErrCode)
		assert.Equal(t, "Bearer provider-key", rr.Header().Get("X-Got-Auth"))
		assert.Empty(t, rr.Header().Get("X-Got-Xff"))
		assert.Empty(t, rr.Header().Get("X-Got-Cookie"))
	})

	t.Run("relays redirects instead of following them", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Location", "https://elsewhere.example/v1")
			w.WriteHeader(http.StatusFound)
		}))
		defer backend.Close()

		routes := []config.RouteConfig{testRouteConfig("api", "/api", backend.URL, 5000)}
		req := httptest.NewRequest(http.MethodGet, "http://gw/api/v1", nil)

		res, rr := forwardThrough(t, routes, req)

		require.Empty(t, res.ErrCode)
		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "https://elsewhere.example/v1", rr.Header().Get("Location"))
	})

	t.Run("relays upstream error statuses untouched", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_exceeded"}}`))
		}))
		defer backend.Close()

		routes := []config.RouteConfig{testRouteConfig("api", "/api", backend.URL, 5000)}
		req := httptest.NewRequest(http.MethodPost, "http://gw/api/v1/chat", nil)

		res, rr := forwardThrough(t, routes, req)

		require.Empty(t, res.ErrCode)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Contains(t, rr.Body.String(), "rate_limit_exceeded")
	})
}

func TestForwardSSE(t *testing.T) {
	t.Run("sse stream outlives the request timeout", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			for i := range 3 {
				fmt.Fprintf(w, "data: event-%d\n\n", i)
				flusher.Flush()
				time.Sleep(80 * time.Millisecond)
			}
		}))
		defer backend.Close()

		// 100ms total budget; the stream runs ~240ms.
		routes := []config.RouteConfig{testRouteConfig("api", "/api", backend.URL, 100)}
		req := httptest.NewRequest(http.MethodGet, "http://gw/api/v1/stream", nil)

		res, rr := forwardThrough(t, routes, req)

		require.Empty(t, res.ErrCode)
		assert.True(t, res.SSE)
		assert.NoError(t, res.StreamErr)
		assert.Contains(t, rr.Body.String(), "data: event-0")
		assert.Contains(t, rr.Body.String(), "data: event-2")
	})

	t.Run("sse detection tolerates content-type parameters", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
			_, _ = w.Write([]byte("data: hi\n\n"))
		}))
		defer backend.Close()

		routes := []config.RouteConfig{testRouteConfig("api", "/api", backend.URL, 5000)}
		req := httptest.NewRequest(http.MethodGet, "http://gw/api/v1/stream", nil)

		res, _ := forwardThrough(t, routes, req)
		assert.True(t, res.SSE)
	})

	t.Run("onResponse fires before the body is relayed", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("data: hi\n\n"))
		}))
		defer backend.Close()

		routes := []config.RouteConfig{testRouteConfig("api", "/api", backend.URL, 5000)}
		f, err := NewForwarder(routes)
		require.NoError(t, err)
		table := route.NewTable(routes)
		rt, ok := table.Match("/api/v1/stream")
		require.True(t, ok)

		rr := httptest.NewRecorder()
		var sawSSE bool
		var bodyAtCallback int
		res := f.Forward(rr, httptest.NewRequest(http.MethodGet, "http://gw/api/v1/stream", nil), rt, func(sse bool) {
			sawSSE = sse
			bodyAtCallback = rr.Body.Len()
		})

		require.Empty(t, res.ErrCode)
		assert.True(t, sawSSE)
		assert.Zero(t, bodyAtCallback)
		assert.Equal(t, "data: hi\n\n", rr.Body.String())
	})
}

func TestForwardTimeouts(t *testing.T) {
	t.Run("times out when response headers never arrive", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		defer backend.Close()

		routes := []config.RouteConfig{testRouteConfig("api", "/api", backend.URL, 100)}
		req := httptest.NewRequest(http.MethodGet, "http://gw/api/slow", nil)

		res, _ := forwardThrough(t, routes, req)

		assert.Equal(t, ErrorUpstreamTimeout, res.ErrCode)
		assert.Equal(t, UpstreamResultTimeout, res.UpstreamResult)
	})

	t.Run("non-sse body is truncated at the deadline", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"partial":`))
			flusher.Flush()
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		defer backend.Close()

		routes := []config.RouteConfig{testRouteConfig("api", "/api", backend.URL, 150)}
		req := httptest.NewRequest(http.MethodGet, "http://gw/api/big", nil)

		res, rr := forwardThrough(t, routes, req)

		// Headers already went out; the failure shows as truncation.
		require.Empty(t, res.ErrCode)
		assert.Equal(t, http.StatusOK, res.Status)
		require.Error(t, res.StreamErr)
		assert.Contains(t, res.StreamErr.Error(), "timeout")
		assert.Equal(t, `{"partial":`, rr.Body.String())
	})
}

func TestForwardErrors(t *testing.T) {
	t.Run("connection refused maps to upstream_connect_error", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		closedAddr := ln.Addr().String()
		require.NoError(t, ln.Close())

		routes := []config.RouteConfig{testRouteConfig("api", "/api", "http://"+closedAddr, 5000)}
		req := httptest.NewRequest(http.MethodGet, "http://gw/api/v1", nil)

		res, _ := forwardThrough(t, routes, req)

		assert.Equal(t, ErrorUpstreamConnect, res.ErrCode)
		assert.Equal(t, UpstreamResultConnectError, res.UpstreamResult)
	})

	t.Run("unbuildable upstream url maps to invalid_upstream_path", func(t *testing.T) {
		routes := []config.RouteConfig{testRouteConfig("bad", "/bad", "http://bad host.example", 5000)}
		req := httptest.NewRequest(http.MethodGet, "http://gw/bad/x", nil)

		res, _ := forwardThrough(t, routes, req)

		assert.Equal(t, ErrorInvalidUpstreamPath, res.ErrCode)
	})

	t.Run("host label falls back to unknown for unparsable urls", func(t *testing.T) {
		assert.Equal(t, "unknown", hostLabel("http://bad host.example/x"))
		assert.Equal(t, "api.openai.com", hostLabel("https://api.openai.com/v1"))
		assert.Equal(t, "127.0.0.1", hostLabel("http://127.0.0.1:9999/v1"))
	})
}

func TestUpstreamErrorClassification(t *testing.T) {
	t.Run("dial errors are connect errors", func(t *testing.T) {
		err := &net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")}
		assert.True(t, isConnectError(err))
		assert.Equal(t, ErrorUpstreamConnect, classifyUpstreamError(err))
	})

	t.Run("socks dial errors are connect errors", func(t *testing.T) {
		err := &net.OpError{Op: "socks connect", Err: fmt.Errorf("no route")}
		assert.True(t, isConnectError(err))
	})

	t.Run("timeouts win over connect classification for the response code", func(t *testing.T) {
		err := &net.OpError{Op: "dial", Err: timeoutErr{}}
		assert.Equal(t, ErrorUpstreamTimeout, classifyUpstreamError(err))
		// The metric label still reports the phase.
		assert.Equal(t, UpstreamResultConnectError, upstreamResultLabel(err))
	})

	t.Run("everything else is a request error", func(t *testing.T) {
		assert.Equal(t, ErrorUpstreamRequest, classifyUpstreamError(fmt.Errorf("malformed response")))
		assert.Equal(t, UpstreamResultRequestError, upstreamResultLabel(fmt.Errorf("malformed response")))
	})
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
