package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keyfront/keyfront/internal/config"
)

func TestPrepareUpstreamHeaders(t *testing.T) {
	t.Run("strips hop-by-hop headers", func(t *testing.T) {
		inbound := http.Header{}
		inbound.Set("Connection", "keep-alive")
		inbound.Set("Keep-Alive", "timeout=5")
		inbound.Set("Transfer-Encoding", "chunked")
		inbound.Set("Upgrade", "websocket")
		inbound.Set("Te", "trailers")
		inbound.Set("Content-Type", "application/json")

		out := PrepareUpstreamHeaders(inbound, &config.UpstreamConfig{})

		assert.Empty(t, out.Get("Connection"))
		assert.Empty(t, out.Get("Keep-Alive"))
		assert.Empty(t, out.Get("Transfer-Encoding"))
		assert.Empty(t, out.Get("Upgrade"))
		assert.Empty(t, out.Get("Te"))
		assert.Equal(t, "application/json", out.Get("Content-Type"))
	})

	t.Run("strips client ip headers by default", func(t *testing.T) {
		inbound := http.Header{}
		inbound.Set("X-Forwarded-For", "1.2.3.4")
		inbound.Set("Forwarded", "for=1.2.3.4")
		inbound.Set("Cf-Connecting-Ip", "1.2.3.4")
		inbound.Set("True-Client-Ip", "1.2.3.4")
		inbound.Set("X-Real-Ip", "1.2.3.4")

		out := PrepareUpstreamHeaders(inbound, &config.UpstreamConfig{})

		assert.Empty(t, out.Get("X-Forwarded-For"))
		assert.Empty(t, out.Get("Forwarded"))
		assert.Empty(t, out.Get("Cf-Connecting-Ip"))
		assert.Empty(t, out.Get("True-Client-Ip"))
		assert.Empty(t, out.Get("X-Real-Ip"))
	})

	t.Run("keeps client ip headers when forward_xff is set", func(t *testing.T) {
		inbound := http.Header{}
		inbound.Set("X-Forwarded-For", "1.2.3.4")

		out := PrepareUpstreamHeaders(inbound, &config.UpstreamConfig{ForwardXFF: true})

		assert.Equal(t, "1.2.3.4", out.Get("X-Forwarded-For"))
	})

	t.Run("remove_headers drops every spelling of the name", func(t *testing.T) {
		inbound := http.Header{}
		inbound.Set("X-Client-Meta", "a")
		inbound.Add("X-Client-Meta", "b")

		out := PrepareUpstreamHeaders(inbound, &config.UpstreamConfig{
			RemoveHeaders: []string{"x-client-meta"},
		})

		assert.Empty(t, out.Values("X-Client-Meta"))
	})

	t.Run("injected header overwrites the client value", func(t *testing.T) {
		inbound := http.Header{}
		inbound.Set("Authorization", "Bearer from-client")

		out := PrepareUpstreamHeaders(inbound, &config.UpstreamConfig{
			InjectHeaders: []config.HeaderInjection{
				{Name: "Authorization", Value: "Bearer injected"},
			},
		})

		assert.Equal(t, []string{"Bearer injected"}, out.Values("Authorization"))
	})

	t.Run("injection wins over remove_headers for the same name", func(t *testing.T) {
		inbound := http.Header{}
		inbound.Set("Authorization", "Bearer from-client")

		out := PrepareUpstreamHeaders(inbound, &config.UpstreamConfig{
			RemoveHeaders: []string{"authorization"},
			InjectHeaders: []config.HeaderInjection{
				{Name: "Authorization", Value: "Bearer injected"},
			},
		})

		assert.Equal(t, "Bearer injected", out.Get("Authorization"))
	})

	t.Run("injected header keeps its configured spelling", func(t *testing.T) {
		out := PrepareUpstreamHeaders(http.Header{}, &config.UpstreamConfig{
			InjectHeaders: []config.HeaderInjection{
				{Name: "x-api-key", Value: "sk-123"},
			},
		})

		values, ok := out["x-api-key"]
		assert.True(t, ok, "expected the literal configured key in the header map")
		assert.Equal(t, []string{"sk-123"}, values)
	})

	t.Run("later injection replaces an earlier one with different case", func(t *testing.T) {
		out := PrepareUpstreamHeaders(http.Header{}, &config.UpstreamConfig{
			InjectHeaders: []config.HeaderInjection{
				{Name: "X-Tag", Value: "first"},
				{Name: "x-tag", Value: "second"},
			},
		})

		assert.Len(t, out, 1)
		assert.Equal(t, []string{"second"}, out["x-tag"])
	})

	t.Run("host is never copied", func(t *testing.T) {
		inbound := http.Header{}
		inbound.Set("Host", "gateway.internal")

		out := PrepareUpstreamHeaders(inbound, &config.UpstreamConfig{})
		assert.Empty(t, out.Get("Host"))
	})

	t.Run("nil inbound headers yield an empty set", func(t *testing.T) {
		out := PrepareUpstreamHeaders(nil, &config.UpstreamConfig{})
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})
}

func TestSanitizeResponseHeaders(t *testing.T) {
	t.Run("strips hop-by-hop and keeps the rest", func(t *testing.T) {
		upstream := http.Header{}
		upstream.Set("Connection", "keep-alive")
		upstream.Set("Upgrade", "websocket")
		upstream.Set("X-Upstream-Ok", "1")
		upstream.Set("Content-Type", "text/event-stream")

		out := SanitizeResponseHeaders(upstream)

		assert.Empty(t, out.Get("Connection"))
		assert.Empty(t, out.Get("Upgrade"))
		assert.Equal(t, "1", out.Get("X-Upstream-Ok"))
		assert.Equal(t, "text/event-stream", out.Get("Content-Type"))
	})
}

func TestIsSSEContentType(t *testing.T) {
	assert.True(t, IsSSEContentType("text/event-stream"))
	assert.True(t, IsSSEContentType("text/event-stream; charset=utf-8"))
	assert.True(t, IsSSEContentType("TEXT/EVENT-STREAM"))
	assert.True(t, IsSSEContentType("  text/event-stream  ; charset=utf-8"))
	assert.False(t, IsSSEContentType("application/json"))
	assert.False(t, IsSSEContentType("text/event-stream-extended"))
	assert.False(t, IsSSEContentType(""))
}
