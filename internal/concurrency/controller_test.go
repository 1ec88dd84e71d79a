package concurrency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/keyfront/internal/config"
)

func i64(v int64) *int64 { return &v }

func cappedRoute(id, apiKey string, override *int64) config.RouteConfig {
	return config.RouteConfig{
		ID:     id,
		Prefix: "/" + id,
		Upstream: config.UpstreamConfig{
			BaseURL:                "https://example.com",
			InjectHeaders:          []config.HeaderInjection{{Name: "x-api-key", Value: config.RedactedString(apiKey)}},
			UpstreamKeyMaxInflight: override,
		},
	}
}

func TestAcquireDownstream(t *testing.T) {
	t.Run("admits with nil permit when gate is unconfigured", func(t *testing.T) {
		c := NewController(nil, nil)

		for i := 0; i < 100; i++ {
			permit, ok := c.AcquireDownstream()
			require.True(t, ok)
			assert.Nil(t, permit)
			permit.Release() // nil-safe
		}
	})

	t.Run("rejects when the gate is full", func(t *testing.T) {
		c := NewController(&config.ConcurrencyConfig{DownstreamMaxInflight: i64(1)}, nil)

		first, ok := c.AcquireDownstream()
		require.True(t, ok)
		require.NotNil(t, first)

		_, ok = c.AcquireDownstream()
		assert.False(t, ok)

		first.Release()

		_, ok = c.AcquireDownstream()
		assert.True(t, ok)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		c := NewController(&config.ConcurrencyConfig{DownstreamMaxInflight: i64(1)}, nil)

		permit, ok := c.AcquireDownstream()
		require.True(t, ok)

		permit.Release()
		permit.Release() // must not free a second slot

		second, ok := c.AcquireDownstream()
		require.True(t, ok)
		defer second.Release()

		_, ok = c.AcquireDownstream()
		assert.False(t, ok, "double release must not add capacity")
	})
}

func TestAcquireUpstream(t *testing.T) {
	t.Run("admits with nil permit when no cap applies", func(t *testing.T) {
		c := NewController(nil, []config.RouteConfig{cappedRoute("openai", "sk-1", nil)})

		permit, ok := c.AcquireUpstream("openai")
		require.True(t, ok)
		assert.Nil(t, permit)
	})

	t.Run("rejects when the route gate is full", func(t *testing.T) {
		cc := &config.ConcurrencyConfig{UpstreamPerKeyMaxInflight: i64(1)}
		c := NewController(cc, []config.RouteConfig{cappedRoute("openai", "sk-1", nil)})

		first, ok := c.AcquireUpstream("openai")
		require.True(t, ok)
		require.NotNil(t, first)

		_, ok = c.AcquireUpstream("openai")
		assert.False(t, ok)

		first.Release()

		_, ok = c.AcquireUpstream("openai")
		assert.True(t, ok)
	})

	t.Run("routes are gated independently even with the same credential", func(t *testing.T) {
		cc := &config.ConcurrencyConfig{UpstreamPerKeyMaxInflight: i64(1)}
		c := NewController(cc, []config.RouteConfig{
			cappedRoute("ra", "sk-shared", nil),
			cappedRoute("rb", "sk-shared", nil),
		})

		pa, ok := c.AcquireUpstream("ra")
		require.True(t, ok)
		defer pa.Release()

		pb, ok := c.AcquireUpstream("rb")
		require.True(t, ok)
		defer pb.Release()
	})

	t.Run("route override beats the global default", func(t *testing.T) {
		cc := &config.ConcurrencyConfig{UpstreamPerKeyMaxInflight: i64(1)}
		c := NewController(cc, []config.RouteConfig{cappedRoute("openai", "sk-1", i64(2))})

		p1, ok := c.AcquireUpstream("openai")
		require.True(t, ok)
		defer p1.Release()

		p2, ok := c.AcquireUpstream("openai")
		require.True(t, ok)
		defer p2.Release()

		_, ok = c.AcquireUpstream("openai")
		assert.False(t, ok)
	})

	t.Run("route override applies without a global default", func(t *testing.T) {
		c := NewController(nil, []config.RouteConfig{cappedRoute("openai", "sk-1", i64(1))})

		p, ok := c.AcquireUpstream("openai")
		require.True(t, ok)
		require.NotNil(t, p)
		defer p.Release()

		_, ok = c.AcquireUpstream("openai")
		assert.False(t, ok)
	})

	t.Run("unknown route is not gated", func(t *testing.T) {
		cc := &config.ConcurrencyConfig{UpstreamPerKeyMaxInflight: i64(1)}
		c := NewController(cc, []config.RouteConfig{cappedRoute("openai", "sk-1", nil)})

		permit, ok := c.AcquireUpstream("elsewhere")
		require.True(t, ok)
		assert.Nil(t, permit)
	})

	t.Run("route without key material falls back to a shared key", func(t *testing.T) {
		cc := &config.ConcurrencyConfig{UpstreamPerKeyMaxInflight: i64(1)}
		bare := config.RouteConfig{
			ID:       "bare",
			Prefix:   "/bare",
			Upstream: config.UpstreamConfig{BaseURL: "https://example.com"},
		}
		c := NewController(cc, []config.RouteConfig{bare})

		p, ok := c.AcquireUpstream("bare")
		require.True(t, ok)
		require.NotNil(t, p)
		defer p.Release()

		_, ok = c.AcquireUpstream("bare")
		assert.False(t, ok, "fallback key must still enforce the cap")
	})
}

func TestKeyDigest(t *testing.T) {
	t.Run("is deterministic and fixed width", func(t *testing.T) {
		a := KeyDigest("authorization:sk-123")
		b := KeyDigest("authorization:sk-123")
		assert.Equal(t, a, b)
		assert.Len(t, a, 16)
	})

	t.Run("distinct material yields distinct digests", func(t *testing.T) {
		assert.NotEqual(t, KeyDigest("authorization:sk-a"), KeyDigest("authorization:sk-b"))
	})

	t.Run("digest does not contain the material", func(t *testing.T) {
		assert.NotContains(t, KeyDigest("x-api-key:sk-super-secret"), "sk-super-secret")
	})
}
