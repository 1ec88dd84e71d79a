package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock lets tests pin the limiter to a deterministic wall time.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(perMinute int64, start time.Time) (*Limiter, *fixedClock) {
	clock := &fixedClock{t: start}
	l := NewLimiter(perMinute)
	l.now = clock.now
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 10, 0, time.UTC)

	t.Run("allows requests up to the per-minute limit", func(t *testing.T) {
		l, _ := newTestLimiter(3, start)

		for i := 0; i < 3; i++ {
			res := l.Allow("openai", "tok")
			assert.True(t, res.Allowed, "request %d should be allowed", i)
		}
	})

	t.Run("rejects the request over the limit", func(t *testing.T) {
		l, _ := newTestLimiter(2, start)

		assert.True(t, l.Allow("openai", "tok").Allowed)
		assert.True(t, l.Allow("openai", "tok").Allowed)

		res := l.Allow("openai", "tok")
		assert.False(t, res.Allowed)
	})

	t.Run("rejection carries seconds until the next minute", func(t *testing.T) {
		l, _ := newTestLimiter(1, start) // second 10 of the minute

		require.True(t, l.Allow("openai", "tok").Allowed)
		res := l.Allow("openai", "tok")
		require.False(t, res.Allowed)
		assert.Equal(t, 50*time.Second, res.RetryAfter)
	})

	t.Run("retry-after at the minute boundary is a full minute", func(t *testing.T) {
		boundary := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		l, _ := newTestLimiter(1, boundary)

		require.True(t, l.Allow("openai", "tok").Allowed)
		res := l.Allow("openai", "tok")
		require.False(t, res.Allowed)
		assert.Equal(t, 60*time.Second, res.RetryAfter)
	})

	t.Run("window resets when the minute advances", func(t *testing.T) {
		l, clock := newTestLimiter(1, start)

		require.True(t, l.Allow("openai", "tok").Allowed)
		require.False(t, l.Allow("openai", "tok").Allowed)

		clock.advance(time.Minute)

		assert.True(t, l.Allow("openai", "tok").Allowed)
	})

	t.Run("minute change clears every key at once", func(t *testing.T) {
		l, clock := newTestLimiter(1, start)

		require.True(t, l.Allow("openai", "tok-a").Allowed)
		require.True(t, l.Allow("openai", "tok-b").Allowed)
		require.False(t, l.Allow("openai", "tok-a").Allowed)
		require.False(t, l.Allow("openai", "tok-b").Allowed)

		clock.advance(time.Minute)

		assert.True(t, l.Allow("openai", "tok-a").Allowed)
		assert.True(t, l.Allow("openai", "tok-b").Allowed)
		assert.Len(t, l.counts, 2, "previous window's counters must be gone")
	})

	t.Run("tokens are limited independently", func(t *testing.T) {
		l, _ := newTestLimiter(1, start)

		assert.True(t, l.Allow("openai", "tok-a").Allowed)
		assert.True(t, l.Allow("openai", "tok-b").Allowed)
		assert.False(t, l.Allow("openai", "tok-a").Allowed)
	})

	t.Run("routes are limited independently", func(t *testing.T) {
		l, _ := newTestLimiter(1, start)

		assert.True(t, l.Allow("openai", "tok").Allowed)
		assert.True(t, l.Allow("anthropic", "tok").Allowed)
		assert.False(t, l.Allow("openai", "tok").Allowed)
	})

	t.Run("route and token do not collide through concatenation", func(t *testing.T) {
		l, _ := newTestLimiter(1, start)

		assert.True(t, l.Allow("a", "b\nc").Allowed)
		assert.True(t, l.Allow("a\nb", "c").Allowed)
	})

	t.Run("concurrent admissions never exceed the limit", func(t *testing.T) {
		const limit = 50
		l, _ := newTestLimiter(limit, start)

		var wg sync.WaitGroup
		var mu sync.Mutex
		allowed := 0
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.Allow("openai", "tok").Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, limit, allowed)
	})
}

func TestRetryAfter(t *testing.T) {
	t.Run("counts down within the minute", func(t *testing.T) {
		assert.Equal(t, 60*time.Second, retryAfter(0))
		assert.Equal(t, 59*time.Second, retryAfter(1))
		assert.Equal(t, 1*time.Second, retryAfter(59))
		assert.Equal(t, 60*time.Second, retryAfter(60))
	})
}
