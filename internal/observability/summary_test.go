package observability

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summaryAt(start time.Time) (*Summary, *time.Time) {
	now := start
	s := NewSummary()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSummaryObserveRequest(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	t.Run("accumulates per route and per token", func(t *testing.T) {
		s, _ := summaryAt(base)

		s.ObserveRequest("openai", "sk-***ab#deadbeef")
		s.ObserveRequest("openai", "sk-***ab#deadbeef")
		s.ObserveRequest("anthropic", "tok***yz#cafef00d")

		snap := s.Snapshot()
		assert.Equal(t, uint64(3), snap.TotalRequests1h)
		assert.Equal(t, uint64(3), snap.TotalRequests24h)

		require.Len(t, snap.Routes, 2)
		assert.Equal(t, "openai", snap.Routes[0].RouteID)
		assert.Equal(t, uint64(2), snap.Routes[0].Requests24h)
		assert.Equal(t, "anthropic", snap.Routes[1].RouteID)

		require.Len(t, snap.Tokens, 2)
		assert.Equal(t, "sk-***ab#deadbeef", snap.Tokens[0].Token)
		assert.Equal(t, uint64(2), snap.Tokens[0].Requests24h)
	})

	t.Run("empty token label is not tracked", func(t *testing.T) {
		s, _ := summaryAt(base)
		s.ObserveRequest("openai", "")

		snap := s.Snapshot()
		assert.Empty(t, snap.Tokens)
		assert.Equal(t, uint64(1), snap.TotalRequests24h)
	})

	t.Run("requests two hours old drop out of the hourly window", func(t *testing.T) {
		s, now := summaryAt(base)

		s.ObserveRequest("openai", "")
		*now = now.Add(2 * time.Hour)
		s.ObserveRequest("openai", "")

		snap := s.Snapshot()
		require.Len(t, snap.Routes, 1)
		assert.Equal(t, uint64(1), snap.Routes[0].Requests1h)
		assert.Equal(t, uint64(2), snap.Routes[0].Requests24h)
	})

	t.Run("buckets past 24 hours are pruned", func(t *testing.T) {
		s, now := summaryAt(base)

		s.ObserveRequest("stale", "old***en#12345678")
		*now = now.Add(25 * time.Hour)
		s.ObserveRequest("fresh", "")

		snap := s.Snapshot()
		require.Len(t, snap.Routes, 1)
		assert.Equal(t, "fresh", snap.Routes[0].RouteID)
		assert.Empty(t, snap.Tokens)
	})
}

func TestSummaryInflight(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	t.Run("tracks current and peak in-flight", func(t *testing.T) {
		s, _ := summaryAt(base)

		s.IncInflight("openai")
		s.IncInflight("openai")
		s.DecInflight("openai")

		snap := s.Snapshot()
		require.Len(t, snap.Routes, 1)
		assert.Equal(t, uint64(1), snap.Routes[0].InflightCurrent)
		assert.Equal(t, uint64(2), snap.Routes[0].InflightPeak1h)
		assert.Equal(t, uint64(2), snap.Routes[0].InflightPeak24h)
	})

	t.Run("peaks age out with their window", func(t *testing.T) {
		s, now := summaryAt(base)

		s.IncInflight("openai")
		s.IncInflight("openai")
		s.DecInflight("openai")
		s.DecInflight("openai")

		*now = now.Add(2 * time.Hour)
		s.ObserveRequest("openai", "")

		snap := s.Snapshot()
		require.Len(t, snap.Routes, 1)
		assert.Equal(t, uint64(0), snap.Routes[0].InflightPeak1h)
		assert.Equal(t, uint64(2), snap.Routes[0].InflightPeak24h)
	})

	t.Run("decrement never underflows", func(t *testing.T) {
		s, _ := summaryAt(base)
		s.DecInflight("openai")

		snap := s.Snapshot()
		require.Len(t, snap.Routes, 1)
		assert.Equal(t, uint64(0), snap.Routes[0].InflightCurrent)
	})
}

func TestSummarySnapshotOrdering(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	t.Run("routes sort by 24h volume then inflight then id", func(t *testing.T) {
		s, _ := summaryAt(base)

		s.ObserveRequest("quiet", "")
		s.ObserveRequest("busy", "")
		s.ObserveRequest("busy", "")
		s.IncInflight("streaming")
		s.ObserveRequest("streaming", "")

		snap := s.Snapshot()
		require.Len(t, snap.Routes, 3)
		assert.Equal(t, "busy", snap.Routes[0].RouteID)
		// streaming and quiet tie on volume; in-flight breaks the tie.
		assert.Equal(t, "streaming", snap.Routes[1].RouteID)
		assert.Equal(t, "quiet", snap.Routes[2].RouteID)
	})

	t.Run("empty snapshot marshals with empty arrays", func(t *testing.T) {
		s, _ := summaryAt(base)

		body, err := json.Marshal(s.Snapshot())
		require.NoError(t, err)
		assert.Contains(t, string(body), `"routes":[]`)
		assert.Contains(t, string(body), `"tokens":[]`)
	})

	t.Run("generated timestamp comes from the clock", func(t *testing.T) {
		s, _ := summaryAt(base)
		snap := s.Snapshot()
		assert.Equal(t, base.UnixMilli(), snap.GeneratedAtUnixMS)
	})
}

func TestTokenLabel(t *testing.T) {
	t.Run("long tokens keep three leading and two trailing characters", func(t *testing.T) {
		label := TokenLabel("sk-abc123secret99")
		assert.True(t, strings.HasPrefix(label, "sk-***99#"), label)
		assert.NotContains(t, label, "abc123secret")
	})

	t.Run("short tokens drop the suffix", func(t *testing.T) {
		label := TokenLabel("abcde")
		assert.True(t, strings.HasPrefix(label, "abc***#"), label)
	})

	t.Run("empty token still yields a label", func(t *testing.T) {
		label := TokenLabel("")
		assert.True(t, strings.HasPrefix(label, "***#"), label)
	})

	t.Run("surrounding whitespace is ignored", func(t *testing.T) {
		assert.Equal(t, TokenLabel("sk-abc123secret99"), TokenLabel("  sk-abc123secret99  "))
	})

	t.Run("same affixes with different middles stay distinguishable", func(t *testing.T) {
		a := TokenLabel("sk-middleONE-99")
		b := TokenLabel("sk-middleTWO-99")
		assert.NotEqual(t, a, b)
	})

	t.Run("label is deterministic", func(t *testing.T) {
		assert.Equal(t, TokenLabel("sk-abc123secret99"), TokenLabel("sk-abc123secret99"))
	})
}
