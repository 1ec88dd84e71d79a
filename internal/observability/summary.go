package observability

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	oneHourMinutes        = 60
	twentyFourHourMinutes = 24 * 60
)

// Summary tracks rolling per-route and per-token request counts over the
// last hour and last 24 hours, bucketed by wall-clock minute. It backs the
// /metrics/summary endpoint and is independent of the Prometheus registry
// so the snapshot stays cheap to build.
type Summary struct {
	now func() time.Time

	mu            sync.Mutex
	routeBuckets  map[string][]routeMinuteBucket
	tokenBuckets  map[string][]tokenMinuteBucket
	routeInflight map[string]uint64
}

type routeMinuteBucket struct {
	minute      int64
	requests    uint64
	maxInflight uint64
}

type tokenMinuteBucket struct {
	minute   int64
	requests uint64
}

// NewSummary creates an empty summary tracker.
func NewSummary() *Summary {
	return &Summary{
		now:           time.Now,
		routeBuckets:  make(map[string][]routeMinuteBucket),
		tokenBuckets:  make(map[string][]tokenMinuteBucket),
		routeInflight: make(map[string]uint64),
	}
}

// ObserveRequest records one finished request for the route and, when
// tokenLabel is non-empty, for the masked token.
func (s *Summary) ObserveRequest(routeID, tokenLabel string) {
	minute := s.minute()

	s.mu.Lock()
	defer s.mu.Unlock()

	inflight := s.routeInflight[routeID]
	buckets, bucket := ensureRouteBucket(s.routeBuckets[routeID], minute)
	bucket.requests++
	if inflight > bucket.maxInflight {
		bucket.maxInflight = inflight
	}
	s.routeBuckets[routeID] = buckets

	if tokenLabel != "" {
		tb, tbucket := ensureTokenBucket(s.tokenBuckets[tokenLabel], minute)
		tbucket.requests++
		s.tokenBuckets[tokenLabel] = tb
	}

	s.prune(minute)
}

// IncInflight records that a request started being forwarded on the route.
func (s *Summary) IncInflight(routeID string) {
	s.adjustInflight(routeID, 1)
}

// DecInflight records that a forwarded request on the route finished.
func (s *Summary) DecInflight(routeID string) {
	s.adjustInflight(routeID, -1)
}

func (s *Summary) adjustInflight(routeID string, delta int64) {
	minute := s.minute()

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.routeInflight[routeID]
	if delta >= 0 {
		current += uint64(delta)
	} else if dec := uint64(-delta); dec > current {
		current = 0
	} else {
		current -= dec
	}
	s.routeInflight[routeID] = current

	buckets, bucket := ensureRouteBucket(s.routeBuckets[routeID], minute)
	if current > bucket.maxInflight {
		bucket.maxInflight = current
	}
	s.routeBuckets[routeID] = buckets

	s.prune(minute)
}

func (s *Summary) minute() int64 {
	return s.now().Unix() / 60
}

// prune drops buckets older than the 24h window and forgets routes and
// tokens that have gone completely quiet. Must be called with mu held.
func (s *Summary) prune(minute int64) {
	cutoff := minute - (twentyFourHourMinutes - 1)

	for routeID, buckets := range s.routeBuckets {
		buckets = pruneRouteBuckets(buckets, cutoff)
		if len(buckets) == 0 && s.routeInflight[routeID] == 0 {
			delete(s.routeBuckets, routeID)
			delete(s.routeInflight, routeID)
			continue
		}
		s.routeBuckets[routeID] = buckets
	}
	for routeID, inflight := range s.routeInflight {
		if inflight == 0 {
			if _, ok := s.routeBuckets[routeID]; !ok {
				delete(s.routeInflight, routeID)
			}
		}
	}

	for label, buckets := range s.tokenBuckets {
		buckets = pruneTokenBuckets(buckets, cutoff)
		if len(buckets) == 0 {
			delete(s.tokenBuckets, label)
			continue
		}
		s.tokenBuckets[label] = buckets
	}
}

// SummarySnapshot is the JSON document served by /metrics/summary.
type SummarySnapshot struct {
	GeneratedAtUnixMS int64                `json:"generated_at_unix_ms"`
	TotalRequests1h   uint64               `json:"total_requests_1h"`
	TotalRequests24h  uint64               `json:"total_requests_24h"`
	Routes            []RouteWindowSummary `json:"routes"`
	Tokens            []TokenWindowSummary `json:"tokens"`
}

// RouteWindowSummary is the per-route slice of the summary.
type RouteWindowSummary struct {
	RouteID         string `json:"route_id"`
	Requests1h      uint64 `json:"requests_1h"`
	Requests24h     uint64 `json:"requests_24h"`
	InflightCurrent uint64 `json:"inflight_current"`
	InflightPeak1h  uint64 `json:"inflight_peak_1h"`
	InflightPeak24h uint64 `json:"inflight_peak_24h"`
}

// TokenWindowSummary is the per-token slice of the summary. Token holds the
// masked label, never the raw credential.
type TokenWindowSummary struct {
	Token       string `json:"token"`
	Requests1h  uint64 `json:"requests_1h"`
	Requests24h uint64 `json:"requests_24h"`
}

// Snapshot aggregates the minute buckets into 1h/24h windows. Routes are
// ordered busiest-first (24h requests, then current in-flight, then ID);
// tokens likewise by 24h requests then label.
func (s *Summary) Snapshot() SummarySnapshot {
	nowMinute := s.minute()
	minute1h := nowMinute - (oneHourMinutes - 1)
	minute24h := nowMinute - (twentyFourHourMinutes - 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	routeIDs := make([]string, 0, len(s.routeBuckets)+len(s.routeInflight))
	for routeID := range s.routeBuckets {
		routeIDs = append(routeIDs, routeID)
	}
	for routeID := range s.routeInflight {
		if _, ok := s.routeBuckets[routeID]; !ok {
			routeIDs = append(routeIDs, routeID)
		}
	}
	sort.Strings(routeIDs)

	routes := make([]RouteWindowSummary, 0, len(routeIDs))
	for _, routeID := range routeIDs {
		entry := RouteWindowSummary{
			RouteID:         routeID,
			InflightCurrent: s.routeInflight[routeID],
		}
		for _, bucket := range s.routeBuckets[routeID] {
			if bucket.minute >= minute24h {
				entry.Requests24h += bucket.requests
				if bucket.maxInflight > entry.InflightPeak24h {
					entry.InflightPeak24h = bucket.maxInflight
				}
			}
			if bucket.minute >= minute1h {
				entry.Requests1h += bucket.requests
				if bucket.maxInflight > entry.InflightPeak1h {
					entry.InflightPeak1h = bucket.maxInflight
				}
			}
		}
		routes = append(routes, entry)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Requests24h != routes[j].Requests24h {
			return routes[i].Requests24h > routes[j].Requests24h
		}
		if routes[i].InflightCurrent != routes[j].InflightCurrent {
			return routes[i].InflightCurrent > routes[j].InflightCurrent
		}
		return routes[i].RouteID < routes[j].RouteID
	})

	tokens := make([]TokenWindowSummary, 0, len(s.tokenBuckets))
	for label, buckets := range s.tokenBuckets {
		entry := TokenWindowSummary{Token: label}
		for _, bucket := range buckets {
			if bucket.minute >= minute24h {
				entry.Requests24h += bucket.requests
			}
			if bucket.minute >= minute1h {
				entry.Requests1h += bucket.requests
			}
		}
		tokens = append(tokens, entry)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].Requests24h != tokens[j].Requests24h {
			return tokens[i].Requests24h > tokens[j].Requests24h
		}
		return tokens[i].Token < tokens[j].Token
	})

	snapshot := SummarySnapshot{
		GeneratedAtUnixMS: s.now().UnixMilli(),
		Routes:            routes,
		Tokens:            tokens,
	}
	for _, route := range routes {
		snapshot.TotalRequests1h += route.Requests1h
		snapshot.TotalRequests24h += route.Requests24h
	}
	return snapshot
}

func ensureRouteBucket(buckets []routeMinuteBucket, minute int64) ([]routeMinuteBucket, *routeMinuteBucket) {
	if n := len(buckets); n > 0 && buckets[n-1].minute == minute {
		return buckets, &buckets[n-1]
	}
	buckets = append(buckets, routeMinuteBucket{minute: minute})
	return buckets, &buckets[len(buckets)-1]
}

func ensureTokenBucket(buckets []tokenMinuteBucket, minute int64) ([]tokenMinuteBucket, *tokenMinuteBucket) {
	if n := len(buckets); n > 0 && buckets[n-1].minute == minute {
		return buckets, &buckets[n-1]
	}
	buckets = append(buckets, tokenMinuteBucket{minute: minute})
	return buckets, &buckets[len(buckets)-1]
}

func pruneRouteBuckets(buckets []routeMinuteBucket, cutoff int64) []routeMinuteBucket {
	i := 0
	for i < len(buckets) && buckets[i].minute < cutoff {
		i++
	}
	return buckets[i:]
}

func pruneTokenBuckets(buckets []tokenMinuteBucket, cutoff int64) []tokenMinuteBucket {
	i := 0
	for i < len(buckets) && buckets[i].minute < cutoff {
		i++
	}
	return buckets[i:]
}

// TokenLabel masks an ingress token for metrics and logs: up to three
// leading and two trailing characters survive, joined to a short FNV-1a
// hash so distinct tokens with the same affixes stay distinguishable. The
// raw token never appears in any output.
func TokenLabel(token string) string {
	token = strings.TrimSpace(token)

	h := fnv.New32a()
	h.Write([]byte(token))
	sum := h.Sum32()

	if token == "" {
		return fmt.Sprintf("***#%08x", sum)
	}

	runes := []rune(token)
	prefix := string(runes[:min(3, len(runes))])
	if len(runes) <= 5 {
		return fmt.Sprintf("%s***#%08x", prefix, sum)
	}
	return fmt.Sprintf("%s***%s#%08x", prefix, string(runes[len(runes)-2:]), sum)
}
