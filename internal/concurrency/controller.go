// Package concurrency implements the gateway's two admission gates: a
// global cap on inflight downstream requests and a per-upstream-credential
// cap keyed by (route, injected key digest). Both gates are non-blocking —
// a request that cannot get a permit immediately is rejected, never queued.
//
// The upstream key is a property of the route's static configuration
// (which credential the route injects), never of client headers, so two
// routes injecting the same provider key are still gated independently
// while one route always maps to one semaphore.
package concurrency

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/keyfront/keyfront/internal/config"
)

// Permit is a held admission slot. Release is idempotent and safe on a nil
// permit, so callers can defer it unconditionally.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the slot to its gate. Held permits span the entire
// response body stream, including indefinitely long SSE streams.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// routeGate is the precomputed upstream gate identity for one route.
type routeGate struct {
	semKey string
	limit  int64
}

// Controller owns both gates. It is created once at startup and is safe
// for concurrent use.
type Controller struct {
	downstream *semaphore.Weighted

	// gates holds one entry per route subject to an upstream cap, keyed by
	// route ID. Routes without an entry are not gated upstream.
	gates map[string]routeGate

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewController builds the gates from the concurrency section and the
// route list. Key material is extracted once here; per-request work is
// only a map lookup and a TryAcquire.
func NewController(cc *config.ConcurrencyConfig, routes []config.RouteConfig) *Controller {
	c := &Controller{
		gates: make(map[string]routeGate),
		sems:  make(map[string]*semaphore.Weighted),
	}

	var perKeyDefault *int64
	if cc != nil {
		if cc.DownstreamMaxInflight != nil {
			c.downstream = semaphore.NewWeighted(*cc.DownstreamMaxInflight)
		}
		perKeyDefault = cc.UpstreamPerKeyMaxInflight
	}

	for _, r := range routes {
		limit := r.Upstream.UpstreamKeyMaxInflight
		if limit == nil {
			limit = perKeyDefault
		}
		if limit == nil {
			continue
		}
		material, ok := r.UpstreamKeyMaterial()
		if !ok {
			// Config validation rejects this at startup; keep the route
			// gated under a shared fallback key rather than ungated.
			material = "default"
		}
		c.gates[r.ID] = routeGate{
			semKey: r.ID + ":" + KeyDigest(material),
			limit:  *limit,
		}
	}
	return c
}

// AcquireDownstream tries to take a slot from the global gate. When the
// gate is not configured every request is admitted with a nil permit.
func (c *Controller) AcquireDownstream() (*Permit, bool) {
	if c.downstream == nil {
		return nil, true
	}
	if !c.downstream.TryAcquire(1) {
		return nil, false
	}
	return &Permit{release: func() { c.downstream.Release(1) }}, true
}

// AcquireUpstream tries to take a slot from the route's upstream gate.
// Routes without an upstream cap are admitted with a nil permit.
func (c *Controller) AcquireUpstream(routeID string) (*Permit, bool) {
	gate, ok := c.gates[routeID]
	if !ok {
		return nil, true
	}

	sem := c.gateSemaphore(gate)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return &Permit{release: func() { sem.Release(1) }}, true
}

// gateSemaphore returns the semaphore for a gate, creating it on first use.
func (c *Controller) gateSemaphore(gate routeGate) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.sems[gate.semKey]
	if !ok {
		sem = semaphore.NewWeighted(gate.limit)
		c.sems[gate.semKey] = sem
	}
	return sem
}

// KeyDigest condenses upstream key material into a fixed-width hex
// fingerprint so semaphore keys never carry credential bytes.
func KeyDigest(material string) string {
	sum := sha256.Sum256([]byte(material))
	return fmt.Sprintf("%016x", binary.BigEndian.Uint64(sum[:8]))
}
