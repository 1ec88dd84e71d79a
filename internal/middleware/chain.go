// Package middleware implements the gateway request pipeline: route
// resolution → CORS preflight → ingress auth → rate limiting → admission
// gates → upstream forwarding, with request IDs, metrics, usage summary,
// access logs, and usage events wrapped around every path.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keyfront/keyfront/internal/auth"
	"github.com/keyfront/keyfront/internal/concurrency"
	"github.com/keyfront/keyfront/internal/config"
	"github.com/keyfront/keyfront/internal/events"
	"github.com/keyfront/keyfront/internal/observability"
	"github.com/keyfront/keyfront/internal/proxy"
	"github.com/keyfront/keyfront/internal/ratelimit"
	"github.com/keyfront/keyfront/internal/route"
)

var tracer = otel.Tracer("keyfront.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied
// X-Request-Id.
const maxRequestIDLen = 128

// unmatchedRouteID labels observations for requests no route claimed.
const unmatchedRouteID = "__unmatched__"

// healthzPath is reserved on the main listener; config validation keeps it
// out of the route table.
const healthzPath = "/healthz"

// validRequestID checks that a client-supplied request ID is safe to echo
// into logs, events, and response headers. Allowed characters:
// alphanumeric, hyphens, underscores, dots.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// resolveRequestID returns the inbound X-Request-Id when it is valid, or a
// fresh UUIDv7. The inbound header itself is never rewritten, so whatever
// the client sent flows upstream untouched.
func resolveRequestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); validRequestID(id) {
		return id
	}
	return uuid.Must(uuid.NewV7()).String()
}

// Chain is the gateway's request handler. All fields are immutable after
// construction; per-request state lives on the stack.
type Chain struct {
	routes    *route.Table
	validator *auth.Validator
	limiter   *ratelimit.Limiter // nil when rate limiting is not configured
	gates     *concurrency.Controller
	forwarder *proxy.Forwarder
	cors      *corsPolicy // nil when CORS is disabled

	logger  *slog.Logger
	metrics *observability.Metrics
	summary *observability.Summary
	emitter *events.Emitter // nil when events are disabled
	healthz http.HandlerFunc
}

// NewChain builds the pipeline from a validated config. The emitter is
// owned by the chain and shut down by Close.
func NewChain(
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
	summary *observability.Summary,
	health *observability.HealthChecker,
) (*Chain, error) {
	forwarder, err := proxy.NewForwarder(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("upstream clients: %w", err)
	}

	c := &Chain{
		routes:    route.NewTable(cfg.Routes),
		validator: auth.NewValidator(cfg.GatewayAuth),
		gates:     concurrency.NewController(cfg.Concurrency, cfg.Routes),
		forwarder: forwarder,
		cors:      newCORSPolicy(cfg.CORS),
		logger:    logger,
		metrics:   metrics,
		summary:   summary,
		emitter:   events.NewEmitter(cfg.Events, logger, metrics),
		healthz:   health.HealthzHandler(),
	}
	if cfg.RateLimit != nil {
		c.limiter = ratelimit.NewLimiter(cfg.RateLimit.PerMinute)
	}
	return c, nil
}

// Close flushes and stops the usage event emitter.
func (c *Chain) Close() error {
	if c.emitter != nil {
		return c.emitter.Close()
	}
	return nil
}

// statusWriter captures the status code written downstream and runs a
// finalize hook exactly once, immediately before the headers are committed.
// The hook is how the pipeline's X-Request-Id and CORS headers win over
// anything copied from the upstream response.
type statusWriter struct {
	http.ResponseWriter
	code     int
	written  bool
	finalize func(http.Header)
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
		if sw.finalize != nil {
			sw.finalize(sw.Header())
		}
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and handlers that probe for the
// underlying interfaces (http.Flusher, http.Hijacker).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher for handlers that assert it directly
// instead of going through Unwrap.
func (sw *statusWriter) Flush() {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// observation carries the identifiers needed to account for one finished
// request. tokenLabel is empty until ingress auth succeeds and is always
// the masked form, never the raw token.
type observation struct {
	routeID    string
	tokenLabel string
	method     string
	path       string
	requestID  string
	started    time.Time
	sse        bool
	bytesSent  int64
}

// ServeHTTP runs one request through the pipeline.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := resolveRequestID(r)
	origin := r.Header.Get("Origin")
	// The escaped path keeps percent-encoded octets intact for matching
	// and for the upstream URL.
	path := r.URL.EscapedPath()

	corsWritten := false
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false
	sw.finalize = func(h http.Header) {
		h.Set(requestIDHeader, requestID)
		if c.cors != nil && !corsWritten {
			c.cors.decorate(h, origin)
		}
	}
	defer func() {
		sw.ResponseWriter = nil // prevent dangling reference
		sw.finalize = nil
		statusWriterPool.Put(sw)
	}()

	// Liveness is answered before any gate, but still carries the request
	// ID and CORS headers like every other response.
	if path == healthzPath && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		c.healthz(sw, r)
		return
	}

	ctx, span := tracer.Start(r.Context(), "keyfront.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.path", path),
		attribute.String("request_id", requestID),
	)
	r = r.WithContext(ctx)

	obs := observation{
		routeID:   unmatchedRouteID,
		method:    r.Method,
		path:      path,
		requestID: requestID,
		started:   started,
	}

	rt, ok := c.routes.Match(path)
	if !ok {
		c.serveError(sw, obs, proxy.ErrorRouteNotFound)
		return
	}
	obs.routeID = rt.ID
	span.SetAttributes(attribute.String("route_id", rt.ID))

	if c.cors != nil && isCORSPreflight(r) {
		corsWritten = true
		allowOrigin, allowed := c.cors.resolveAllowOrigin(origin)
		if !allowed {
			c.serveError(sw, obs, proxy.ErrorCORSOriginNotAllowed)
			return
		}
		c.cors.writePreflight(sw, allowOrigin, r.Header)
		c.complete(obs, observability.OutcomeCORSPreflight, sw.code)
		return
	}

	token, ok := c.validator.Authenticate(r)
	if !ok {
		c.serveError(sw, obs, proxy.ErrorUnauthorized)
		return
	}
	obs.tokenLabel = observability.TokenLabel(token)

	if c.limiter != nil {
		if decision := c.limiter.Allow(rt.ID, token); !decision.Allowed {
			sw.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)))
			c.serveError(sw, obs, proxy.ErrorRateLimited)
			return
		}
	}

	downstream, ok := c.gates.AcquireDownstream()
	if !ok {
		c.serveError(sw, obs, proxy.ErrorDownstreamConcurrency)
		return
	}
	defer downstream.Release()

	upstream, ok := c.gates.AcquireUpstream(rt.ID)
	if !ok {
		c.serveError(sw, obs, proxy.ErrorUpstreamConcurrency)
		return
	}
	defer upstream.Release()

	c.metrics.IncInflight(rt.ID)
	c.summary.IncInflight(rt.ID)

	upstreamCtx, upstreamSpan := tracer.Start(r.Context(), "keyfront.upstream")
	res := c.forwarder.Forward(sw, r.WithContext(upstreamCtx), rt, func(sse bool) {
		if sse {
			c.metrics.IncSSEInflight(rt.ID)
		}
	})
	upstreamSpan.SetAttributes(
		attribute.String("route_id", rt.ID),
		attribute.String("upstream_host", res.UpstreamHost),
		attribute.String("result", res.UpstreamResult),
		attribute.Bool("sse", res.SSE),
	)
	upstreamSpan.End()

	c.metrics.DecInflight(rt.ID)
	c.summary.DecInflight(rt.ID)
	if res.SSE {
		c.metrics.DecSSEInflight(rt.ID)
	}
	if res.UpstreamResult != "" {
		c.metrics.ObserveUpstream(rt.ID, res.UpstreamHost, res.UpstreamResult, res.UpstreamDuration)
	}

	obs.sse = res.SSE
	obs.bytesSent = res.BytesSent

	if res.ErrCode != "" {
		c.serveError(sw, obs, res.ErrCode)
		return
	}
	if res.StreamErr != nil {
		c.logger.Warn("response stream aborted",
			"request_id", requestID,
			"route_id", rt.ID,
			"error", res.StreamErr,
		)
		c.complete(obs, observability.OutcomeForwarded, sw.code)
		// Headers were already committed. Returning normally would close
		// the chunked body cleanly and a truncated response would read as
		// a complete one; aborting severs the connection instead.
		panic(http.ErrAbortHandler)
	}
	c.complete(obs, observability.OutcomeForwarded, sw.code)
}

// serveError writes the fixed JSON error body for code and accounts for
// the request with the code as its outcome.
func (c *Chain) serveError(w *statusWriter, obs observation, code proxy.ErrorCode) {
	proxy.WriteError(w, code)
	c.complete(obs, string(code), w.code)
}

// complete records one finished request everywhere it is visible: the
// Prometheus metrics, the rolling usage summary, the usage event stream,
// and the access log. Log severity follows the status class.
func (c *Chain) complete(obs observation, outcome string, status int) {
	duration := time.Since(obs.started)

	c.metrics.ObserveRequest(obs.routeID, obs.method, outcome, status, duration)
	c.summary.ObserveRequest(obs.routeID, obs.tokenLabel)

	switch outcome {
	case observability.OutcomeForwarded:
		c.metrics.IncForwarded()
	case observability.OutcomeCORSPreflight:
		// Neither forwarded nor rejected.
	case string(proxy.ErrorUpstreamConnect), string(proxy.ErrorUpstreamRequest), string(proxy.ErrorUpstreamTimeout):
		c.metrics.IncUpstreamErrors()
	default:
		c.metrics.IncRejected()
	}

	if c.emitter != nil {
		c.emitter.Emit(events.RequestEvent{
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			RequestID:  obs.requestID,
			RouteID:    obs.routeID,
			Method:     obs.method,
			Path:       obs.path,
			StatusCode: status,
			Outcome:    outcome,
			DurationMS: duration.Milliseconds(),
			SSE:        obs.sse,
			BytesSent:  obs.bytesSent,
			TokenLabel: obs.tokenLabel,
		})
	}

	logFn := c.logger.Info
	switch {
	case status >= 500:
		logFn = c.logger.Error
	case status >= 400:
		logFn = c.logger.Warn
	}
	logFn("request completed",
		"request_id", obs.requestID,
		"method", obs.method,
		"route_id", obs.routeID,
		"path", obs.path,
		"outcome", outcome,
		"status", status,
		"duration_ms", duration.Milliseconds(),
		"bytes_sent", obs.bytesSent,
	)
}
