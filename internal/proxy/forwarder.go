// Package proxy implements the upstream side of the gateway: per-route
// HTTP clients, header transformation, and the streaming forwarder that
// bridges client connections to provider APIs.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keyfront/keyfront/internal/config"
	"github.com/keyfront/keyfront/internal/route"
)

// Result describes one upstream exchange. When ErrCode is non-empty the
// exchange failed before any response byte reached the client and the
// caller must write the JSON error; otherwise Status and BytesSent reflect
// what was relayed.
type Result struct {
	Status    int
	ErrCode   ErrorCode
	SSE       bool
	BytesSent int64

	UpstreamHost     string
	UpstreamResult   string
	UpstreamDuration time.Duration

	// StreamErr is set when the response body relay ended early (client
	// disconnect, upstream abort, or a non-SSE body overrunning its
	// deadline). The response status was already sent; this is for logs.
	StreamErr error
}

// Upstream exchange results, used as the result label on the upstream
// duration metric.
const (
	UpstreamResultOK           = "ok"
	UpstreamResultConnectError = "connect_error"
	UpstreamResultTimeout      = "timeout"
	UpstreamResultRequestError = "request_error"
)

type routeClient struct {
	upstream       *config.UpstreamConfig
	client         *http.Client
	requestTimeout time.Duration
}

// Forwarder issues upstream requests and streams responses back. One HTTP
// client per route, built once at startup so connection pools, egress proxy
// settings, and timeouts stay per-route.
type Forwarder struct {
	routes map[string]*routeClient
}

// NewForwarder builds the per-route clients. Routes must already be
// validated; an error here means an egress proxy could not be constructed.
func NewForwarder(routes []config.RouteConfig) (*Forwarder, error) {
	f := &Forwarder{routes: make(map[string]*routeClient, len(routes))}
	for i := range routes {
		rc := &routes[i]
		client, err := NewClient(&rc.Upstream)
		if err != nil {
			return nil, err
		}
		f.routes[rc.ID] = &routeClient{
			upstream:       &rc.Upstream,
			client:         client,
			requestTimeout: rc.Upstream.RequestTimeout(),
		}
	}
	return f, nil
}

// Forward sends the inbound request to the route's upstream and streams the
// response to w. Response headers other than hop-by-hop ones are relayed
// verbatim, each body chunk is flushed as it arrives, and the write path
// applies no buffering of its own.
//
// The route's request timeout is armed when the upstream send begins. For
// SSE responses it bounds only the time to response headers; once the
// stream is confirmed the timer is disarmed and the relay runs until EOF or
// disconnect. For everything else the same deadline also covers the body,
// and expiry mid-body aborts the stream (the client observes truncation).
//
// onResponse, when non-nil, is invoked once after the upstream response is
// classified and before any byte is relayed, so callers can account for the
// stream while it is still running.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, rt *route.Route, onResponse func(sse bool)) Result {
	// The escaped path keeps percent-encoded octets exactly as the client
	// sent them; decoding and re-encoding could change path structure.
	upstreamURL := rt.UpstreamURL(r.URL.EscapedPath(), r.URL.RawQuery)
	res := Result{UpstreamHost: hostLabel(upstreamURL)}

	rc, ok := f.routes[rt.ID]
	if !ok {
		// Table and forwarder are built from the same route list, so this
		// only fires if they ever diverge.
		res.ErrCode = ErrorUpstreamRequest
		res.UpstreamResult = UpstreamResultRequestError
		return res
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var timedOut atomic.Bool
	timer := time.AfterFunc(rc.requestTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, r.Body)
	if err != nil {
		res.ErrCode = ErrorInvalidUpstreamPath
		return res
	}
	req.Header = PrepareUpstreamHeaders(r.Header, rc.upstream)
	req.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		// A zero ContentLength with a non-nil body would be sent chunked.
		req.Body = http.NoBody
	}

	started := time.Now()
	resp, err := rc.client.Do(req)
	res.UpstreamDuration = time.Since(started)
	if err != nil {
		if timedOut.Load() {
			res.UpstreamResult = UpstreamResultTimeout
			res.ErrCode = ErrorUpstreamTimeout
			return res
		}
		res.UpstreamResult = upstreamResultLabel(err)
		res.ErrCode = classifyUpstreamError(err)
		return res
	}
	defer resp.Body.Close()
	res.UpstreamResult = UpstreamResultOK

	res.SSE = IsSSEContentType(resp.Header.Get("Content-Type"))
	if res.SSE {
		// SSE streams are exempt from the total deadline; only the
		// header phase was bounded.
		timer.Stop()
	}
	if onResponse != nil {
		onResponse(res.SSE)
	}

	dst := w.Header()
	for name, values := range SanitizeResponseHeaders(resp.Header) {
		dst[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	res.Status = resp.StatusCode

	n, streamErr := relayBody(w, resp.Body)
	res.BytesSent = n
	if streamErr != nil && timedOut.Load() {
		streamErr = errors.New("upstream response exceeded request timeout")
	}
	res.StreamErr = streamErr
	return res
}

// relayBody copies the upstream body to the client, flushing after every
// chunk so streams are delivered as they arrive.
func relayBody(w http.ResponseWriter, body io.Reader) (int64, error) {
	ctrl := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if ferr := ctrl.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return written, ferr
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

func hostLabel(upstreamURL string) string {
	u, err := url.Parse(upstreamURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// upstreamResultLabel classifies a send failure for the duration metric.
// Dial-phase failures count as connect errors even when they are also
// timeouts, mirroring how the response code mapping below treats timeouts
// first.
func upstreamResultLabel(err error) string {
	if isConnectError(err) {
		return UpstreamResultConnectError
	}
	if isTimeoutError(err) {
		return UpstreamResultTimeout
	}
	return UpstreamResultRequestError
}

// classifyUpstreamError maps a send failure to the gateway error code.
// Timeouts of any phase become upstream_timeout (504); non-timeout dial
// failures become upstream_connect_error (502); the rest is
// upstream_request_error (502).
func classifyUpstreamError(err error) ErrorCode {
	if isTimeoutError(err) {
		return ErrorUpstreamTimeout
	}
	if isConnectError(err) {
		return ErrorUpstreamConnect
	}
	return ErrorUpstreamRequest
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	// "dial" covers direct and HTTP-proxy dialing ("proxyconnect" wraps a
	// dial); the SOCKS dialer reports ops like "socks connect".
	return opErr.Op == "dial" || opErr.Op == "proxyconnect" || strings.HasPrefix(opErr.Op, "socks")
}
