package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

// ---------------------------------------------------------------------------
// Test framework
// ---------------------------------------------------------------------------

type testResult struct {
	name   string
	passed bool
	detail string
}

type testCase struct {
	name     string
	scenario string // gateway scenario name (for log attribution)
	fn       func() testResult
}

// runAllTests loads the harness state written by setup, verifies every
// gateway scenario is reachable, runs all tests, and writes a report file.
func runAllTests() bool {
	runStart := time.Now()

	st, err := loadState()
	if err != nil {
		fatal("no e2e state (%v) — run `go run ./e2e setup` first", err)
	}

	info("Waiting for gateway scenarios to become reachable...")
	for _, name := range scenarioNames {
		sc, ok := st.Scenarios[name]
		if !ok {
			fatal("scenario %q missing from state — rerun setup", name)
		}
		if err := waitForGateway(name, sc.AdminURL); err != nil {
			fatal("gateway %q not reachable: %v", name, err)
		}
		info("  ✓ %s reachable", name)
	}

	cases := allTestCases(st)
	entries := make([]TestEntry, 0, len(cases))
	passCount, failCount := 0, 0

	for i, tc := range cases {
		fmt.Printf("\n[%d/%d] %s\n", i+1, len(cases), tc.name)

		tStart := time.Now()
		r := tc.fn()
		elapsed := time.Since(tStart)

		entry := TestEntry{
			Index:         i + 1,
			Name:          tc.name,
			TestID:        r.name,
			Passed:        r.passed,
			Detail:        r.detail,
			Duration:      elapsed,
			DurationHuman: elapsed.Round(time.Millisecond).String(),
		}
		entries = append(entries, entry)

		if r.passed {
			passCount++
			fmt.Printf("  ✅ PASS: %s (%s)\n", r.detail, entry.DurationHuman)
		} else {
			failCount++
			fmt.Printf("  ❌ FAIL: %s (%s)\n", r.detail, entry.DurationHuman)
		}
	}

	allPassed := failCount == 0

	// Summary.
	fmt.Printf("\n%s\n", strings.Repeat("-", 60))
	fmt.Printf("Results: %d passed, %d failed, %d total\n", passCount, failCount, len(entries))
	fmt.Printf("%s\n", strings.Repeat("-", 60))

	for _, e := range entries {
		mark := "✅"
		if !e.Passed {
			mark = "❌"
		}
		fmt.Printf("  %s %s\n", mark, e.TestID)
	}

	// Collect process logs when there are failures.
	var processLogs []ProcessLog
	if !allPassed {
		info("Collecting process logs for failure diagnostics...")
		processLogs = collectProcessLogs(st)
	}

	// Build and write report.
	report := &Report{
		Timestamp:   runStart,
		Duration:    time.Since(runStart),
		PassCount:   passCount,
		FailCount:   failCount,
		TotalCount:  len(entries),
		AllPassed:   allPassed,
		Tests:       entries,
		ProcessLogs: processLogs,
	}

	reportPath := writeReport(report)
	if reportPath != "" {
		fmt.Printf("\n📄 Report: %s\n", reportPath)
	}

	return allPassed
}

// ---------------------------------------------------------------------------
// Test definitions
// ---------------------------------------------------------------------------

func allTestCases(st *harnessState) []testCase {
	core := st.Scenarios[scenarioCore]
	rl := st.Scenarios[scenarioRateLimit]
	down := st.Scenarios[scenarioDownstream]
	upg := st.Scenarios[scenarioUpstreamGate]
	stream := st.Scenarios[scenarioStreaming]
	egress := st.Scenarios[scenarioEgress]
	tlsSc := st.Scenarios[scenarioTLS]

	return []testCase{
		// Routing & rewriting
		{"Routing — prefix strip and upstream base path", scenarioCore, func() testResult { return testRouteRewrite(core.BaseURL) }},
		{"Routing — longest prefix wins", scenarioCore, func() testResult { return testLongestPrefix(core.BaseURL) }},
		{"Routing — unknown path → 404 route_not_found", scenarioCore, func() testResult { return testRouteNotFound(core.BaseURL) }},
		{"Routing — prefixes match on segment boundaries", scenarioCore, func() testResult { return testSegmentBoundary(core.BaseURL) }},
		{"Routing — method, query, and body relayed", scenarioCore, func() testResult { return testMethodBodyRelay(core.BaseURL) }},

		// Ingress auth & credential injection
		{"Auth — missing token → 401", scenarioCore, func() testResult { return testAuthMissing(core.BaseURL) }},
		{"Auth — unknown token → 401", scenarioCore, func() testResult { return testAuthUnknown(core.BaseURL) }},
		{"Auth — header token source accepted", scenarioCore, func() testResult { return testAuthHeaderSource(core.BaseURL) }},
		{"Credentials — Authorization replaced from environment", scenarioCore, func() testResult { return testCredentialInjection(core.BaseURL) }},
		{"Credentials — each route injects its own keys", scenarioCore, func() testResult { return testPerRouteCredentials(core.BaseURL) }},

		// Header hygiene
		{"Headers — client IP and internal headers stripped", scenarioCore, func() testResult { return testHeaderStripping(core.BaseURL) }},
		{"Headers — forward_xff preserves X-Forwarded-For", scenarioCore, func() testResult { return testForwardXFF(core.BaseURL) }},

		// Request correlation
		{"Request ID — issued and unique per request", scenarioCore, func() testResult { return testRequestIDIssued(core.BaseURL) }},
		{"Request ID — valid inbound ID kept and forwarded", scenarioCore, func() testResult { return testRequestIDPreserved(core.BaseURL) }},

		// CORS
		{"CORS — preflight for allowed origin → 204", scenarioCore, func() testResult { return testCORSPreflightAllowed(core.BaseURL) }},
		{"CORS — preflight for unknown origin → 403", scenarioCore, func() testResult { return testCORSPreflightDenied(core.BaseURL) }},
		{"CORS — bare-host entry matches any scheme and port", scenarioCore, func() testResult { return testCORSBareHost(core.BaseURL) }},
		{"CORS — actual responses carry origin headers", scenarioCore, func() testResult { return testCORSActual(core.BaseURL) }},

		// Health
		{"Health — /healthz open on the main listener", scenarioCore, func() testResult { return testHealthzMain(core.BaseURL) }},

		// Rate limiting
		{"Rate limit — quota exhaustion → 429", scenarioRateLimit, func() testResult { return testRateLimitExhaustion(rl.BaseURL) }},
		{"Rate limit — Retry-After within the minute window", scenarioRateLimit, func() testResult { return testRetryAfter(rl.BaseURL) }},
		{"Rate limit — windows are per token", scenarioRateLimit, func() testResult { return testRateLimitPerToken(rl.BaseURL) }},
		{"Rate limit — windows are per route", scenarioRateLimit, func() testResult { return testRateLimitPerRoute(rl.BaseURL) }},

		// Admission gates
		{"Gates — downstream cap rejects overflow and reopens", scenarioDownstream, func() testResult { return testDownstreamGate(down.BaseURL) }},
		{"Gates — per-key upstream cap rejects second stream", scenarioUpstreamGate, func() testResult { return testUpstreamGate(upg.BaseURL) }},
		{"Gates — no contention across keys or routes", scenarioUpstreamGate, func() testResult { return testUpstreamGateScoping(upg.BaseURL) }},

		// Streaming & timeouts
		{"Streaming — SSE exempt from request timeout after headers", scenarioStreaming, func() testResult { return testSSEExemption(stream.BaseURL) }},
		{"Streaming — stalled upstream → 504 upstream_timeout", scenarioStreaming, func() testResult { return testStallTimeout(stream.BaseURL) }},
		{"Streaming — non-SSE body truncated at the deadline", scenarioStreaming, func() testResult { return testTrickleTruncation(stream.BaseURL) }},

		// Upstream failures & egress
		{"Upstream — connection refused → 502 upstream_connect_error", scenarioCore, func() testResult { return testUpstreamConnectRefused(core.BaseURL) }},
		{"Egress — authenticated forward proxy relays traffic", scenarioEgress, func() testResult { return testEgressViaProxy(egress.BaseURL) }},
		{"Egress — routes without proxy config dial direct", scenarioEgress, func() testResult { return testEgressDirect(egress.BaseURL) }},
		{"Egress — forward proxy rejects missing credentials", scenarioEgress, func() testResult { return testProxyAuthRequired(st.ProxyAddr, st.BackendURL) }},

		// Protocols
		{"Protocol — HTTP/2 (h2c) on the main listener", scenarioCore, func() testResult { return testH2CGateway(core.BaseURL) }},
		{"Protocol — HTTPS negotiates HTTP/2 and advertises HTTP/3", scenarioTLS, func() testResult { return testHTTPSALPN(tlsSc.BaseURL) }},
		{"Protocol — HTTP/3 (QUIC) end to end", scenarioTLS, func() testResult { return testHTTP3(tlsSc.BaseURL) }},
		{"Protocol — concurrent load with no spurious failures", scenarioCore, func() testResult { return testConcurrentTraffic(core.BaseURL) }},

		// TLS rotation
		{"TLS — certificate rotation without restart", scenarioTLS, func() testResult { return testCertRotation(tlsSc.BaseURL, st.CertFile, st.KeyFile) }},

		// Admin surface — last, so the traffic above shows up in the
		// metrics and the usage summary.
		{"Admin — /healthz and /readyz are open", scenarioCore, func() testResult { return testAdminHealth(core.AdminURL) }},
		{"Admin — /metrics requires the bearer token", scenarioCore, func() testResult { return testMetricsAuth(core.AdminURL) }},
		{"Admin — /metrics exposes request series", scenarioCore, func() testResult { return testMetricsExposition(core.AdminURL) }},
		{"Admin — /metrics/summary reports rolling usage", scenarioCore, func() testResult { return testUsageSummary(core.AdminURL) }},
	}
}

// ---------------------------------------------------------------------------
// Routing & rewriting
// ---------------------------------------------------------------------------

func testRouteRewrite(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/openai/chat/completions?stream=false", e2eToken, nil, nil)
	if err != nil {
		return fail("route-rewrite", "request error: %v", err)
	}

	backendHdr := resp.Header.Get("X-Backend")
	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("route-rewrite", "%v", err)
	}

	if backendHdr != "testbackend" {
		return fail("route-rewrite", "X-Backend header missing — response not relayed from the origin")
	}
	if echo.Path != "/v1/chat/completions" {
		return fail("route-rewrite", "origin saw path %q, want /v1/chat/completions", echo.Path)
	}
	if echo.Query != "stream=false" {
		return fail("route-rewrite", "query string not relayed: %q", echo.Query)
	}

	return pass("route-rewrite", "/openai/chat/completions rewritten to %s", echo.Path)
}

func testLongestPrefix(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/openai/audio/speech", e2eToken, nil, nil)
	if err != nil {
		return fail("route-longest", "request error: %v", err)
	}

	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("route-longest", "%v", err)
	}

	if echo.Path != "/v1/audio-alt/speech" {
		return fail("route-longest", "origin saw path %q — shorter /openai prefix must not win", echo.Path)
	}
	if got := echo.header("Authorization"); got != "Bearer "+upstreamAudioKey {
		return fail("route-longest", "wrong credentials injected: %q — request matched the wrong route", got)
	}

	return pass("route-longest", "/openai/audio matched over /openai, origin path %s", echo.Path)
}

func testRouteNotFound(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/nope/models", e2eToken, nil, nil)
	if err != nil {
		return fail("route-404", "request error: %v", err)
	}

	requestID := resp.Header.Get("X-Request-Id")

	if resp.StatusCode != http.StatusNotFound {
		drainClose(resp)
		return fail("route-404", "expected 404, got %d", resp.StatusCode)
	}
	if code := errorCode(resp); code != "route_not_found" {
		return fail("route-404", "wrong error code: %q", code)
	}
	if requestID == "" {
		return fail("route-404", "404 carried no X-Request-Id")
	}

	return pass("route-404", "404 route_not_found with request ID %s", requestID)
}

func testSegmentBoundary(base string) testResult {
	// /openaix shares the byte prefix "openai" but is a different segment.
	resp, err := doGatewayRequest(http.MethodGet, base+"/openaix/models", e2eToken, nil, nil)
	if err != nil {
		return fail("route-segment", "request error: %v", err)
	}

	if resp.StatusCode != http.StatusNotFound {
		drainClose(resp)
		return fail("route-segment", "expected 404 for /openaix, got %d — prefix matched mid-segment", resp.StatusCode)
	}
	if code := errorCode(resp); code != "route_not_found" {
		return fail("route-segment", "wrong error code: %q", code)
	}

	return pass("route-segment", "/openaix did not match the /openai route")
}

func testMethodBodyRelay(base string) testResult {
	payload := `{"input":"hello keyfront"}`
	resp, err := doGatewayRequest(http.MethodPost, base+"/openai/embeddings", e2eToken,
		map[string]string{"Content-Type": "application/json"}, strings.NewReader(payload))
	if err != nil {
		return fail("route-relay", "request error: %v", err)
	}

	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("route-relay", "%v", err)
	}

	if echo.Method != http.MethodPost {
		return fail("route-relay", "origin saw method %s, want POST", echo.Method)
	}
	if echo.Body != payload {
		return fail("route-relay", "body not relayed verbatim: %q", echo.Body)
	}
	if ct := echo.header("Content-Type"); ct != "application/json" {
		return fail("route-relay", "Content-Type not relayed: %q", ct)
	}

	return pass("route-relay", "POST with %d-byte JSON body relayed", len(payload))
}

// ---------------------------------------------------------------------------
// Ingress auth & credential injection
// ---------------------------------------------------------------------------

func testAuthMissing(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/openai/models", "", nil, nil)
	if err != nil {
		return fail("auth-missing", "request error: %v", err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		drainClose(resp)
		return fail("auth-missing", "expected 401, got %d", resp.StatusCode)
	}
	if code := errorCode(resp); code != "unauthorized" {
		return fail("auth-missing", "wrong error code: %q", code)
	}

	return pass("auth-missing", "request without a token refused with 401")
}

func testAuthUnknown(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/openai/models", "sk-e2e-not-a-real-token", nil, nil)
	if err != nil {
		return fail("auth-unknown", "request error: %v", err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		drainClose(resp)
		return fail("auth-unknown", "expected 401, got %d", resp.StatusCode)
	}
	if code := errorCode(resp); code != "unauthorized" {
		return fail("auth-unknown", "wrong error code: %q", code)
	}

	return pass("auth-unknown", "unrecognized token refused with 401")
}

func testAuthHeaderSource(base string) testResult {
	// No Authorization header at all: the token arrives via x-api-key,
	// the second configured token source.
	resp, err := doGatewayRequest(http.MethodGet, base+"/anthropic/messages", "",
		map[string]string{"X-Api-Key": e2eToken}, nil)
	if err != nil {
		return fail("auth-header-source", "request error: %v", err)
	}

	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("auth-header-source", "%v", err)
	}

	// The ingress credential must not leak upstream: the route injects
	// its own x-api-key over it.
	if got := echo.header("X-Api-Key"); got != upstreamAnthropicKey {
		return fail("auth-header-source", "origin saw x-api-key %q, want the injected upstream key", got)
	}

	return pass("auth-header-source", "x-api-key token accepted and replaced with the upstream key")
}

func testCredentialInjection(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/openai/models", e2eToken, nil, nil)
	if err != nil {
		return fail("cred-inject", "request error: %v", err)
	}

	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("cred-inject", "%v", err)
	}

	if got := echo.header("Authorization"); got != "Bearer "+upstreamOpenAIKey {
		return fail("cred-inject", "origin saw Authorization %q — client token not replaced or ${E2E_OPENAI_KEY} not interpolated", got)
	}
	if got := echo.header("Openai-Organization"); got != "org-e2e-keyfront" {
		return fail("cred-inject", "OpenAI-Organization not injected: %q", got)
	}

	return pass("cred-inject", "client bearer replaced with the env-interpolated upstream key")
}

func testPerRouteCredentials(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/anthropic/messages", e2eToken, nil, nil)
	if err != nil {
		return fail("cred-per-route", "request error: %v", err)
	}

	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("cred-per-route", "%v", err)
	}

	if got := echo.header("X-Api-Key"); got != upstreamAnthropicKey {
		return fail("cred-per-route", "origin saw x-api-key %q, want the anthropic route key", got)
	}
	if got := echo.header("Anthropic-Version"); got != "2023-06-01" {
		return fail("cred-per-route", "anthropic-version not injected: %q", got)
	}
	// The route lists authorization in remove_headers, so the ingress
	// bearer must not reach the origin.
	if got := echo.header("Authorization"); got != "" {
		return fail("cred-per-route", "ingress bearer leaked upstream: %q", got)
	}

	return pass("cred-per-route", "anthropic route injected its own keys and dropped the ingress bearer")
}

// ---------------------------------------------------------------------------
// Header hygiene
// ---------------------------------------------------------------------------

func testHeaderStripping(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/openai/models", e2eToken, map[string]string{
		"X-Forwarded-For": "198.51.100.9",
		"X-Real-Ip":       "198.51.100.9",
		"X-Internal-Tag":  "staging-rollout",
	}, nil)
	if err != nil {
		return fail("hdr-strip", "request error: %v", err)
	}

	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("hdr-strip", "%v", err)
	}

	if got := echo.header("X-Forwarded-For"); got != "" {
		return fail("hdr-strip", "X-Forwarded-For leaked upstream: %q", got)
	}
	if got := echo.header("X-Real-Ip"); got != "" {
		return fail("hdr-strip", "X-Real-Ip leaked upstream: %q", got)
	}
	if got := echo.header("X-Internal-Tag"); got != "" {
		return fail("hdr-strip", "remove_headers entry leaked upstream: %q", got)
	}

	return pass("hdr-strip", "client IP and remove_headers entries absent at the origin")
}

func testForwardXFF(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/anthropic/messages", e2eToken,
		map[string]string{"X-Forwarded-For": "203.0.113.7"}, nil)
	if err != nil {
		return fail("hdr-xff", "request error: %v", err)
	}

	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("hdr-xff", "%v", err)
	}

	if got := echo.header("X-Forwarded-For"); got != "203.0.113.7" {
		return fail("hdr-xff", "forward_xff route saw X-Forwarded-For %q, want the inbound value", got)
	}

	return pass("hdr-xff", "X-Forwarded-For preserved on the forward_xff route")
}

// ---------------------------------------------------------------------------
// Request correlation
// ---------------------------------------------------------------------------

func testRequestIDIssued(base string) testResult {
	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := doGatewayRequest(http.MethodGet, base+"/openai/models", e2eToken, nil, nil)
		if err != nil {
			return fail("reqid-issued", "request error: %v", err)
		}
		drainClose(resp)
		ids = append(ids, resp.Header.Get("X-Request-Id"))
	}

	if ids[0] == "" || ids[1] == "" {
		return fail("reqid-issued", "response missing X-Request-Id")
	}
	if ids[0] == ids[1] {
		return fail("reqid-issued", "two requests shared request ID %s", ids[0])
	}

	return pass("reqid-issued", "unique IDs issued: %s, %s", ids[0], ids[1])
}

func testRequestIDPreserved(base string) testResult {
	const inbound = "e2e-fixed-id-0001.a"

	resp, err := doGatewayRequest(http.MethodGet, base+"/openai/models", e2eToken,
		map[string]string{"X-Request-Id": inbound}, nil)
	if err != nil {
		return fail("reqid-preserved", "request error: %v", err)
	}

	responseID := resp.Header.Get("X-Request-Id")
	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("reqid-preserved", "%v", err)
	}

	if responseID != inbound {
		return fail("reqid-preserved", "response ID %q, want the inbound %q", responseID, inbound)
	}
	if got := echo.header("X-Request-Id"); got != inbound {
		return fail("reqid-preserved", "origin saw X-Request-Id %q, want %q", got, inbound)
	}

	return pass("reqid-preserved", "inbound ID echoed to the client and forwarded upstream")
}

// ---------------------------------------------------------------------------
// CORS
// ---------------------------------------------------------------------------

func testCORSPreflightAllowed(base string) testResult {
	const origin = "https://console.example.com"

	// Preflights carry no gateway token; they must pass without one.
	resp, err := doGatewayRequest(http.MethodOptions, base+"/openai/chat/completions", "", map[string]string{
		"Origin":                         origin,
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "authorization, content-type",
	}, nil)
	if err != nil {
		return fail("cors-preflight", "request error: %v", err)
	}
	drainClose(resp)

	if resp.StatusCode != http.StatusNoContent {
		return fail("cors-preflight", "expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != origin {
		return fail("cors-preflight", "Allow-Origin %q, want %q", got, origin)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		return fail("cors-preflight", "Allow-Methods %q does not include POST", got)
	}
	if resp.Header.Get("Access-Control-Allow-Headers") == "" {
		return fail("cors-preflight", "Allow-Headers missing")
	}

	return pass("cors-preflight", "204 with negotiation headers, no token required")
}

func testCORSPreflightDenied(base string) testResult {
	resp, err := doGatewayRequest(http.MethodOptions, base+"/openai/chat/completions", "", map[string]string{
		"Origin":                        "https://evil.example.com",
		"Access-Control-Request-Method": "POST",
	}, nil)
	if err != nil {
		return fail("cors-denied", "request error: %v", err)
	}

	if resp.StatusCode != http.StatusForbidden {
		drainClose(resp)
		return fail("cors-denied", "expected 403, got %d", resp.StatusCode)
	}
	if code := errorCode(resp); code != "cors_origin_not_allowed" {
		return fail("cors-denied", "wrong error code: %q", code)
	}

	return pass("cors-denied", "unknown origin refused with 403 cors_origin_not_allowed")
}

func testCORSBareHost(base string) testResult {
	// allow_origins lists the bare host "app.internal"; both schemes of
	// that host must match the single entry.
	for _, origin := range []string{"http://app.internal", "https://app.internal"} {
		resp, err := doGatewayRequest(http.MethodOptions, base+"/openai/chat/completions", "", map[string]string{
			"Origin":                        origin,
			"Access-Control-Request-Method": "GET",
		}, nil)
		if err != nil {
			return fail("cors-bare-host", "request error: %v", err)
		}
		drainClose(resp)

		if resp.StatusCode != http.StatusNoContent {
			return fail("cors-bare-host", "origin %s: expected 204, got %d", origin, resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != origin {
			return fail("cors-bare-host", "origin %s: Allow-Origin %q, want the request origin", origin, got)
		}
	}

	return pass("cors-bare-host", "bare-host entry matched app.internal under both schemes")
}

func testCORSActual(base string) testResult {
	const origin = "https://console.example.com"

	resp, err := doGatewayRequest(http.MethodGet, base+"/openai/models", e2eToken,
		map[string]string{"Origin": origin}, nil)
	if err != nil {
		return fail("cors-actual", "request error: %v", err)
	}
	drainClose(resp)

	if resp.StatusCode != http.StatusOK {
		return fail("cors-actual", "expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != origin {
		return fail("cors-actual", "Allow-Origin %q, want %q", got, origin)
	}
	if vary := resp.Header.Get("Vary"); !strings.Contains(vary, "Origin") {
		return fail("cors-actual", "Vary %q does not include Origin", vary)
	}
	if got := resp.Header.Get("Access-Control-Expose-Headers"); !strings.Contains(got, "x-request-id") {
		return fail("cors-actual", "Expose-Headers %q missing x-request-id", got)
	}

	return pass("cors-actual", "proxied response decorated for %s", origin)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func testHealthzMain(base string) testResult {
	// No token: liveness is answered before auth.
	resp, err := doGatewayRequest(http.MethodGet, base+"/healthz", "", nil, nil)
	if err != nil {
		return fail("healthz-main", "request error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail("healthz-main", "expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) {
		return fail("healthz-main", "unexpected body: %s", body)
	}

	return pass("healthz-main", "/healthz answered 200 without a token")
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func testRateLimitExhaustion(base string) testResult {
	// per_minute=3; ten back-to-back requests cross at most one window
	// boundary, so at least 4 must be limited and at least 3 admitted.
	ok200, ok429 := sendBurst(base+"/api/v1/complete", rlToken("a"), 10)

	if ok200 < 3 {
		return fail("rl-exhaust", "expected ≥3 admitted within quota, got 200s=%d 429s=%d", ok200, ok429)
	}
	if ok429 < 4 {
		return fail("rl-exhaust", "expected ≥4 limited, got 200s=%d 429s=%d", ok200, ok429)
	}
	if ok200+ok429 != 10 {
		return fail("rl-exhaust", "unexpected status codes in burst: 200s=%d 429s=%d of 10", ok200, ok429)
	}

	return pass("rl-exhaust", "%d admitted, %d limited with per_minute=3", ok200, ok429)
}

func testRetryAfter(base string) testResult {
	// Up to 8 tries: even if a minute boundary rolls over mid-loop, at
	// most 6 requests fit the two windows, so a 429 must show up.
	for i := 0; i < 8; i++ {
		resp, err := doGatewayRequest(http.MethodGet, base+"/api/v1/complete", rlToken("b"), nil, nil)
		if err != nil {
			return fail("retry-after", "request error: %v", err)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			drainClose(resp)
			continue
		}

		ra := resp.Header.Get("Retry-After")
		code := errorCode(resp)
		if code != "rate_limited" {
			return fail("retry-after", "wrong error code on 429: %q", code)
		}
		secs, err := strconv.Atoi(ra)
		if err != nil {
			return fail("retry-after", "Retry-After not an integer: %q", ra)
		}
		if secs < 1 || secs > 60 {
			return fail("retry-after", "Retry-After %d outside the minute window", secs)
		}
		return pass("retry-after", "429 rate_limited with Retry-After: %ds", secs)
	}

	return fail("retry-after", "never rate limited in 8 requests with per_minute=3")
}

func testRateLimitPerToken(base string) testResult {
	ok200, ok429 := sendBurst(base+"/api/v1/complete", rlToken("c"), 7)
	if ok429 == 0 {
		return fail("rl-per-token", "token c never limited (200s=%d) — cannot prove isolation", ok200)
	}

	// Immediately after c was limited, a fresh token must still be admitted.
	resp, err := doGatewayRequest(http.MethodGet, base+"/api/v1/complete", rlToken("d"), nil, nil)
	if err != nil {
		return fail("rl-per-token", "request error: %v", err)
	}
	drainClose(resp)

	if resp.StatusCode != http.StatusOK {
		return fail("rl-per-token", "token d got %d while token c was limited", resp.StatusCode)
	}

	return pass("rl-per-token", "token c limited (%d/7), token d still admitted", ok429)
}

func testRateLimitPerRoute(base string) testResult {
	ok200, ok429 := sendBurst(base+"/api/v1/complete", rlToken("e"), 7)
	if ok429 == 0 {
		return fail("rl-per-route", "token e never limited on /api (200s=%d)", ok200)
	}

	// The same token on a different route counts in its own window.
	resp, err := doGatewayRequest(http.MethodGet, base+"/alt/ping", rlToken("e"), nil, nil)
	if err != nil {
		return fail("rl-per-route", "request error: %v", err)
	}
	drainClose(resp)

	if resp.StatusCode != http.StatusOK {
		return fail("rl-per-route", "token e got %d on /alt while limited on /api", resp.StatusCode)
	}

	return pass("rl-per-route", "token e limited on /api (%d/7) but admitted on /alt", ok429)
}

// ---------------------------------------------------------------------------
// Admission gates
// ---------------------------------------------------------------------------

// holdRequest issues a request expected to stall at the origin for a while,
// reporting any unexpected outcome on errs.
func holdRequest(url string, errs chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()

	resp, err := doGatewayRequest(http.MethodGet, url, e2eToken, nil, nil)
	if err != nil {
		errs <- fmt.Errorf("stalled holder: %v", err)
		return
	}
	drainClose(resp)
	if resp.StatusCode != http.StatusOK {
		errs <- fmt.Errorf("stalled holder got %d", resp.StatusCode)
	}
}

// probeFor503 polls url while holders are in flight and returns the error
// body code of the first 503 it sees, or "" if none shows up in time.
func probeFor503(url string) string {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := doGatewayRequest(http.MethodGet, url, e2eToken, nil, nil)
		if err == nil {
			if resp.StatusCode == http.StatusServiceUnavailable {
				return errorCode(resp)
			}
			drainClose(resp)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ""
}

// probe200 reports whether url answers 200.
func probe200(url string) bool {
	resp, err := doGatewayRequest(http.MethodGet, url, e2eToken, nil, nil)
	if err != nil {
		return false
	}
	drainClose(resp)
	return resp.StatusCode == http.StatusOK
}

func testDownstreamGate(base string) testResult {
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	// Occupy both downstream slots with requests stalled at the origin.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go holdRequest(base+"/api/stall?ms=2500", errs, &wg)
	}

	code := probeFor503(base + "/api/echo")

	wg.Wait()
	close(errs)
	for err := range errs {
		return fail("gate-downstream", "%v", err)
	}

	if code == "" {
		return fail("gate-downstream", "no 503 observed while both slots were held")
	}
	if code != "downstream_concurrency_exceeded" {
		return fail("gate-downstream", "wrong error code on 503: %q", code)
	}

	// The gate must reopen once the stalled requests complete.
	if err := pollUntil(5*time.Second, "downstream gate reopen", func() bool {
		return probe200(base + "/api/echo")
	}); err != nil {
		return fail("gate-downstream", "gate did not reopen: %v", err)
	}

	return pass("gate-downstream", "overflow rejected with downstream_concurrency_exceeded, gate reopened after drain")
}

func testUpstreamGate(base string) testResult {
	var wg sync.WaitGroup
	errs := make(chan error, 1)

	wg.Add(1)
	go holdRequest(base+"/keyed/stall?ms=2500", errs, &wg)

	code := probeFor503(base + "/keyed/echo")

	wg.Wait()
	close(errs)
	for err := range errs {
		return fail("gate-upstream", "%v", err)
	}

	if code == "" {
		return fail("gate-upstream", "no 503 observed while the single slot was held")
	}
	if code != "upstream_concurrency_exceeded" {
		return fail("gate-upstream", "wrong error code on 503: %q", code)
	}

	if err := pollUntil(5*time.Second, "upstream gate reopen", func() bool {
		return probe200(base + "/keyed/echo")
	}); err != nil {
		return fail("gate-upstream", "gate did not reopen: %v", err)
	}

	return pass("gate-upstream", "second stream rejected with upstream_concurrency_exceeded, gate reopened")
}

func testUpstreamGateScoping(base string) testResult {
	var wg sync.WaitGroup
	errs := make(chan error, 1)

	wg.Add(1)
	go holdRequest(base+"/keyed/stall?ms=3000", errs, &wg)

	// Make sure the keyed gate really is saturated before checking the
	// neighbors.
	if code := probeFor503(base + "/keyed/echo"); code != "upstream_concurrency_exceeded" {
		wg.Wait()
		return fail("gate-scope", "keyed gate never saturated (code %q)", code)
	}

	// A different key and the same key on a different route both have
	// their own gates; neither may be affected.
	otherKeyOK := probe200(base + "/keyed2/echo")
	otherRouteOK := probe200(base + "/shared/echo")

	wg.Wait()
	close(errs)
	for err := range errs {
		return fail("gate-scope", "%v", err)
	}

	if !otherKeyOK {
		return fail("gate-scope", "route with a different upstream key was rejected")
	}
	if !otherRouteOK {
		return fail("gate-scope", "route sharing the key but not the route was rejected")
	}

	return pass("gate-scope", "keyed gate full while keyed2 and shared stayed admitted")
}

// ---------------------------------------------------------------------------
// Streaming & timeouts
// ---------------------------------------------------------------------------

func testSSEExemption(base string) testResult {
	// Five events spaced 400ms apart outlast the route's 1s request
	// timeout; the stream must survive because SSE disarms the timer
	// once headers are through.
	events, elapsed, err := collectSSE(base+"/stream/sse?count=5&interval_ms=400", e2eToken, 10*time.Second)
	if err != nil {
		return fail("sse-exempt", "SSE request failed: %v", err)
	}

	if len(events) != 5 {
		return fail("sse-exempt", "expected 5 events, got %d after %s — stream cut early", len(events), elapsed.Round(time.Millisecond))
	}
	if elapsed < 1200*time.Millisecond {
		return fail("sse-exempt", "stream finished in %s — cannot have outlived the 1s timeout", elapsed.Round(time.Millisecond))
	}

	return pass("sse-exempt", "5 events over %s with a 1s request timeout", elapsed.Round(time.Millisecond))
}

func testStallTimeout(base string) testResult {
	start := time.Now()
	resp, err := doGatewayRequest(http.MethodGet, base+"/stream/stall?ms=4000", e2eToken, nil, nil)
	elapsed := time.Since(start)
	if err != nil {
		return fail("stall-504", "expected a 504 response, got transport error: %v", err)
	}

	if resp.StatusCode != http.StatusGatewayTimeout {
		drainClose(resp)
		return fail("stall-504", "expected 504, got %d", resp.StatusCode)
	}
	if code := errorCode(resp); code != "upstream_timeout" {
		return fail("stall-504", "wrong error code: %q", code)
	}
	if elapsed >= 3*time.Second {
		return fail("stall-504", "504 after %s — deadline came from the origin, not the gateway", elapsed.Round(time.Millisecond))
	}

	return pass("stall-504", "504 upstream_timeout after %s", elapsed.Round(time.Millisecond))
}

func testTrickleTruncation(base string) testResult {
	start := time.Now()
	resp, err := doGatewayRequest(http.MethodGet, base+"/stream/trickle?pause_ms=4000", e2eToken, nil, nil)
	if err != nil {
		return fail("trickle-cut", "headers should arrive before the deadline: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		drainClose(resp)
		return fail("trickle-cut", "expected 200 before the cut, got %d", resp.StatusCode)
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	elapsed := time.Since(start)

	if strings.Contains(string(body), "part-two") {
		return fail("trickle-cut", "full body arrived after %s — deadline not enforced mid-body", elapsed.Round(time.Millisecond))
	}
	if !strings.Contains(string(body), "part-one") {
		return fail("trickle-cut", "first chunk missing: %q", body)
	}
	if readErr == nil {
		return fail("trickle-cut", "read ended cleanly — truncation must surface as an error, not a short body")
	}
	if elapsed >= 3*time.Second {
		return fail("trickle-cut", "cut after %s — origin finished first", elapsed.Round(time.Millisecond))
	}

	return pass("trickle-cut", "body cut after %s with read error: %v", elapsed.Round(time.Millisecond), readErr)
}

// ---------------------------------------------------------------------------
// Upstream failures & egress
// ---------------------------------------------------------------------------

func testUpstreamConnectRefused(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/dead/anything", e2eToken, nil, nil)
	if err != nil {
		return fail("upstream-refused", "request error: %v", err)
	}

	if resp.StatusCode != http.StatusBadGateway {
		drainClose(resp)
		return fail("upstream-refused", "expected 502, got %d", resp.StatusCode)
	}
	if code := errorCode(resp); code != "upstream_connect_error" {
		return fail("upstream-refused", "wrong error code: %q", code)
	}

	return pass("upstream-refused", "dial failure mapped to 502 upstream_connect_error")
}

func testEgressViaProxy(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/viaproxy/echo", e2eToken, nil, nil)
	if err != nil {
		return fail("egress-proxy", "request error: %v", err)
	}

	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("egress-proxy", "%v", err)
	}

	if got := echo.header("X-Proxied-By"); got != "testproxy" {
		return fail("egress-proxy", "origin saw X-Proxied-By %q — traffic did not traverse the forward proxy", got)
	}
	if got := echo.header("Authorization"); got != "Bearer "+upstreamEgressKey {
		return fail("egress-proxy", "injected credentials lost through the proxy: %q", got)
	}
	if got := echo.header("Proxy-Authorization"); got != "" {
		return fail("egress-proxy", "proxy credentials leaked to the origin: %q", got)
	}

	return pass("egress-proxy", "request relayed via the authenticated proxy with credentials intact")
}

func testEgressDirect(base string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, base+"/direct/echo", e2eToken, nil, nil)
	if err != nil {
		return fail("egress-direct", "request error: %v", err)
	}

	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("egress-direct", "%v", err)
	}

	if got := echo.header("X-Proxied-By"); got != "" {
		return fail("egress-direct", "direct route unexpectedly proxied (X-Proxied-By %q)", got)
	}

	return pass("egress-direct", "route without proxy config dialed the origin directly")
}

func testProxyAuthRequired(proxyAddr, backendURL string) testResult {
	// Sanity check on the harness proxy itself: without credentials the
	// gateway's traffic would have been refused, so the egress tests
	// above prove the configured username/password actually flowed.
	proxyURL, err := url.Parse("http://" + proxyAddr)
	if err != nil {
		return fail("egress-407", "bad proxy address: %v", err)
	}

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	resp, err := client.Get(backendURL + "/echo")
	if err != nil {
		return fail("egress-407", "proxy unreachable: %v", err)
	}
	drainClose(resp)

	if resp.StatusCode != http.StatusProxyAuthRequired {
		return fail("egress-407", "expected 407 without credentials, got %d", resp.StatusCode)
	}

	return pass("egress-407", "anonymous client refused with 407")
}

// ---------------------------------------------------------------------------
// Protocols
// ---------------------------------------------------------------------------

func testH2CGateway(base string) testResult {
	resp, err := doH2CRequest(base+"/openai/models", e2eToken)
	if err != nil {
		return fail("proto-h2c", "request error: %v", err)
	}

	proto := resp.Proto
	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("proto-h2c", "%v", err)
	}

	if proto != "HTTP/2.0" {
		return fail("proto-h2c", "client negotiated %s, want HTTP/2.0", proto)
	}
	if echo.Path != "/v1/models" {
		return fail("proto-h2c", "origin saw path %q", echo.Path)
	}

	return pass("proto-h2c", "h2c request proxied: client proto %s, origin path %s", proto, echo.Path)
}

func testHTTPSALPN(base string) testResult {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // e2e self-signed certs
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return fail("proto-https", "configure h2 transport: %v", err)
	}
	client := &http.Client{Transport: tr, Timeout: 10 * time.Second}

	req, err := http.NewRequest(http.MethodGet, base+"/api/echo", nil)
	if err != nil {
		return fail("proto-https", "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e2eToken)

	resp, err := client.Do(req)
	if err != nil {
		return fail("proto-https", "HTTPS request failed: %v", err)
	}
	drainClose(resp)

	if resp.StatusCode != http.StatusOK {
		return fail("proto-https", "expected 200, got %d", resp.StatusCode)
	}
	if resp.Proto != "HTTP/2.0" {
		return fail("proto-https", "ALPN negotiated %s, want HTTP/2.0", resp.Proto)
	}
	altSvc := resp.Header.Get("Alt-Svc")
	if !strings.Contains(altSvc, "h3") {
		return fail("proto-https", "Alt-Svc %q does not advertise h3", altSvc)
	}

	return pass("proto-https", "negotiated %s, Alt-Svc=%s", resp.Proto, altSvc)
}

func testHTTP3(base string) testResult {
	tlsCfg := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // e2e self-signed certs
	h3Client := &http.Client{
		Transport: &http3.Transport{TLSClientConfig: tlsCfg},
		Timeout:   10 * time.Second,
	}

	req, err := http.NewRequest(http.MethodGet, base+"/api/echo", nil)
	if err != nil {
		return fail("proto-h3", "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e2eToken)

	resp, err := h3Client.Do(req)
	if err != nil {
		return fail("proto-h3", "HTTP/3 request failed: %v", err)
	}

	proto := resp.Proto
	echo, err := decodeEcho(resp)
	if err != nil {
		return fail("proto-h3", "%v", err)
	}

	if echo.Path != "/echo" {
		return fail("proto-h3", "origin saw path %q", echo.Path)
	}

	return pass("proto-h3", "QUIC request proxied: client proto %s", proto)
}

func testConcurrentTraffic(base string) testResult {
	var ok200, other, errors int64
	var wg sync.WaitGroup

	for i := 0; i < 30; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			resp, err := doGatewayRequest(http.MethodGet, base+"/openai/models", e2eToken, nil, nil)
			if err != nil {
				atomic.AddInt64(&errors, 1)
				return
			}
			drainClose(resp)

			if resp.StatusCode == http.StatusOK {
				atomic.AddInt64(&ok200, 1)
			} else {
				atomic.AddInt64(&other, 1)
			}
		}()
	}

	wg.Wait()

	if errors == 0 && other == 0 {
		return pass("concurrent", "30 concurrent requests: all 200, 0 errors")
	}

	return fail("concurrent", "30 concurrent: %d ok, %d non-200, %d transport errors", ok200, other, errors)
}

// ---------------------------------------------------------------------------
// TLS rotation
// ---------------------------------------------------------------------------

func testCertRotation(base, certFile, keyFile string) testResult {
	serial1, err := getTLSSerial(base)
	if err != nil {
		return fail("cert-rotate", "initial TLS connect failed: %v", err)
	}

	// Rewrite the PEM pair in place; the gateway's watcher must pick the
	// new identity up without a restart.
	if err := writeCertPair(certFile, keyFile); err != nil {
		return fail("cert-rotate", "rotate material: %v", err)
	}

	var serial2 *big.Int
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(time.Second)

		s, err := getTLSSerial(base)
		if err != nil {
			continue // handshake may briefly fail mid-swap
		}
		if serial1.Cmp(s) != 0 {
			serial2 = s
			break
		}
	}

	if serial2 == nil {
		return fail("cert-rotate", "certificate serial unchanged 20s after rewrite (serial=%s)", serial1)
	}

	return pass("cert-rotate", "serial changed: %s → %s", serial1, serial2)
}

// getTLSSerial connects to the given HTTPS URL and returns the server
// certificate's serial number.
func getTLSSerial(base string) (*big.Int, error) {
	host := strings.TrimPrefix(base, "https://")

	conn, err := tls.DialWithDialer(
		&net.Dialer{Timeout: 5 * time.Second},
		"tcp", host,
		&tls.Config{InsecureSkipVerify: true}, //nolint:gosec // e2e self-signed certs
	)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("no peer certificates received")
	}
	return certs[0].SerialNumber, nil
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

func testAdminHealth(adminURL string) testResult {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := doGatewayRequest(http.MethodGet, adminURL+path, "", nil, nil)
		if err != nil {
			return fail("admin-health", "%s request error: %v", path, err)
		}
		drainClose(resp)
		if resp.StatusCode != http.StatusOK {
			return fail("admin-health", "%s returned %d", path, resp.StatusCode)
		}
	}

	return pass("admin-health", "/healthz and /readyz answered 200 without auth")
}

func testMetricsAuth(adminURL string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, adminURL+"/metrics", "", nil, nil)
	if err != nil {
		return fail("admin-metrics-auth", "request error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		drainClose(resp)
		return fail("admin-metrics-auth", "expected 401 without token, got %d", resp.StatusCode)
	}
	if code := errorCode(resp); code != "unauthorized" {
		return fail("admin-metrics-auth", "wrong error code: %q", code)
	}

	resp, err = doGatewayRequest(http.MethodGet, adminURL+"/metrics", "wrong-token", nil, nil)
	if err != nil {
		return fail("admin-metrics-auth", "request error: %v", err)
	}
	drainClose(resp)
	if resp.StatusCode != http.StatusUnauthorized {
		return fail("admin-metrics-auth", "expected 401 with wrong token, got %d", resp.StatusCode)
	}

	return pass("admin-metrics-auth", "missing and wrong tokens both refused with 401")
}

func testMetricsExposition(adminURL string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, adminURL+"/metrics", e2eMetricsToken, nil, nil)
	if err != nil {
		return fail("admin-metrics", "request error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail("admin-metrics", "expected 200, got %d", resp.StatusCode)
	}

	text := string(body)
	if !strings.Contains(text, "keyfront_requests_total") {
		return fail("admin-metrics", "keyfront_requests_total series missing")
	}
	if !strings.Contains(text, `route_id="openai"`) {
		return fail("admin-metrics", "no series labeled for the openai route")
	}

	return pass("admin-metrics", "request series present and labeled by route")
}

func testUsageSummary(adminURL string) testResult {
	resp, err := doGatewayRequest(http.MethodGet, adminURL+"/metrics/summary", e2eMetricsToken, nil, nil)
	if err != nil {
		return fail("admin-summary", "request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail("admin-summary", "expected 200, got %d", resp.StatusCode)
	}

	var snap struct {
		GeneratedAtUnixMS int64  `json:"generated_at_unix_ms"`
		TotalRequests1h   uint64 `json:"total_requests_1h"`
		TotalRequests24h  uint64 `json:"total_requests_24h"`
		Routes            []struct {
			RouteID     string `json:"route_id"`
			Requests24h uint64 `json:"requests_24h"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fail("admin-summary", "cannot decode summary: %v", err)
	}

	if snap.TotalRequests24h == 0 {
		return fail("admin-summary", "24h total is zero after the traffic above")
	}

	for _, rt := range snap.Routes {
		if rt.RouteID == "openai" && rt.Requests24h > 0 {
			return pass("admin-summary", "24h total %d, openai route %d requests", snap.TotalRequests24h, rt.Requests24h)
		}
	}

	return fail("admin-summary", "openai route missing from the summary (%d routes listed)", len(snap.Routes))
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

var plainClient = &http.Client{Timeout: 15 * time.Second}

var insecureClient = &http.Client{
	Timeout: 15 * time.Second,
	Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // e2e self-signed certs
	},
}

// doGatewayRequest sends one request with an optional bearer token and extra
// headers. URLs under https:// get the certificate-insecure client.
func doGatewayRequest(method, rawURL, token string, headers map[string]string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := plainClient
	if strings.HasPrefix(rawURL, "https://") {
		client = insecureClient
	}
	return client.Do(req)
}

// echoPayload mirrors the testbackend echo response.
type echoPayload struct {
	Protocol string            `json:"protocol"`
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    string            `json:"query"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
}

// header looks up a header the origin recorded, by any spelling.
func (e *echoPayload) header(name string) string {
	return e.Headers[http.CanonicalHeaderKey(name)]
}

// decodeEcho consumes and closes the response body. Non-200 responses are
// reported as errors with a body excerpt.
func decodeEcho(resp *http.Response) (*echoPayload, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("expected 200 from echo, got %d: %s", resp.StatusCode, excerpt)
	}

	var e echoPayload
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("cannot decode echo body: %v", err)
	}
	return &e, nil
}

// errorCode consumes and closes the response body and returns the "error"
// field of the gateway's JSON error envelope.
func errorCode(resp *http.Response) string {
	defer resp.Body.Close()

	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return ""
	}
	return e.Error
}

func drainClose(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// sendBurst fires count sequential requests and tallies 200s and 429s.
func sendBurst(url, token string, count int) (ok200, ok429 int) {
	for i := 0; i < count; i++ {
		resp, err := doGatewayRequest(http.MethodGet, url, token, nil, nil)
		if err != nil {
			continue
		}
		drainClose(resp)

		switch resp.StatusCode {
		case http.StatusOK:
			ok200++
		case http.StatusTooManyRequests:
			ok429++
		}
	}

	return
}

// collectSSE reads an event stream to completion (or ctx timeout) and
// returns the data lines plus how long the stream stayed open.
func collectSSE(url, token string, timeout time.Duration) ([]string, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	client := &http.Client{Timeout: 0} // no client timeout — rely on ctx
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("SSE returned %d", resp.StatusCode)
	}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}

	return events, time.Since(start), nil
}

// doH2CRequest sends a prior-knowledge HTTP/2 cleartext request, which is
// what the gateway's main listener accepts next to HTTP/1.1.
func doH2CRequest(url, token string) (*http.Response, error) {
	h2t := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			// Dial plain TCP (no TLS) for h2c.
			return net.DialTimeout(network, addr, 10*time.Second)
		},
	}
	client := &http.Client{Transport: h2t, Timeout: 10 * time.Second}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return client.Do(req)
}

// ---------------------------------------------------------------------------
// Result helpers
// ---------------------------------------------------------------------------

func pass(name, format string, args ...any) testResult {
	return testResult{name: name, passed: true, detail: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) testResult {
	return testResult{name: name, passed: false, detail: fmt.Sprintf(format, args...)}
}
