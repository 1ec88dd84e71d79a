package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Scenario names. Each one is a dedicated gateway process with its own
// generated config file, main listener, and admin listener.
const (
	scenarioCore         = "core"
	scenarioRateLimit    = "ratelimit"
	scenarioDownstream   = "downstream"
	scenarioUpstreamGate = "upstreamgate"
	scenarioStreaming    = "streaming"
	scenarioEgress       = "egress"
	scenarioTLS          = "tls"
)

// scenarioNames fixes the startup and readiness-check order.
var scenarioNames = []string{
	scenarioCore,
	scenarioRateLimit,
	scenarioDownstream,
	scenarioUpstreamGate,
	scenarioStreaming,
	scenarioEgress,
	scenarioTLS,
}

// Upstream credentials injected by the scenario configs. Tests assert these
// exact values arrive at the origin, replacing whatever the client sent.
const (
	upstreamOpenAIKey    = "sk-upstream-openai-77001"
	upstreamAudioKey     = "sk-upstream-audio-77002"
	upstreamAnthropicKey = "sk-ant-upstream-77003"
	upstreamEgressKey    = "sk-upstream-egress-77004"
	upstreamSharedKey    = "sk-upstream-shared-77005"
	upstreamOtherKey     = "sk-upstream-other-77006"
)

// rlToken returns one of the ingress tokens accepted by the ratelimit
// scenario. Each test uses its own suffix so the fixed per-minute windows
// of concurrent tests never interfere.
func rlToken(suffix string) string {
	return "sk-e2e-rl-" + suffix
}

// ---------------------------------------------------------------------------
// Harness state
// ---------------------------------------------------------------------------

// processState records one background process started by setup so a later
// teardown invocation can stop it.
type processState struct {
	Name    string `json:"name"`
	PID     int    `json:"pid"`
	LogFile string `json:"log_file"`
}

// scenarioState records where one gateway scenario listens.
type scenarioState struct {
	BaseURL  string `json:"base_url"`
	AdminURL string `json:"admin_url"`
}

// harnessState is persisted to disk between setup, test, and teardown runs.
type harnessState struct {
	StartedAt  time.Time                `json:"started_at"`
	BackendURL string                   `json:"backend_url"`
	ProxyAddr  string                   `json:"proxy_addr"`
	CertFile   string                   `json:"cert_file"`
	KeyFile    string                   `json:"key_file"`
	Scenarios  map[string]scenarioState `json:"scenarios"`
	Processes  []processState           `json:"processes"`
}

func workDir() string   { return filepath.Join(getE2EDir(), ".work") }
func binDir() string    { return filepath.Join(workDir(), "bin") }
func confDir() string   { return filepath.Join(workDir(), "conf") }
func logsDir() string   { return filepath.Join(workDir(), "logs") }
func certsDir() string  { return filepath.Join(workDir(), "certs") }
func stateFile() string { return filepath.Join(workDir(), "state.json") }

func saveState(st *harnessState) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		fatal("marshal state: %v", err)
	}
	if err := os.WriteFile(stateFile(), data, 0o644); err != nil {
		fatal("write state: %v", err)
	}
	info("State recorded in %s", stateFile())
}

func loadState() (*harnessState, error) {
	data, err := os.ReadFile(stateFile())
	if err != nil {
		return nil, err
	}
	var st harnessState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", stateFile(), err)
	}
	return &st, nil
}

// ---------------------------------------------------------------------------
// Provisioning
// ---------------------------------------------------------------------------

// setupInfrastructure builds the gateway and test binaries, starts the
// origin backend and forward proxy, then brings up one gateway process per
// scenario and waits for all of them to report ready.
func setupInfrastructure() {
	for _, dir := range []string{binDir(), confDir(), logsDir(), certsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal("create %s: %v", dir, err)
		}
	}

	buildBinaries()

	st := &harnessState{
		StartedAt: time.Now(),
		Scenarios: make(map[string]scenarioState, len(scenarioNames)),
	}

	// Origin and forward proxy first: the gateways dial them.
	backendAddr := allocateAddr()
	st.BackendURL = "http://" + backendAddr
	ps, err := startProcess("testbackend", filepath.Join(logsDir(), "testbackend.log"), nil,
		filepath.Join(binDir(), "testbackend"), "-addr", backendAddr)
	if err != nil {
		fatal("start testbackend: %v", err)
	}
	st.Processes = append(st.Processes, ps)

	st.ProxyAddr = allocateAddr()
	ps, err = startProcess("testproxy", filepath.Join(logsDir(), "testproxy.log"), nil,
		filepath.Join(binDir(), "testproxy"),
		"-addr", st.ProxyAddr, "-username", e2eProxyUser, "-password", e2eProxyPass)
	if err != nil {
		fatal("start testproxy: %v", err)
	}
	st.Processes = append(st.Processes, ps)

	if err := pollUntil(15*time.Second, "testbackend /health", func() bool {
		return httpGetOK(st.BackendURL + "/health")
	}); err != nil {
		fatal("testbackend not healthy: %v", err)
	}

	// TLS material for the tls scenario. The cert-rotation test rewrites
	// these files in place and waits for the gateway to pick them up.
	st.CertFile = filepath.Join(certsDir(), "gateway.crt")
	st.KeyFile = filepath.Join(certsDir(), "gateway.key")
	if err := writeCertPair(st.CertFile, st.KeyFile); err != nil {
		fatal("generate TLS material: %v", err)
	}

	for _, name := range scenarioNames {
		listenAddr, adminAddr := allocateAddr(), allocateAddr()

		cfgPath := filepath.Join(confDir(), name+".yaml")
		cfg := renderScenarioConfig(name, listenAddr, adminAddr, st)
		if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
			fatal("write %s: %v", cfgPath, err)
		}

		// The core scenario's config references this variable to prove
		// ${NAME} interpolation works end to end.
		var env []string
		if name == scenarioCore {
			env = []string{"E2E_OPENAI_KEY=" + upstreamOpenAIKey}
		}

		ps, err := startProcess("keyfront-"+name, filepath.Join(logsDir(), "keyfront-"+name+".log"), env,
			filepath.Join(binDir(), "keyfront"), "--config", cfgPath)
		if err != nil {
			fatal("start gateway %q: %v", name, err)
		}
		st.Processes = append(st.Processes, ps)

		scheme := "http"
		if name == scenarioTLS {
			scheme = "https"
		}
		st.Scenarios[name] = scenarioState{
			BaseURL:  scheme + "://" + listenAddr,
			AdminURL: "http://" + adminAddr,
		}
	}

	// Persist before the readiness wait so a failed startup can still be
	// torn down.
	saveState(st)

	info("Waiting for gateway scenarios to become ready...")
	for _, name := range scenarioNames {
		if err := waitForGateway(name, st.Scenarios[name].AdminURL); err != nil {
			logPath := filepath.Join(logsDir(), "keyfront-"+name+".log")
			warn("last log lines from %s:\n%s", name, tailFile(logPath, 40))
			fatal("gateway %q not ready: %v (run `go run ./e2e teardown` to clean up)", name, err)
		}
		fmt.Printf("  ✓ %s ready\n", name)
	}
}

// teardownInfrastructure stops every process recorded in the state file,
// gateways first, then the origin and proxy they dial.
func teardownInfrastructure() {
	st, err := loadState()
	if err != nil {
		warn("no e2e state (%v) — nothing to tear down", err)
		return
	}

	for i := len(st.Processes) - 1; i >= 0; i-- {
		stopProcess(st.Processes[i])
	}

	if err := os.Remove(stateFile()); err != nil {
		warn("could not remove state file: %v", err)
	}

	info("Process logs kept under %s", logsDir())
}

func buildBinaries() {
	root := getProjectRoot()
	info("Building keyfront and test binaries...")

	builds := []struct {
		name string
		pkg  string
	}{
		{"keyfront", "./cmd/keyfront"},
		{"testbackend", "./e2e/testbackend"},
		{"testproxy", "./e2e/testproxy"},
	}

	for _, b := range builds {
		if _, err := runInDir(root, "go", "build", "-o", filepath.Join(binDir(), b.name), b.pkg); err != nil {
			fatal("build %s: %v", b.name, err)
		}
	}
}

// waitForGateway polls the admin /readyz endpoint, which only turns 200
// once the main listener is bound.
func waitForGateway(name, adminURL string) error {
	return pollUntil(30*time.Second, name+" /readyz", func() bool {
		return httpGetOK(adminURL + "/readyz")
	})
}

func httpGetOK(url string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// writeCertPair generates a fresh self-signed ECDSA P-256 identity for
// 127.0.0.1/localhost and writes it as a PEM pair. Every call produces a
// new random serial, which is what the rotation test watches for.
func writeCertPair(certPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return fmt.Errorf("serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "keyfront-e2e"},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scenario configs
// ---------------------------------------------------------------------------

// renderScenarioConfig produces the YAML config for one gateway scenario.
func renderScenarioConfig(name, listenAddr, adminAddr string, st *harnessState) string {
	backend := st.BackendURL

	switch name {
	case scenarioCore:
		// Routing, credential injection, header hygiene, CORS, and the
		// admin surface. The openai route's Authorization value is
		// interpolated from the process environment.
		return fmt.Sprintf(`listen: %q
gateway_auth:
  tokens:
    - %q
    - %q
  token_sources:
    - type: authorization_bearer
    - type: header
      name: x-api-key
routes:
  - id: openai
    prefix: /openai
    upstream:
      base_url: %q
      inject_headers:
        - name: Authorization
          value: "Bearer ${E2E_OPENAI_KEY}"
        - name: OpenAI-Organization
          value: org-e2e-keyfront
      remove_headers:
        - x-internal-tag
  - id: openai-audio
    prefix: /openai/audio
    upstream:
      base_url: %q
      inject_headers:
        - name: Authorization
          value: %q
  - id: anthropic
    prefix: /anthropic
    upstream:
      base_url: %q
      forward_xff: true
      remove_headers:
        - authorization
      inject_headers:
        - name: x-api-key
          value: %q
        - name: anthropic-version
          value: "2023-06-01"
  - id: deadpeer
    prefix: /dead
    upstream:
      base_url: "http://127.0.0.1:1"
      connect_timeout_ms: 500
cors:
  enabled: true
  allow_origins:
    - https://console.example.com
    - app.internal
  allow_methods:
    - GET
    - POST
  allow_headers:
    - authorization
    - content-type
  expose_headers:
    - x-request-id
%s`, listenAddr, e2eToken, e2eTokenAlt,
			backend+"/v1", backend+"/v1/audio-alt", "Bearer "+upstreamAudioKey,
			backend+"/anthropic/v1", upstreamAnthropicKey, commonTail(adminAddr))

	case scenarioRateLimit:
		return fmt.Sprintf(`listen: %q
gateway_auth:
  tokens:
    - %q
    - %q
    - %q
    - %q
    - %q
routes:
  - id: api
    prefix: /api
    upstream:
      base_url: %q
  - id: alt
    prefix: /alt
    upstream:
      base_url: %q
rate_limit:
  per_minute: 3
%s`, listenAddr, rlToken("a"), rlToken("b"), rlToken("c"), rlToken("d"), rlToken("e"),
			backend, backend+"/alt", commonTail(adminAddr))

	case scenarioDownstream:
		return fmt.Sprintf(`listen: %q
gateway_auth:
  tokens:
    - %q
routes:
  - id: api
    prefix: /api
    upstream:
      base_url: %q
      request_timeout_ms: 10000
concurrency:
  downstream_max_inflight: 2
%s`, listenAddr, e2eToken, backend, commonTail(adminAddr))

	case scenarioUpstreamGate:
		// keyed and shared inject the same upstream key on different
		// routes; keyed2 injects a different key. Gates must not leak
		// across either boundary.
		return fmt.Sprintf(`listen: %q
gateway_auth:
  tokens:
    - %q
routes:
  - id: keyed
    prefix: /keyed
    upstream:
      base_url: %q
      request_timeout_ms: 10000
      upstream_key_max_inflight: 1
      inject_headers:
        - name: Authorization
          value: %q
  - id: keyed2
    prefix: /keyed2
    upstream:
      base_url: %q
      request_timeout_ms: 10000
      upstream_key_max_inflight: 1
      inject_headers:
        - name: Authorization
          value: %q
  - id: shared
    prefix: /shared
    upstream:
      base_url: %q
      request_timeout_ms: 10000
      upstream_key_max_inflight: 1
      inject_headers:
        - name: Authorization
          value: %q
%s`, listenAddr, e2eToken,
			backend, "Bearer "+upstreamSharedKey,
			backend, "Bearer "+upstreamOtherKey,
			backend, "Bearer "+upstreamSharedKey,
			commonTail(adminAddr))

	case scenarioStreaming:
		return fmt.Sprintf(`listen: %q
gateway_auth:
  tokens:
    - %q
routes:
  - id: stream
    prefix: /stream
    upstream:
      base_url: %q
      connect_timeout_ms: 2000
      request_timeout_ms: 1000
%s`, listenAddr, e2eToken, backend, commonTail(adminAddr))

	case scenarioEgress:
		return fmt.Sprintf(`listen: %q
gateway_auth:
  tokens:
    - %q
routes:
  - id: viaproxy
    prefix: /viaproxy
    upstream:
      base_url: %q
      inject_headers:
        - name: Authorization
          value: %q
      proxy:
        protocol: http
        address: %q
        username: %q
        password: %q
  - id: direct
    prefix: /direct
    upstream:
      base_url: %q
%s`, listenAddr, e2eToken,
			backend, "Bearer "+upstreamEgressKey,
			st.ProxyAddr, e2eProxyUser, e2eProxyPass,
			backend, commonTail(adminAddr))

	case scenarioTLS:
		return fmt.Sprintf(`listen: %q
inbound_tls:
  cert_path: %q
  key_path: %q
  http3_enabled: true
gateway_auth:
  tokens:
    - %q
routes:
  - id: api
    prefix: /api
    upstream:
      base_url: %q
%s`, listenAddr, st.CertFile, st.KeyFile, e2eToken, backend, commonTail(adminAddr))
	}

	fatal("unknown scenario %q", name)
	return ""
}

// commonTail is the admin + logging block shared by every scenario.
func commonTail(adminAddr string) string {
	return fmt.Sprintf(`admin:
  address: %q
  metrics_token: %q
logging:
  level: debug
  format: json
`, adminAddr, e2eMetricsToken)
}
