// Package config handles loading and validation of keyfront configuration
// from a YAML file and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// KEYFRONT_ prefix:
//
//	listen          → KEYFRONT_LISTEN
//	admin.address   → KEYFRONT_ADMIN_ADDRESS
//	logging.level   → KEYFRONT_LOGGING_LEVEL
//
// The configuration is read once at startup and frozen for the lifetime of
// the process: every other package consumes a validated snapshot.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default path for the YAML configuration file.
// Override via KEYFRONT_CONFIG_FILE or the --config flag.
const DefaultConfigFile = "/etc/keyfront/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// TokenSourceType defines how an ingress credential is extracted from a
// request.
type TokenSourceType string

const (
	// TokenSourceAuthorizationBearer reads "Authorization: Bearer <token>".
	TokenSourceAuthorizationBearer TokenSourceType = "authorization_bearer"
	// TokenSourceHeader reads the named header value verbatim.
	TokenSourceHeader TokenSourceType = "header"
)

func (t TokenSourceType) Valid() bool {
	switch t {
	case TokenSourceAuthorizationBearer, TokenSourceHeader:
		return true
	}
	return false
}

// ProxyProtocol is the egress proxy scheme for a route.
type ProxyProtocol string

const (
	ProxyProtocolHTTP  ProxyProtocol = "http"
	ProxyProtocolHTTPS ProxyProtocol = "https"
	// ProxyProtocolSOCKS is SOCKS5 with remote DNS resolution: the upstream
	// hostname is sent to the proxy instead of being resolved locally.
	ProxyProtocolSOCKS ProxyProtocol = "socks"
)

func (p ProxyProtocol) Valid() bool {
	switch p {
	case ProxyProtocolHTTP, ProxyProtocolHTTPS, ProxyProtocolSOCKS:
		return true
	}
	return false
}

// LogLevel defines the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// RedactedString — a string that hides its value from logs and JSON.
// ---------------------------------------------------------------------------

// RedactedString masks its value in String(), GoString(), and MarshalJSON()
// to prevent accidental leakage in logs or serialized output. Use .Value()
// to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer so %#v does not leak the value.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the root configuration document.
type Config struct {
	// Listen is the main ingress endpoint as host:port.
	Listen      string            `yaml:"listen" env:"LISTEN"`
	GatewayAuth GatewayAuthConfig `yaml:"gateway_auth"`
	Routes      []RouteConfig     `yaml:"routes"`

	// Optional sections; nil disables the feature entirely.
	RateLimit   *RateLimitConfig   `yaml:"rate_limit"`
	Concurrency *ConcurrencyConfig `yaml:"concurrency"`
	CORS        *CORSConfig        `yaml:"cors"`
	InboundTLS  *InboundTLSConfig  `yaml:"inbound_tls"`

	Admin   AdminConfig   `yaml:"admin" envPrefix:"ADMIN_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOGGING_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
	Events  EventsConfig  `yaml:"events" envPrefix:"EVENTS_"`
}

// GatewayAuthConfig describes ingress authentication: an allow-list of
// tokens and the ordered sources they may arrive through.
type GatewayAuthConfig struct {
	Tokens       []RedactedString    `yaml:"tokens"`
	TokenSources []TokenSourceConfig `yaml:"token_sources"`
}

// TokenSourceConfig is one entry of gateway_auth.token_sources.
type TokenSourceConfig struct {
	Type TokenSourceType `yaml:"type"`
	// Name is the header to read; only used when Type is "header".
	Name string `yaml:"name"`
}

// RouteConfig binds a path prefix to one upstream.
type RouteConfig struct {
	ID       string         `yaml:"id"`
	Prefix   string         `yaml:"prefix"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// UpstreamConfig describes where and how a route forwards.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	// StripPrefix removes the route prefix from the forwarded path.
	// Defaults to true; nil means "not set in YAML".
	StripPrefix      *bool             `yaml:"strip_prefix"`
	ConnectTimeoutMS *int64            `yaml:"connect_timeout_ms"`
	RequestTimeoutMS *int64            `yaml:"request_timeout_ms"`
	InjectHeaders    []HeaderInjection `yaml:"inject_headers"`
	RemoveHeaders    []string          `yaml:"remove_headers"`
	ForwardXFF       bool              `yaml:"forward_xff"`
	// UpstreamKeyMaxInflight overrides concurrency.upstream_per_key_max_inflight
	// for this route.
	UpstreamKeyMaxInflight *int64       `yaml:"upstream_key_max_inflight"`
	Proxy                  *ProxyConfig `yaml:"proxy"`
}

// HeaderInjection is one name/value pair set on the upstream-bound request.
// Values are treated as secrets: provider API keys ride here.
type HeaderInjection struct {
	Name  string         `yaml:"name"`
	Value RedactedString `yaml:"value"`
}

// ProxyConfig is an optional egress proxy for a single route.
type ProxyConfig struct {
	Protocol ProxyProtocol  `yaml:"protocol"`
	Address  string         `yaml:"address"`
	Username string         `yaml:"username"`
	Password RedactedString `yaml:"password"`
}

// RateLimitConfig enables the fixed-window ingress rate limiter.
type RateLimitConfig struct {
	PerMinute int64 `yaml:"per_minute"`
}

// ConcurrencyConfig enables the admission gates. Either limit may be set
// independently; a nil field leaves that gate unlimited.
type ConcurrencyConfig struct {
	DownstreamMaxInflight     *int64 `yaml:"downstream_max_inflight"`
	UpstreamPerKeyMaxInflight *int64 `yaml:"upstream_per_key_max_inflight"`
}

// CORSConfig enables browser cross-origin support.
type CORSConfig struct {
	Enabled bool `yaml:"enabled"`
	// AllowOrigins entries may be "*", a full scheme://host[:port] origin,
	// or a bare host[:port] that matches any scheme.
	AllowOrigins  []string `yaml:"allow_origins"`
	AllowMethods  []string `yaml:"allow_methods"`
	AllowHeaders  []string `yaml:"allow_headers"`
	ExposeHeaders []string `yaml:"expose_headers"`
}

// InboundTLSConfig enables TLS on the main listener. Either both cert_path
// and key_path are set (operator-provided material, watched for rotation),
// or a self-signed pair is loaded from disk or generated on first boot.
type InboundTLSConfig struct {
	CertPath           string `yaml:"cert_path"`
	KeyPath            string `yaml:"key_path"`
	SelfSignedCertPath string `yaml:"self_signed_cert_path"`
	SelfSignedKeyPath  string `yaml:"self_signed_key_path"`
	HTTP3Enabled       bool   `yaml:"http3_enabled"`
}

// AdminConfig describes the optional admin/metrics listener. An empty
// address disables it.
type AdminConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`
	// MetricsToken gates /metrics and /metrics/summary with bearer auth
	// when non-empty.
	MetricsToken RedactedString `yaml:"metrics_token" env:"METRICS_TOKEN"`
	ReadTimeout  string         `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string         `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// ServerConfig tunes the main listener. There is deliberately no read or
// write timeout: either would sever long SSE streams and large streaming
// bodies. Only header reading and idle keep-alives are bounded.
type ServerConfig struct {
	ReadHeaderTimeout string `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	IdleTimeout       string `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	DrainTimeout      string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	MaxHeaderBytes    int    `yaml:"max_header_bytes" env:"MAX_HEADER_BYTES"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level" env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// EventsConfig holds the optional usage-event webhook settings.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	URL           string `yaml:"url" env:"URL"`
	BatchSize     int    `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// Route upstream defaults, in milliseconds.
const (
	DefaultConnectTimeoutMS = 10000
	DefaultRequestTimeoutMS = 60000
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// ConfigFilePath returns the config file location: the KEYFRONT_CONFIG_FILE
// environment variable if set, else the conventional system path. The CLI
// --config flag takes precedence over both.
func ConfigFilePath() string {
	if p := os.Getenv("KEYFRONT_CONFIG_FILE"); p != "" {
		return p
	}
	return DefaultConfigFile
}

// Defaults returns a Config with every ambient default filled in.
// Route-level defaults are applied in normalize, after YAML decoding.
func Defaults() *Config {
	return &Config{
		Listen: ":8080",
		Admin: AdminConfig{
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Server: ServerConfig{
			ReadHeaderTimeout: "10s",
			IdleTimeout:       "120s",
			DrainTimeout:      "10s",
			MaxHeaderBytes:    1 << 20, // 1 MiB
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "keyfront",
			SampleRate:  0.1,
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
	}
}

// Load reads the configuration from ConfigFilePath().
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads, interpolates, decodes, overlays environment variable
// overrides, normalizes, and validates the configuration file.
func LoadFromPath(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
	}

	interpolated, err := interpolateEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", configFile, err)
	}

	cfg := Defaults()
	if yamlErr := yaml.Unmarshal([]byte(interpolated), cfg); yamlErr != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "KEYFRONT_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML decodes and validates a configuration from an in-memory
// document, without the environment override pass. Used by tests.
func FromYAML(doc string) (*Config, error) {
	interpolated, err := interpolateEnv(doc)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if yamlErr := yaml.Unmarshal([]byte(interpolated), cfg); yamlErr != nil {
		return nil, fmt.Errorf("parsing config document: %w", yamlErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// interpolateEnv substitutes ${NAME} occurrences in the raw document with
// environment variable values before YAML decoding. A missing variable, an
// empty name, or an unterminated ${ is a hard error. Error messages name
// the variable, never its value.
func interpolateEnv(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))

	rest := raw
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		rest = rest[start+2:]

		end := strings.Index(rest, "}")
		if end < 0 {
			return "", fmt.Errorf("unterminated ${ placeholder")
		}
		name := rest[:end]
		rest = rest[end+1:]

		if strings.TrimSpace(name) == "" {
			return "", fmt.Errorf("empty environment variable reference ${}")
		}
		value, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is referenced but not set", name)
		}
		b.WriteString(value)
	}
}

// normalize trims free-text fields and fills per-route defaults so the
// rest of the program never re-checks them.
func (c *Config) normalize() {
	c.Listen = strings.TrimSpace(c.Listen)

	if len(c.GatewayAuth.TokenSources) == 0 {
		c.GatewayAuth.TokenSources = []TokenSourceConfig{{Type: TokenSourceAuthorizationBearer}}
	}
	for i := range c.GatewayAuth.TokenSources {
		s := &c.GatewayAuth.TokenSources[i]
		s.Type = TokenSourceType(strings.ToLower(strings.TrimSpace(string(s.Type))))
		s.Name = strings.TrimSpace(s.Name)
	}

	for i := range c.Routes {
		r := &c.Routes[i]
		r.ID = strings.TrimSpace(r.ID)
		r.Prefix = strings.TrimSpace(r.Prefix)

		u := &r.Upstream
		u.BaseURL = strings.TrimSpace(u.BaseURL)
		if u.StripPrefix == nil {
			strip := true
			u.StripPrefix = &strip
		}
		if u.ConnectTimeoutMS == nil {
			v := int64(DefaultConnectTimeoutMS)
			u.ConnectTimeoutMS = &v
		}
		if u.RequestTimeoutMS == nil {
			v := int64(DefaultRequestTimeoutMS)
			u.RequestTimeoutMS = &v
		}
		if u.Proxy != nil {
			u.Proxy.Protocol = ProxyProtocol(strings.ToLower(strings.TrimSpace(string(u.Proxy.Protocol))))
			u.Proxy.Address = strings.TrimSpace(u.Proxy.Address)
		}
	}

	c.Admin.Address = strings.TrimSpace(c.Admin.Address)

	c.Logging.Level = LogLevel(strings.ToLower(strings.TrimSpace(string(c.Logging.Level))))
	c.Logging.Format = LogFormat(strings.ToLower(strings.TrimSpace(string(c.Logging.Format))))
	if c.Logging.Level == "" {
		c.Logging.Level = LogLevelInfo
	}
	if c.Logging.Format == "" {
		c.Logging.Format = LogFormatJSON
	}

	if c.InboundTLS != nil {
		t := c.InboundTLS
		t.CertPath = strings.TrimSpace(t.CertPath)
		t.KeyPath = strings.TrimSpace(t.KeyPath)
		t.SelfSignedCertPath = strings.TrimSpace(t.SelfSignedCertPath)
		t.SelfSignedKeyPath = strings.TrimSpace(t.SelfSignedKeyPath)
		if t.SelfSignedCertPath == "" {
			t.SelfSignedCertPath = "keyfront-selfsigned.crt"
		}
		if t.SelfSignedKeyPath == "" {
			t.SelfSignedKeyPath = "keyfront-selfsigned.key"
		}
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the configuration for consistency. Error messages carry
// field paths and never contain secret values.
func Validate(cfg *Config) error {
	if err := validateListen(cfg); err != nil {
		return err
	}
	if err := validateAuth(cfg); err != nil {
		return err
	}
	if err := validateRoutes(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateConcurrency(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateAdmin(cfg); err != nil {
		return err
	}
	if err := validateServer(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateTracing(cfg); err != nil {
		return err
	}
	return validateEvents(cfg)
}

func validateListen(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen: must not be empty")
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("listen: must be host:port: %w", err)
	}
	return nil
}

func validateAuth(cfg *Config) error {
	if len(cfg.GatewayAuth.Tokens) == 0 {
		return fmt.Errorf("gateway_auth.tokens: must not be empty")
	}
	for i, token := range cfg.GatewayAuth.Tokens {
		if strings.TrimSpace(token.Value()) == "" {
			return fmt.Errorf("gateway_auth.tokens[%d]: must not be empty", i)
		}
	}
	for i, src := range cfg.GatewayAuth.TokenSources {
		if !src.Type.Valid() {
			return fmt.Errorf("gateway_auth.token_sources[%d].type: must be %q or %q",
				i, TokenSourceAuthorizationBearer, TokenSourceHeader)
		}
		if src.Type == TokenSourceHeader && src.Name == "" {
			return fmt.Errorf("gateway_auth.token_sources[%d].name: required for type %q", i, TokenSourceHeader)
		}
	}
	return nil
}

func validateRoutes(cfg *Config) error {
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("routes: must not be empty")
	}

	ids := make(map[string]struct{}, len(cfg.Routes))
	prefixes := make(map[string]struct{}, len(cfg.Routes))
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("routes[%d].id: must not be empty", i)
		}
		if _, dup := ids[route.ID]; dup {
			return fmt.Errorf("routes[%d].id: duplicate route id %q", i, route.ID)
		}
		ids[route.ID] = struct{}{}

		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("routes[%d].prefix: must start with /", i)
		}
		if route.Prefix != "/" && strings.HasSuffix(route.Prefix, "/") {
			return fmt.Errorf("routes[%d].prefix: must not end with / unless it is exactly /", i)
		}
		if route.Prefix == "/healthz" {
			return fmt.Errorf("routes[%d].prefix: /healthz is reserved for the health endpoint", i)
		}
		if _, dup := prefixes[route.Prefix]; dup {
			return fmt.Errorf("routes[%d].prefix: duplicate prefix %q", i, route.Prefix)
		}
		prefixes[route.Prefix] = struct{}{}

		if err := validateUpstream(i, route.Upstream); err != nil {
			return err
		}
	}
	return nil
}

func validateUpstream(i int, u UpstreamConfig) error {
	if u.BaseURL == "" {
		return fmt.Errorf("routes[%d].upstream.base_url: must not be empty", i)
	}
	parsed, err := url.Parse(u.BaseURL)
	if err != nil {
		return fmt.Errorf("routes[%d].upstream.base_url: %w", i, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("routes[%d].upstream.base_url: scheme must be http or https", i)
	}
	if parsed.Host == "" {
		return fmt.Errorf("routes[%d].upstream.base_url: must be an absolute URL with a host", i)
	}

	if *u.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("routes[%d].upstream.connect_timeout_ms: must be greater than 0", i)
	}
	if *u.RequestTimeoutMS <= 0 {
		return fmt.Errorf("routes[%d].upstream.request_timeout_ms: must be greater than 0", i)
	}

	for j, h := range u.InjectHeaders {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("routes[%d].upstream.inject_headers[%d].name: must not be empty", i, j)
		}
	}
	for j, name := range u.RemoveHeaders {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("routes[%d].upstream.remove_headers[%d]: must not be empty", i, j)
		}
	}

	if u.UpstreamKeyMaxInflight != nil && *u.UpstreamKeyMaxInflight <= 0 {
		return fmt.Errorf("routes[%d].upstream.upstream_key_max_inflight: must be greater than 0", i)
	}

	if u.Proxy != nil {
		return validateProxy(i, u.Proxy)
	}
	return nil
}

func validateProxy(i int, p *ProxyConfig) error {
	if !p.Protocol.Valid() {
		return fmt.Errorf("routes[%d].upstream.proxy.protocol: must be http, https, or socks", i)
	}
	if p.Address == "" {
		return fmt.Errorf("routes[%d].upstream.proxy.address: must not be empty", i)
	}
	hasUser := p.Username != ""
	hasPass := p.Password.Value() != ""
	if hasUser != hasPass {
		return fmt.Errorf("routes[%d].upstream.proxy: username and password must both be set or both be absent", i)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit == nil {
		return nil
	}
	if cfg.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate_limit.per_minute: must be greater than 0")
	}
	return nil
}

func validateConcurrency(cfg *Config) error {
	defaultPerKey := false
	if cfg.Concurrency != nil {
		cc := cfg.Concurrency
		if cc.DownstreamMaxInflight != nil && *cc.DownstreamMaxInflight <= 0 {
			return fmt.Errorf("concurrency.downstream_max_inflight: must be greater than 0")
		}
		if cc.UpstreamPerKeyMaxInflight != nil {
			if *cc.UpstreamPerKeyMaxInflight <= 0 {
				return fmt.Errorf("concurrency.upstream_per_key_max_inflight: must be greater than 0")
			}
			defaultPerKey = true
		}
	}

	// A route subject to an upstream cap must inject a recognizable key
	// header. Otherwise every such route would contend on one shared
	// semaphore and the cap would not mean what the operator thinks.
	for i, route := range cfg.Routes {
		capped := defaultPerKey || route.Upstream.UpstreamKeyMaxInflight != nil
		if !capped {
			continue
		}
		if _, ok := route.UpstreamKeyMaterial(); !ok {
			return fmt.Errorf(
				"routes[%d] (%s): upstream concurrency is configured but inject_headers provide no authorization or x-api-key value",
				i, route.ID)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.InboundTLS == nil {
		return nil
	}
	t := cfg.InboundTLS
	hasCert := t.CertPath != ""
	hasKey := t.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("inbound_tls: cert_path and key_path must both be set or both be absent")
	}
	return nil
}

func validateAdmin(cfg *Config) error {
	if cfg.Admin.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.Admin.Address); err != nil {
			return fmt.Errorf("admin.address: must be host:port: %w", err)
		}
	}
	if _, err := ParseDuration(cfg.Admin.ReadTimeout, 0); err != nil {
		return fmt.Errorf("admin.read_timeout: %w", err)
	}
	if _, err := ParseDuration(cfg.Admin.WriteTimeout, 0); err != nil {
		return fmt.Errorf("admin.write_timeout: %w", err)
	}
	if _, err := ParseDuration(cfg.Admin.IdleTimeout, 0); err != nil {
		return fmt.Errorf("admin.idle_timeout: %w", err)
	}
	return nil
}

func validateServer(cfg *Config) error {
	if _, err := ParseDuration(cfg.Server.ReadHeaderTimeout, 0); err != nil {
		return fmt.Errorf("server.read_header_timeout: %w", err)
	}
	if _, err := ParseDuration(cfg.Server.IdleTimeout, 0); err != nil {
		return fmt.Errorf("server.idle_timeout: %w", err)
	}
	if _, err := ParseDuration(cfg.Server.DrainTimeout, 0); err != nil {
		return fmt.Errorf("server.drain_timeout: %w", err)
	}
	if cfg.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("server.max_header_bytes: must not be negative")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("logging.level: must be debug, info, warn, or error")
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("logging.format: must be json or text")
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if !cfg.Tracing.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Tracing.Endpoint) == "" {
		return fmt.Errorf("tracing.endpoint: required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate: must be between 0 and 1")
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Events.URL) == "" {
		return fmt.Errorf("events.url: required when events are enabled")
	}
	parsed, err := url.Parse(cfg.Events.URL)
	if err != nil {
		return fmt.Errorf("events.url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("events.url: scheme must be http or https")
	}
	if cfg.Events.BatchSize <= 0 {
		return fmt.Errorf("events.batch_size: must be greater than 0")
	}
	if cfg.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size: must be greater than 0")
	}
	if _, err := ParseDuration(cfg.Events.FlushInterval, 0); err != nil {
		return fmt.Errorf("events.flush_interval: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Derived accessors
// ---------------------------------------------------------------------------

// upstreamKeyHeaderNames is the fixed priority order for upstream key
// extraction. Client-supplied headers never participate.
var upstreamKeyHeaderNames = []string{"authorization", "x-api-key"}

// UpstreamKeyMaterial returns the string identifying which upstream
// credential this route injects, used to shard the per-key concurrency
// gate. The effective value of a header is its last inject entry, because
// later injections overwrite earlier ones. Returns false when no
// recognizable key header carries a non-empty value.
func (r RouteConfig) UpstreamKeyMaterial() (string, bool) {
	for _, name := range upstreamKeyHeaderNames {
		value, ok := lastInjectedValue(r.Upstream.InjectHeaders, name)
		if !ok {
			continue
		}
		if name == "authorization" {
			if token, isBearer := bearerToken(value); isBearer {
				return "authorization:" + token, true
			}
			return "authorization:" + value, true
		}
		return name + ":" + value, true
	}
	return "", false
}

func lastInjectedValue(headers []HeaderInjection, name string) (string, bool) {
	for i := len(headers) - 1; i >= 0; i-- {
		if strings.EqualFold(strings.TrimSpace(headers[i].Name), name) {
			value := strings.TrimSpace(headers[i].Value.Value())
			return value, value != ""
		}
	}
	return "", false
}

// bearerToken extracts the token from a "Bearer <token>" credential.
func bearerToken(value string) (string, bool) {
	value = strings.TrimSpace(value)
	i := strings.IndexFunc(value, unicode.IsSpace)
	if i < 0 {
		return "", false
	}
	if !strings.EqualFold(value[:i], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(value[i:])
	return token, token != ""
}

// ConnectTimeout returns the route's dial/TLS/proxy-negotiation bound.
func (u UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(*u.ConnectTimeoutMS) * time.Millisecond
}

// RequestTimeout returns the route's total-request bound, lifted once an
// upstream response is identified as an SSE stream.
func (u UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(*u.RequestTimeoutMS) * time.Millisecond
}

// ParseDuration parses a duration string, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
