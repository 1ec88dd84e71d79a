// Package server runs keyfront's listeners: the main proxy listener
// (HTTP/1.1 and h2c on cleartext; HTTP/1.1, HTTP/2, and optional HTTP/3
// under TLS) and the optional admin listener serving health, readiness,
// Prometheus metrics, and the rolling usage summary.
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/keyfront/keyfront/internal/auth"
	"github.com/keyfront/keyfront/internal/config"
	"github.com/keyfront/keyfront/internal/middleware"
	"github.com/keyfront/keyfront/internal/observability"
	"github.com/keyfront/keyfront/internal/tlsutil"
)

// Server is the keyfront process: the request pipeline plus the listeners
// that feed it.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server  // nil when no admin address is configured.
	chain           *middleware.Chain
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	summary         *observability.Summary
	tracingShutdown func(context.Context) error
	certs           *certHolder          // non-nil when TLS is enabled; supports hot rotation.
	certWatcher     *tlsutil.CertWatcher // non-nil when provided certificates are watched.
}

// New creates a keyfront server from a validated config.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	summary := observability.NewSummary()
	health := observability.NewHealthChecker()

	chain, err := middleware.NewChain(cfg, logger, metrics, summary, health)
	if err != nil {
		return nil, fmt.Errorf("create middleware chain: %w", err)
	}

	mainServer, h3srv := buildMainServer(cfg, chain, logger)

	var adminServer *http.Server
	if cfg.Admin.Address != "" {
		adminServer = buildAdminServer(cfg, health, reg, summary, logger)
	}

	return &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: adminServer,
		chain:       chain,
		health:      health,
		metrics:     metrics,
		summary:     summary,
	}, nil
}

func buildMainServer(cfg *config.Config, chain *middleware.Chain, logger *slog.Logger) (*http.Server, *http3.Server) {
	readHeaderTimeout, _ := config.ParseDuration(cfg.Server.ReadHeaderTimeout, 10*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)
	maxHeaderBytes := cfg.Server.MaxHeaderBytes
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = 1 << 20 // 1 MiB
	}

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(chain, h2s)

	var h3srv *http3.Server
	if cfg.InboundTLS != nil && cfg.InboundTLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Listen,
			Handler:        chain,
			MaxHeaderBytes: maxHeaderBytes,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT requests are replayable.
			},
		}

		// Advertise the QUIC listener to TCP clients via Alt-Svc.
		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	// No ReadTimeout or WriteTimeout: either would sever long SSE streams
	// and large streaming bodies. Per-request deadlines are the
	// forwarder's job; only header reading and idle keep-alives are
	// bounded here.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mainHandler,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(
	cfg *config.Config,
	health *observability.HealthChecker,
	reg *prometheus.Registry,
	summary *observability.Summary,
	logger *slog.Logger,
) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/metrics", metricsAuth(cfg.Admin.MetricsToken, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})))
	mux.Handle("/metrics/summary", metricsAuth(cfg.Admin.MetricsToken, summaryHandler(summary)))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

// metricsAuth gates a handler behind bearer auth when a token is
// configured. With no token the handler is served open: the admin port is
// expected to be operator-private.
func metricsAuth(token config.RedactedString, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	expected := []byte(token.Value())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := auth.ParseBearer(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// summaryHandler serves the rolling usage summary snapshot as JSON.
func summaryHandler(summary *observability.Summary) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summary.Snapshot())
	})
}

// certHolder provides atomic TLS certificate hot-swap via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate pair from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// Run starts the listeners and blocks until the context is canceled, then
// performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has bound and its TLS
	// material (if any) is loaded, so SetReady never precedes the server
	// being able to accept connections.
	readyCh := make(chan struct{})

	if s.adminServer != nil {
		go s.startAdminServer(errCh)
	}
	go s.startMainServer(ctx, errCh, readyCh)

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("keyfront is ready",
			"version", s.version,
			"listen", s.cfg.Listen,
			"routes", len(s.cfg.Routes),
			"tls", s.cfg.InboundTLS != nil,
			"http3", s.http3Server != nil)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(ctx context.Context, errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("proxy server starting", "address", s.cfg.Listen, "routes", len(s.cfg.Routes))

	// Separate Listen from Serve so readiness can be signaled after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Listen)
	if listenErr != nil {
		errCh <- fmt.Errorf("proxy server listen: %w", listenErr)
		return
	}

	if s.cfg.InboundTLS == nil {
		close(readyCh)
		if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
		return
	}

	tlsCfg, tlsErr := s.setupTLS(ctx)
	if tlsErr != nil {
		errCh <- tlsErr
		return
	}

	if s.http3Server != nil {
		s.http3Server.TLSConfig = http3.ConfigureTLSConfig(tlsCfg)
		go s.startHTTP3Server(errCh)
	}

	close(readyCh)

	tlsLn := tls.NewListener(ln, tlsCfg)
	if err := s.mainServer.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("proxy server: %w", err)
	}
}

// setupTLS resolves the certificate material, loads it into the hot-swap
// holder, and starts the rotation watcher for provided certificates. The
// returned config is shared with the HTTP/3 listener.
func (s *Server) setupTLS(ctx context.Context) (*tls.Config, error) {
	material, err := tlsutil.Resolve(s.cfg.InboundTLS, s.cfg.Listen)
	if err != nil {
		return nil, err
	}
	s.logger.Info("TLS enabled", "source", string(material.Source), "cert", material.CertPath)

	holder, certErr := newCertHolder(material.CertPath, material.KeyPath)
	if certErr != nil {
		return nil, certErr
	}
	s.certs = holder

	// Only provided certificates rotate underneath us; self-signed pairs
	// are owned by this process.
	if material.Source == tlsutil.SourceProvided {
		watcher := tlsutil.NewCertWatcher(material.CertPath, material.KeyPath, func(certFile, keyFile string) {
			if reloadErr := holder.Reload(certFile, keyFile); reloadErr != nil {
				s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", reloadErr)
				return
			}
			s.logger.Info("TLS certificates reloaded", "cert", certFile)
		}, s.logger)
		s.certWatcher = watcher
		go func() {
			if watchErr := watcher.Start(ctx); watchErr != nil {
				s.logger.Error("TLS cert watcher failed", "error", watchErr)
			}
		}()
	}

	// Listing h2 in NextProtos makes Serve wire up HTTP/2 over TLS; the
	// ALPN fallback keeps HTTP/1.1 clients working.
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: holder.GetCertificate,
		NextProtos:     []string{http2.NextProtoTLS, "http/1.1"},
	}, nil
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Listen)
	if err := s.http3Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 10*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.certWatcher != nil {
		s.certWatcher.Stop()
	}

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin server shutdown error", "error", err)
		}
	}

	if err := s.chain.Close(); err != nil {
		s.logger.Error("middleware chain close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
