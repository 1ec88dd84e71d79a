// Package main is the entry point for keyfront, a lightweight reverse-proxy
// gateway that fronts hosted AI provider APIs.
//
// keyfront terminates client requests, authenticates them against a local
// token allow-list, applies per-token rate limits and concurrency caps, and
// forwards the rest to the configured upstream — injecting the real provider
// credential on the way out so it never reaches the client side:
//   - Longest-prefix route table with per-route upstream clients
//   - Fixed-window per-minute rate limiting per (route, token)
//   - Non-blocking downstream and per-upstream-key admission gates
//   - SSE-aware timeouts: streams outlive the request timeout once headers
//     have arrived
//   - Full observability: Prometheus metrics, usage summaries, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/keyfront/keyfront/internal/config"
	"github.com/keyfront/keyfront/internal/observability"
	"github.com/keyfront/keyfront/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	app := &cli.App{
		Name:    "keyfront",
		Usage:   "credential-injecting reverse proxy for AI provider APIs",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"KEYFRONT_CONFIG_FILE"},
				Value:   config.DefaultConfigFile,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadFromPath(c.String("config"))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting keyfront", "version", version, "listen", cfg.Listen)

	// Root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}

	logger.Info("keyfront shut down gracefully")
	return nil
}
