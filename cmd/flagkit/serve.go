package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	flagkit "github.com/matt-riley/flagkit/clients/go"
	"github.com/matt-riley/flagkit/internal/config"
	"github.com/matt-riley/flagkit/internal/logging"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/middleware"
	"github.com/matt-riley/flagkit/internal/ratelimit"
	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/internal/server"
	"github.com/matt-riley/flagkit/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func newServeCmd(envFile *string) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local evaluation sidecar",
		Long: `Run a flag client and serve it over HTTP:

  POST /v1/evaluate   evaluate one flag, or a batch under "requests"
  GET  /v1/flags      list cached flags
  POST /v1/refresh    fetch flags from the flag service now
  GET  /healthz       client health
  GET  /metrics       Prometheus metrics

/v1/ routes require a bearer token when FLAGKIT_SIDECAR_TOKEN_HASH is set.
With DATABASE_URL the last synced flags are kept in PostgreSQL and reloaded
at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(*envFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), s, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before starting")
	return cmd
}

// runServe starts the sidecar and blocks until SIGINT/SIGTERM or a serve
// error. The HTTP server is drained before the client's final log flush.
func runServe(ctx context.Context, s config.Settings, migrate bool) error {
	log := logging.New(s.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	clientOpts := []flagkit.Option{flagkit.WithLogger(log), flagkit.WithMetrics(m)}

	if s.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, s.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if migrate {
			if err := runMigrations(pool); err != nil {
				return err
			}
		}
		metrics.RegisterPoolMetrics(m.Registry, pool, s.Environment)
		clientOpts = append(clientOpts, flagkit.WithPersistentStore(repository.NewPostgresStore(pool)))
	}

	client, err := flagkit.New(ctx, flagkit.ConfigFromSettings(s), clientOpts...)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Error("client close error", "error", err)
		}
	}()

	handlerOpts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithMaxJSONBodySize(s.MaxJSONBodySize),
	}
	if s.SidecarTokenHash != "" {
		failures := ratelimit.NewFailureLimiter(ctx, s.AuthRateLimit)
		defer failures.Stop()
		validator := middleware.NewHashValidator(map[string]string{"sidecar": s.SidecarTokenHash})
		handlerOpts = append(handlerOpts, server.WithAuth(validator, middleware.WithFailureLimiter(failures)))
	} else {
		log.Warn("sidecar authentication disabled; FLAGKIT_SIDECAR_TOKEN_HASH is not set")
	}

	httpServer := &http.Server{
		Addr:              s.HTTPAddr,
		Handler:           server.NewHTTPHandler(client, handlerOpts...),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	listener, err := net.Listen("tcp", s.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", s.HTTPAddr, err)
	}
	defer listener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("sidecar started",
		"http_addr", listener.Addr().String(),
		"environment", s.Environment,
		"offline", s.Offline,
		"session_id", client.SessionID(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("sidecar shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}
