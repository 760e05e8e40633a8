package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	authimpl "github.com/foxseedlab/pokerpoints/external/auth"
	configloader "github.com/foxseedlab/pokerpoints/external/config"
	eventbusimpl "github.com/foxseedlab/pokerpoints/external/eventbus"
	"github.com/foxseedlab/pokerpoints/external/httpapi"
	metricsimpl "github.com/foxseedlab/pokerpoints/external/metrics"
	"github.com/foxseedlab/pokerpoints/external/otel"
	repositoryimpl "github.com/foxseedlab/pokerpoints/external/repository"
	webhookimpl "github.com/foxseedlab/pokerpoints/external/webhook"
	"github.com/foxseedlab/pokerpoints/external/websocket"
	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/foxseedlab/pokerpoints/internal/eventbus"
	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/session"
	"github.com/samber/do/v2"
)

const (
	serviceName       = "pokerpoints"
	readHeaderTimeout = 10 * time.Second
)

type closer interface {
	Close()
}

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "storage_driver", cfg.StorageDriver)

	shutdownTracing, err := otel.Init(context.Background(), serviceName, cfg.OTELEndpoint)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	runServer(cfg, injector)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	closeResources(injector)
	if err := shutdownTracing(ctx); err != nil {
		slog.Error("tracing shutdown failed", "error", err)
	}
	slog.Info("shutdown complete")
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	authimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	eventbusimpl.RegisterDI(injector)
	metricsimpl.RegisterDI(injector)
	session.RegisterDI(injector)
	websocket.RegisterDI(injector)
	httpapi.RegisterDI(injector)

	return injector
}

func runServer(cfg *config.Config, injector do.Injector) {
	handler, err := do.Invoke[http.Handler](injector)
	if err != nil {
		slog.Error("failed to build http handler", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("startup: listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err, ok := <-errCh:
		if ok {
			slog.Error("http server failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Shutdown does not wait for hijacked websocket connections.
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
}

func closeResources(injector do.Injector) {
	if pub, err := do.Invoke[eventbus.Publisher](injector); err == nil {
		if c, ok := pub.(closer); ok {
			c.Close()
		}
	}
	if repo, err := do.Invoke[repository.Repository](injector); err == nil {
		if c, ok := repo.(closer); ok {
			c.Close()
		}
	}
}
