// cmd/circulation/main.go
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

	"librarycirc/internal/api"
	"librarycirc/internal/app"
	"librarycirc/internal/config"
	"librarycirc/internal/telemetry"
)

const serviceName = "circulation"

func main() {
	if err := run(); err != nil {
		slog.Error("circulation service stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	logger := telemetry.NewLogger(os.Stdout, serviceName, level)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", slog.Any("error", err))
		}
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := api.Deps{
		Circulation: a.Circulation,
		Catalog:     a.Catalog,
		Gate:        a.Gate,
		Database:    a.Store,
		Logger:      logger,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service",
			slog.String("addr", srv.Addr),
			slog.String("database_driver", cfg.DatabaseDriver),
			slog.Bool("remote_catalog", cfg.CatalogServiceURL != ""),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
