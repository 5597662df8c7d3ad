package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authcore.org/internal/config"
	"authcore.org/internal/engine"
	"authcore.org/internal/httpapi"
	"authcore.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHCORE_CONFIG"), "Path to YAML config")
	flag.Parse()

	logger := obs.Logger()
	obs.Init()
	build := obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	eng, err := engine.Build(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("build engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	api := httpapi.New(eng, version,
		httpapi.WithLogger(logger),
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSecond))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		eng.RunMaintenance(ctx, cfg.Maintenance.PurgeInterval, cfg.Maintenance.TokenRetention)
	}()

	logger.Info("starting authd",
		slog.String("version", build.Version),
		slog.String("commit", build.Commit),
		slog.String("addr", srv.Addr),
		slog.String("store", cfg.Store.Backend),
		slog.String("cache", cfg.Cache.Backend))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	<-maintenanceDone
	if err := eng.Close(); err != nil {
		logger.Error("close engine", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
}
