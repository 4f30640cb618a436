package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/app"
	"github.com/Userport-ai/enrichment-worker/internal/config"
	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/telemetry"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	ctxlog.SetBase(logger)

	tp, err := telemetry.MaybeInitTracing(cfg.Observability.Tracing, "enrichment-worker", version)
	if err != nil {
		logger.Warn("tracing init failed", zap.Error(err))
	}
	if tp != nil {
		defer func() { _ = telemetry.TracerShutdown(context.Background(), tp) }()
	}

	a, err := app.Build(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}

	telemetrySrv := telemetry.StartHTTPServer(cfg.Observability.MetricsPort, a.Readiness)
	defer func() { _ = telemetrySrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", zap.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Server.ShutdownGraceSeconds):
		}
	}()

	errCh := make(chan error, 2)
	a.Start(errCh)
	logger.Info("enrichment-worker started",
		zap.String("queue_addr", cfg.Server.QueueAddr),
		zap.String("admin_addr", cfg.Server.AdminAddr))

	select {
	case err := <-errCh:
		logger.Error("server error, shutting down", zap.Error(err))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGraceSeconds)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx, cfg.Server.ShutdownGraceSeconds); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
