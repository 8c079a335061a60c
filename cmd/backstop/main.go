package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/backstop/internal/config"
	"github.com/agentworkforce/backstop/internal/telemetry"
)

func main() {
	cfg, err := config.LoadHost()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := telemetry.NewLogger(telemetry.LoggerOptions{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		log.Fatalf("failed to initialize backstop: %v", err)
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.ListenAddr, err)
	}
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	logger.Info("backstop listening", "addr", ln.Addr().String(), "domain", cfg.Domain, "origins", cfg.AllowedOrigins)
	if err := a.run(ctx, ln, reload); err != nil {
		logger.Error("backstop stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("backstop stopped")
}
