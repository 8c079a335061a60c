package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/backstop/internal/config"
	"github.com/agentworkforce/backstop/internal/framesync"
	"github.com/agentworkforce/backstop/internal/telemetry"
)

func main() {
	once := flag.Bool("once", false, "restore, push one backup and exit")
	validate := flag.Bool("validate", false, "run the validation handshake on connect")
	flag.Parse()

	cfg, err := config.LoadFrame()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := telemetry.NewLogger(telemetry.LoggerOptions{Level: cfg.LogLevel, Format: cfg.LogFormat})

	state, err := framesync.NewFileState(cfg.StateFile)
	if err != nil {
		log.Fatalf("failed to open state file: %v", err)
	}
	client, err := framesync.NewClient(framesync.Options{
		URL:              cfg.HostURL,
		Origin:           cfg.Origin,
		Source:           state,
		RestoreOnConnect: cfg.RestoreOnConnect && !*once,
		RequestTimeout:   cfg.RequestTimeout,
		Logger:           logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize frame client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	done := make(chan error, 1)
	go func() { done <- client.Run(runCtx) }()

	select {
	case <-client.Connected():
	case <-ctx.Done():
		return
	}
	logger.Info("connected to host", "url", cfg.HostURL, "origin", cfg.Origin)

	if *validate {
		reportValidation(ctx, client, logger)
	}
	if *once {
		if err := syncOnce(ctx, client, cfg.RestoreOnConnect); err != nil {
			logger.Error("frame sync failed", "error", err)
			cancelRun()
			<-done
			os.Exit(1)
		}
		cancelRun()
		<-done
		return
	}

	if err := <-done; err != nil {
		logger.Error("frame client stopped", "error", err)
	}
}

func reportValidation(ctx context.Context, client *framesync.Client, logger *slog.Logger) {
	resp, err := client.Validate(ctx)
	if err != nil {
		logger.Warn("validation handshake failed", "error", err)
		return
	}
	logger.Info("host validated",
		"domain", resp.Domain,
		"security", resp.Security,
		"host_time", time.UnixMilli(resp.Timestamp).UTC().Format(time.RFC3339))
}

func syncOnce(ctx context.Context, client *framesync.Client, restore bool) error {
	if restore {
		if _, err := client.Restore(ctx); err != nil {
			return err
		}
	}
	if err := client.Backup(ctx); err != nil && !errors.Is(err, framesync.ErrNoState) {
		return err
	}
	return nil
}
