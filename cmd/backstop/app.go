package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/backstop/internal/backup"
	"github.com/agentworkforce/backstop/internal/config"
	"github.com/agentworkforce/backstop/internal/gateway"
	"github.com/agentworkforce/backstop/internal/policy"
	"github.com/agentworkforce/backstop/internal/proxy"
	"github.com/agentworkforce/backstop/internal/scheduler"
	"github.com/agentworkforce/backstop/internal/telemetry"
	"github.com/agentworkforce/backstop/internal/transport"
)

// replyGrace is how long shutdown waits for children to answer the final
// ProduceState before connections are torn down.
const replyGrace = 500 * time.Millisecond

type app struct {
	cfg       config.Host
	logger    *slog.Logger
	fast      backup.FastStore
	manager   *backup.Manager
	gateway   *gateway.Gateway
	announcer *policy.Announcer
	headers   *policy.HeaderPublisher
	hub       *transport.Hub
	proxy     *proxy.Proxy
	cache     io.Closer
	scheduler *scheduler.Scheduler
}

func newApp(cfg config.Host, logger *slog.Logger, observer telemetry.Observer) (*app, error) {
	if observer == nil {
		observer = telemetry.NewSlogObserver(logger)
	}
	fast, err := backup.BuildFastStoreFromDSN(cfg.FastStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("fast store: %w", err)
	}
	durable, err := backup.BuildDurableStoreFromDSN(cfg.DurableStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("durable store: %w", err)
	}
	manager := backup.NewManager(backup.ManagerOptions{
		Fast:            fast,
		Durable:         durable,
		Domain:          cfg.Domain,
		StalenessWindow: cfg.StalenessWindow,
		MaxFastLength:   cfg.MaxFastLength,
		Observer:        observer,
		Logger:          logger,
	})

	g, err := gateway.New(gateway.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		FreshnessWindow: cfg.FreshnessWindow,
		Observer:        observer,
		Logger:          logger,
	})
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	headers := &policy.HeaderPublisher{}
	announcer := policy.New(policy.Options{
		Domain:              cfg.Domain,
		AllowedOrigins:      cfg.AllowedOrigins,
		TrustedDomainSuffix: cfg.TrustedSuffix,
		Publisher:           headers,
		Observer:            observer,
		Logger:              logger,
	})

	manifest := proxy.Manifest{Version: "1"}
	if path := strings.TrimSpace(cfg.ManifestPath); path != "" {
		manifest, err = proxy.LoadManifest(path)
		if err != nil {
			_ = manager.Close()
			return nil, fmt.Errorf("load manifest: %w", err)
		}
	}
	var (
		storage proxy.CacheStorage = proxy.NewMemoryStorage()
		cache   io.Closer
	)
	if path := strings.TrimSpace(cfg.CacheStorePath); path != "" {
		bolt, err := proxy.OpenBoltStorage(path)
		if err != nil {
			_ = manager.Close()
			return nil, err
		}
		storage, cache = bolt, bolt
	}

	hub := transport.NewHub(transport.Options{Dispatcher: g, Observer: observer, Logger: logger})
	p, err := proxy.New(proxy.Options{
		Manifest:        manifest,
		Upstream:        cfg.Upstream,
		Storage:         storage,
		Clients:         hub,
		SecurityHeaders: announcer.SecurityHeaders(),
		Observer:        observer,
		Logger:          logger,
	})
	if err != nil {
		_ = manager.Close()
		if cache != nil {
			_ = cache.Close()
		}
		return nil, err
	}

	g.RegisterBackup(manager)
	announcer.Register(g)
	p.Register(g)

	sched := scheduler.New(scheduler.Options{
		Broadcaster: hub,
		Interval:    cfg.BackupInterval,
		Debounce:    cfg.BackupDebounce,
		KeyFilter:   backup.IsStateKey,
		Observer:    observer,
		Logger:      logger,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		fast:      fast,
		manager:   manager,
		gateway:   g,
		announcer: announcer,
		headers:   headers,
		hub:       hub,
		proxy:     p,
		cache:     cache,
		scheduler: sched,
	}, nil
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.headers.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "children": a.hub.Len()})
	})
	r.Get("/ws", a.hub.ServeHTTP)
	r.Get("/v1/cache/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := a.proxy.Status(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, status)
	})
	r.Get("/v1/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.hub.Connections())
	})
	r.Handle("/*", a.proxy)
	return r
}

// run serves until ctx ends, then flushes state and releases every backend.
// A value on reload redeploys the manifest from disk.
func (a *app) run(ctx context.Context, ln net.Listener, reload <-chan os.Signal) error {
	if err := a.announcer.Init(ctx); err != nil {
		a.logger.Warn("policy not published", "error", err)
	}
	if a.cfg.PublicURL != "" {
		a.announcer.CheckEnvironment(ctx, a.cfg.PublicURL)
	}

	server := &http.Server{Handler: a.routes(), ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	if feed, ok := a.fast.(scheduler.ChangeFeed); ok {
		g.Go(func() error {
			if err := a.scheduler.Watch(gctx, feed); err != nil {
				a.logger.Warn("fast store watch stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := a.proxy.Install(gctx); err != nil {
			a.logger.Warn("cache install failed", "generation", a.proxy.Candidate(), "error", err)
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reload:
				if err := a.reloadManifest(gctx); err != nil {
					a.logger.Warn("manifest reload failed", "error", err)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(server)
	})
	return g.Wait()
}

func (a *app) reloadManifest(ctx context.Context) error {
	path := strings.TrimSpace(a.cfg.ManifestPath)
	if path == "" {
		return fmt.Errorf("no manifest configured")
	}
	manifest, err := proxy.LoadManifest(path)
	if err != nil {
		return err
	}
	a.logger.Info("deploying manifest", "generation", manifest.Generation())
	return a.proxy.Deploy(ctx, manifest)
}

func (a *app) shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	a.scheduler.Shutdown(ctx)
	timer := time.NewTimer(replyGrace)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()

	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.hub.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backups: %w", err))
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
