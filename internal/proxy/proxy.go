// Package proxy intercepts outbound HTTP fetches, serving them network-first
// with a cache fallback, and manages the versioned cache generations that
// back it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/backstop/internal/telemetry"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrInvalidGeneration  = errors.New("invalid cache generation")
	ErrGenerationDeleted  = errors.New("cache generation deleted")
	ErrInstallFailed      = errors.New("install failed")
	ErrNotInstalled       = errors.New("generation not installed")
)

const (
	DefaultCachePrefix        = "backstop-cache"
	defaultInstallConcurrency = 4
	defaultMaxCachedBodyBytes = 32 << 20
	defaultFetchTimeout       = 30 * time.Second
	eventType                 = "proxy"
	tracerName                = "github.com/agentworkforce/backstop/internal/proxy"
)

type Strategy string

const (
	NetworkFirst Strategy = "NetworkFirst"
	CacheFirst   Strategy = "CacheFirst"
)

func ParseStrategy(raw string) (Strategy, error) {
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(raw))
	switch normalized {
	case "", "networkfirst":
		return NetworkFirst, nil
	case "cachefirst":
		return CacheFirst, nil
	default:
		return "", fmt.Errorf("unknown cache strategy %q", raw)
	}
}

type State int

const (
	StateInstalling State = iota + 1
	StateInstalled
	StateActive
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Fetcher performs the real network request. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientRegistry lets an activated generation take control of every attached
// client, including ones that attached before the upgrade.
type ClientRegistry interface {
	Claim(ctx context.Context, generation string) (int, error)
}

type CacheStatus struct {
	Generations []string `json:"generations"`
	Active      string   `json:"active"`
}

type Options struct {
	Manifest Manifest
	// Upstream is the origin ServeHTTP forwards relative requests to.
	Upstream           string
	Storage            CacheStorage
	Fetcher            Fetcher
	Clients            ClientRegistry
	SecurityHeaders    http.Header
	MaxCachedBodyBytes int64
	InstallConcurrency int
	Observer           telemetry.Observer
	Logger             *slog.Logger
	Now                func() time.Time
}

type Proxy struct {
	storage     CacheStorage
	fetcher     Fetcher
	clients     ClientRegistry
	headers     http.Header
	upstream    *url.URL
	maxBody     int64
	concurrency int
	observer    telemetry.Observer
	logger      *slog.Logger
	now         func() time.Time
	tracer      trace.Tracer

	// lifecycleMu serializes install and activation.
	lifecycleMu sync.Mutex

	mu          sync.RWMutex
	manifest    Manifest
	candidate   string
	active      string
	states      map[string]State
	skipWaiting bool
	excluded    map[string]struct{}
}

func New(opts Options) (*Proxy, error) {
	manifest := opts.Manifest
	if strings.TrimSpace(manifest.Prefix) == "" {
		manifest.Prefix = DefaultCachePrefix
	}
	if strings.TrimSpace(manifest.Version) == "" {
		manifest.Version = "1"
	}
	if manifest.Strategy == "" {
		manifest.Strategy = NetworkFirst
	}
	var upstream *url.URL
	if raw := strings.TrimSpace(opts.Upstream); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid upstream %q", raw)
		}
		upstream = parsed
	}
	storage := opts.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = &http.Client{Timeout: defaultFetchTimeout}
	}
	maxBody := opts.MaxCachedBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxCachedBodyBytes
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}
	observer := opts.Observer
	if observer == nil {
		observer = telemetry.Nop()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Proxy{
		storage:     storage,
		fetcher:     fetcher,
		clients:     opts.Clients,
		headers:     opts.SecurityHeaders.Clone(),
		upstream:    upstream,
		maxBody:     maxBody,
		concurrency: concurrency,
		observer:    observer,
		logger:      logger,
		now:         now,
		tracer:      otel.Tracer(tracerName),
		states:      map[string]State{},
	}
	p.applyManifest(manifest)
	return p, nil
}

func (p *Proxy) applyManifest(m Manifest) {
	excluded := make(map[string]struct{}, len(m.ExcludedHosts))
	for _, host := range m.ExcludedHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			excluded[host] = struct{}{}
		}
	}
	p.manifest = m
	p.candidate = m.Generation()
	p.skipWaiting = m.SkipWaiting
	p.excluded = excluded
}

// Install opens the candidate generation and preloads every manifest
// resource. Any failed resource fails the install. Reinstalling the active
// generation refreshes it in place and it stays active either way.
func (p *Proxy) Install(ctx context.Context) error {
	p.lifecycleMu.Lock()
	p.mu.Lock()
	name := p.candidate
	resources := append([]string(nil), p.manifest.Resources...)
	refresh := name == p.active
	if !refresh {
		p.states[name] = StateInstalling
	}
	p.mu.Unlock()

	if err := p.preloadAll(ctx, name, resources); err != nil {
		p.discardFailedInstall(ctx, name)
		p.lifecycleMu.Unlock()
		p.emit(ctx, "install_failed", map[string]any{"generation": name, "error": err.Error()})
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, name, err)
	}

	p.mu.Lock()
	if !refresh {
		p.states[name] = StateInstalled
	}
	skip := p.skipWaiting
	p.mu.Unlock()
	p.lifecycleMu.Unlock()
	p.emit(ctx, "generation_installed", map[string]any{"generation": name, "resources": len(resources)})

	if skip {
		return p.Activate(ctx)
	}
	return nil
}

func (p *Proxy) preloadAll(ctx context.Context, name string, resources []string) error {
	cache, err := p.storage.Open(ctx, name)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, resource := range resources {
		g.Go(func() error {
			return p.preload(gctx, cache, resource)
		})
	}
	return g.Wait()
}

func (p *Proxy) preload(ctx context.Context, cache Cache, resource string) error {
	target, err := p.resolve(resource)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := p.fetcher.Do(req)
	if err != nil {
		return fmt.Errorf("preload %s: %w", resource, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("preload %s: status %d", resource, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return fmt.Errorf("preload %s: %w", resource, err)
	}
	if int64(len(body)) > p.maxBody {
		return fmt.Errorf("preload %s: body exceeds %d bytes", resource, p.maxBody)
	}
	return cache.Put(ctx, CacheKey(req), Snapshot{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: p.now().UTC(),
	})
}

func (p *Proxy) discardFailedInstall(ctx context.Context, name string) {
	p.mu.Lock()
	isActive := p.active == name
	if !isActive {
		delete(p.states, name)
	}
	p.mu.Unlock()
	if isActive {
		return
	}
	if _, err := p.storage.Delete(context.WithoutCancel(ctx), name); err != nil {
		p.logger.Warn("discard failed generation", "generation", name, "error", err)
	}
}

// Activate makes the installed candidate current, deletes every other
// generation and claims all attached clients.
func (p *Proxy) Activate(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.RLock()
	name := p.candidate
	state := p.states[name]
	p.mu.RUnlock()
	if state != StateInstalled && state != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrNotInstalled, name, state)
	}

	names, err := p.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}

	// States flip before storage is touched so in-flight requests stop
	// writing into generations that are about to disappear.
	p.mu.Lock()
	var stale []string
	for _, existing := range names {
		if existing != name {
			stale = append(stale, existing)
			p.states[existing] = StateSuperseded
		}
	}
	if p.active != "" && p.active != name {
		p.states[p.active] = StateSuperseded
	}
	p.active = name
	p.states[name] = StateActive
	p.mu.Unlock()

	var deleted []string
	for _, existing := range stale {
		if _, err := p.storage.Delete(ctx, existing); err != nil {
			return fmt.Errorf("delete generation %s: %w", existing, err)
		}
		deleted = append(deleted, existing)
	}

	claimed := 0
	if p.clients != nil {
		n, err := p.clients.Claim(ctx, name)
		if err != nil {
			p.emit(ctx, "claim_failed", map[string]any{"generation": name, "error": err.Error()})
		}
		claimed = n
	}
	p.emit(ctx, "generation_activated", map[string]any{"generation": name, "deleted": deleted, "claimed": claimed})
	return nil
}

// Deploy replaces the manifest and installs the new candidate generation.
// The previous generation keeps serving until activation. A failed install
// puts the previous manifest back.
func (p *Proxy) Deploy(ctx context.Context, m Manifest) error {
	if strings.TrimSpace(m.Prefix) == "" {
		m.Prefix = DefaultCachePrefix
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidGeneration)
	}
	if m.Strategy == "" {
		m.Strategy = NetworkFirst
	}
	p.lifecycleMu.Lock()
	p.mu.Lock()
	previous := p.manifest
	p.applyManifest(m)
	p.mu.Unlock()
	p.lifecycleMu.Unlock()

	err := p.Install(ctx)
	if errors.Is(err, ErrInstallFailed) {
		p.lifecycleMu.Lock()
		p.mu.Lock()
		if p.candidate == m.Generation() {
			p.applyManifest(previous)
		}
		p.mu.Unlock()
		p.lifecycleMu.Unlock()
		p.emit(ctx, "manifest_restored", map[string]any{"generation": previous.Generation(), "failed": m.Generation()})
	}
	return err
}

// TakeOver skips the waiting phase: an installed candidate is activated now,
// one still installing activates as soon as it finishes.
func (p *Proxy) TakeOver(ctx context.Context) error {
	p.mu.Lock()
	p.skipWaiting = true
	state := p.states[p.candidate]
	p.mu.Unlock()
	switch state {
	case StateInstalled, StateActive:
		return p.Activate(ctx)
	default:
		p.emit(ctx, "take_over_deferred", map[string]any{"state": state.String()})
		return nil
	}
}

func (p *Proxy) Status(ctx context.Context) (CacheStatus, error) {
	names, err := p.storage.Keys(ctx)
	if err != nil {
		return CacheStatus{}, err
	}
	if names == nil {
		names = []string{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return CacheStatus{Generations: names, Active: p.active}, nil
}

func (p *Proxy) State(generation string) State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.states[generation]
}

func (p *Proxy) Candidate() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.candidate
}

// serving is the generation that answers requests: the active one, or the
// candidate before anything has been activated.
func (p *Proxy) serving() (string, Strategy) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	name := p.active
	if name == "" {
		name = p.candidate
	}
	return name, p.manifest.Strategy
}

// servingLocked reports whether generation may still be read or written.
// Callers hold p.mu.
func (p *Proxy) servingLocked(generation string) bool {
	if generation == "" || generation != p.active && generation != p.candidate {
		return false
	}
	return p.states[generation] != StateSuperseded
}

func (p *Proxy) isExcluded(hostname string) bool {
	host := strings.ToLower(hostname)
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.excluded[host]
	return ok
}

func (p *Proxy) resolve(resource string) (*url.URL, error) {
	ref, err := url.Parse(resource)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return ref, nil
	}
	if p.upstream == nil {
		return nil, fmt.Errorf("relative resource %q without upstream", resource)
	}
	return p.upstream.ResolveReference(ref), nil
}

func (p *Proxy) emit(ctx context.Context, reason string, attrs map[string]any) {
	telemetry.Emit(ctx, p.observer, telemetry.Event{Type: eventType, Reason: reason, Attrs: attrs})
}
