// Package gateway is the single entry point for messages crossing between
// the host and its child contexts. Nothing is dispatched until the sender's
// origin and the envelope's freshness have been verified.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/backstop/internal/telemetry"
)

var (
	ErrOriginRejected         = errors.New("origin rejected")
	ErrStaleOrInvalidEnvelope = errors.New("stale or invalid envelope")
	ErrUnknownKind            = errors.New("unknown envelope kind")
	ErrNoReplyTarget          = errors.New("no reply target")
)

const (
	DefaultFreshnessWindow = 5 * time.Second
	eventType              = "gateway"
)

type Options struct {
	AllowedOrigins  []string
	FreshnessWindow time.Duration
	Observer        telemetry.Observer
	Logger          *slog.Logger
	Now             func() time.Time
}

type Gateway struct {
	allowed   map[string]struct{}
	freshness time.Duration
	schema    *jsonschema.Schema
	observer  telemetry.Observer
	logger    *slog.Logger
	now       func() time.Time

	handlersMu sync.RWMutex
	handlers   map[Kind]Handler

	// mu serializes Handle so envelopes are processed one at a time.
	mu sync.Mutex
}

func New(opts Options) (*Gateway, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == AnyOrigin {
			continue
		}
		allowed[origin] = struct{}{}
	}
	freshness := opts.FreshnessWindow
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
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
	return &Gateway{
		allowed:   allowed,
		freshness: freshness,
		schema:    schema,
		observer:  observer,
		logger:    logger,
		now:       now,
		handlers:  map[Kind]Handler{},
	}, nil
}

func (g *Gateway) Register(kind Kind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	g.handlersMu.Lock()
	defer g.handlersMu.Unlock()
	g.handlers[kind] = handler
}

func (g *Gateway) RegisterFunc(kind Kind, fn func(ctx context.Context, req Request) error) {
	if fn == nil {
		return
	}
	g.Register(kind, HandlerFunc(fn))
}

func (g *Gateway) AllowsOrigin(origin string) bool {
	_, ok := g.allowed[origin]
	return ok
}

// Verify applies the trust checks without dispatching.
func (g *Gateway) Verify(raw []byte, origin string) (Envelope, error) {
	if !g.AllowsOrigin(origin) {
		return Envelope{}, fmt.Errorf("%w: %q", ErrOriginRejected, origin)
	}
	if err := validateEnvelope(g.schema, raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrStaleOrInvalidEnvelope, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrStaleOrInvalidEnvelope, err)
	}
	age := g.now().Sub(env.Issued())
	if age < 0 {
		age = -age
	}
	if age >= g.freshness {
		return Envelope{}, fmt.Errorf("%w: issued %s ago", ErrStaleOrInvalidEnvelope, age.Round(time.Millisecond))
	}
	return env, nil
}

// Handle verifies and dispatches one inbound message. Failures are reported
// to the observer and never returned to the transport.
func (g *Gateway) Handle(ctx context.Context, in Inbound) {
	g.mu.Lock()
	defer g.mu.Unlock()

	env, err := g.Verify(in.Raw, in.Origin)
	if err != nil {
		reason := "stale_or_invalid_envelope"
		if errors.Is(err, ErrOriginRejected) {
			reason = "origin_rejected"
		}
		g.emit(ctx, reason, map[string]any{"origin": in.Origin, "error": err.Error()})
		return
	}

	g.handlersMu.RLock()
	handler, ok := g.handlers[env.Kind]
	g.handlersMu.RUnlock()
	if !ok {
		g.emit(ctx, "unknown_kind", map[string]any{"origin": in.Origin, "kind": string(env.Kind), "error": ErrUnknownKind.Error()})
		return
	}

	req := Request{Envelope: env, Origin: in.Origin, Reply: in.Reply, now: g.now}
	if err := g.dispatch(ctx, handler, req); err != nil {
		g.emit(ctx, "dispatch_failed", map[string]any{"origin": in.Origin, "kind": string(env.Kind), "error": err.Error()})
		return
	}
	g.emit(ctx, "dispatched", map[string]any{"origin": in.Origin, "kind": string(env.Kind)})
}

func (g *Gateway) dispatch(ctx context.Context, handler Handler, req Request) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			g.logger.Error("envelope handler panicked", "kind", string(req.Kind), "panic", recovered)
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler.HandleEnvelope(ctx, req)
}

func (g *Gateway) emit(ctx context.Context, reason string, attrs map[string]any) {
	telemetry.Emit(ctx, g.observer, telemetry.Event{Type: eventType, Reason: reason, Attrs: attrs})
}
