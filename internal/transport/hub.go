// Package transport carries gateway envelopes between the host and its child
// contexts over WebSocket connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/backstop/internal/gateway"
	"github.com/agentworkforce/backstop/internal/proxy"
	"github.com/agentworkforce/backstop/internal/telemetry"
)

var (
	ErrOriginMismatch = errors.New("target origin does not match peer")
	ErrHubClosed      = errors.New("hub closed")
)

const (
	defaultMessageRate     = rate.Limit(20)
	defaultMessageBurst    = 40
	defaultWriteTimeout    = 5 * time.Second
	defaultMaxMessageBytes = 8 << 20
	eventType              = "transport"
)

// Dispatcher receives every inbound message. *gateway.Gateway satisfies it.
type Dispatcher interface {
	Handle(ctx context.Context, in gateway.Inbound)
}

type Options struct {
	Dispatcher      Dispatcher
	MessageRate     rate.Limit
	MessageBurst    int
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	Observer        telemetry.Observer
	Logger          *slog.Logger
	Now             func() time.Time
}

// Hub tracks attached children. It implements the scheduler's broadcaster
// and the proxy's client registry.
type Hub struct {
	dispatcher   Dispatcher
	messageRate  rate.Limit
	messageBurst int
	writeTimeout time.Duration
	maxMessage   int64
	observer     telemetry.Observer
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
}

// Conn is one attached child. Its origin comes from the handshake and is
// what the gateway checks every message against.
type Conn struct {
	id         string
	origin     string
	attachedAt time.Time
	ws         *websocket.Conn
	limiter    *rate.Limiter
	timeout    time.Duration

	mu         sync.Mutex
	generation string
}

type ConnInfo struct {
	ID         string    `json:"id"`
	Origin     string    `json:"origin"`
	Generation string    `json:"generation,omitempty"`
	AttachedAt time.Time `json:"attachedAt"`
}

func NewHub(opts Options) *Hub {
	messageRate := opts.MessageRate
	if messageRate <= 0 {
		messageRate = defaultMessageRate
	}
	burst := opts.MessageBurst
	if burst <= 0 {
		burst = defaultMessageBurst
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	maxMessage := opts.MaxMessageBytes
	if maxMessage <= 0 {
		maxMessage = defaultMaxMessageBytes
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
	return &Hub{
		dispatcher:   opts.Dispatcher,
		messageRate:  messageRate,
		messageBurst: burst,
		writeTimeout: writeTimeout,
		maxMessage:   maxMessage,
		observer:     observer,
		logger:       logger,
		now:          now,
		conns:        map[string]*Conn{},
	}
}

// ServeHTTP upgrades the request and pumps the child's messages into the
// dispatcher until the connection drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	// The library's same-origin check is skipped: children live on other
	// origins and the gateway owns the allow-list.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("websocket accept failed", "origin", origin, "error", err)
		return
	}
	ws.SetReadLimit(h.maxMessage)

	c := &Conn{
		id:         uuid.NewString(),
		origin:     origin,
		attachedAt: h.now().UTC(),
		ws:         ws,
		limiter:    rate.NewLimiter(h.messageRate, h.messageBurst),
		timeout:    h.writeTimeout,
	}
	if err := h.attach(c); err != nil {
		_ = ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	ctx := r.Context()
	h.emit(ctx, "child_attached", map[string]any{"conn": c.id, "origin": origin})

	err = h.readLoop(ctx, c)
	h.detach(c)
	status := websocket.CloseStatus(err)
	h.emit(ctx, "child_detached", map[string]any{"conn": c.id, "origin": origin, "status": int(status)})
	if status == -1 {
		_ = ws.Close(websocket.StatusInternalError, "read failed")
	}
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			h.emit(ctx, "unsupported_frame", map[string]any{"conn": c.id, "origin": c.origin})
			continue
		}
		if !c.limiter.Allow() {
			h.emit(ctx, "rate_limited", map[string]any{"conn": c.id, "origin": c.origin})
			continue
		}
		if h.dispatcher != nil {
			h.dispatcher.Handle(ctx, gateway.Inbound{Raw: data, Origin: c.origin, Reply: c})
		}
	}
}

func (h *Hub) attach(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.conns[c.id] = c
	return nil
}

func (h *Hub) detach(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].attachedAt.Before(out[j].attachedAt) })
	return out
}

// Broadcast posts env to every child whose origin matches targetOrigin and
// reports how many received it.
func (h *Hub) Broadcast(ctx context.Context, env gateway.Envelope, targetOrigin string) (int, error) {
	delivered := 0
	var errs []error
	for _, c := range h.snapshot() {
		err := c.Post(ctx, env, targetOrigin)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrOriginMismatch):
		default:
			errs = append(errs, fmt.Errorf("conn %s: %w", c.id, err))
		}
	}
	return delivered, errors.Join(errs...)
}

// Claim moves every attached child onto generation and tells each of them
// which generation now serves it.
func (h *Hub) Claim(ctx context.Context, generation string) (int, error) {
	env, err := gateway.NewEnvelope(gateway.KindCacheStatus, proxy.CacheStatus{
		Generations: []string{generation},
		Active:      generation,
	}, h.now())
	if err != nil {
		return 0, err
	}
	for _, c := range h.snapshot() {
		c.mu.Lock()
		c.generation = generation
		c.mu.Unlock()
	}
	return h.Broadcast(ctx, env, gateway.AnyOrigin)
}

func (h *Hub) Connections() []ConnInfo {
	conns := h.snapshot()
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close refuses new children and disconnects the attached ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

func (h *Hub) emit(ctx context.Context, reason string, attrs map[string]any) {
	telemetry.Emit(ctx, h.observer, telemetry.Event{Type: eventType, Reason: reason, Attrs: attrs})
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Origin() string { return c.origin }

func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{ID: c.id, Origin: c.origin, Generation: c.generation, AttachedAt: c.attachedAt}
}

// Post writes env to the child unless targetOrigin scopes it elsewhere.
func (c *Conn) Post(ctx context.Context, env gateway.Envelope, targetOrigin string) error {
	if targetOrigin != gateway.AnyOrigin && targetOrigin != c.origin {
		return fmt.Errorf("%w: %q", ErrOriginMismatch, targetOrigin)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, env)
}
