// Package framesync is the child side of the backup protocol: it answers the
// host's ProduceState broadcasts with BackupRequests and applies restored
// state pushed back by the host.
package framesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/backstop/internal/gateway"
	"github.com/agentworkforce/backstop/internal/policy"
)

var (
	ErrNotConnected = errors.New("not connected to host")
	ErrNoState      = errors.New("no local state")
)

const (
	defaultBaseDelay      = 200 * time.Millisecond
	defaultMaxDelay       = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// StateSource is the child's local state.
type StateSource interface {
	// Snapshot returns the current state as JSON, or ErrNoState.
	Snapshot(ctx context.Context) (json.RawMessage, error)
	Apply(ctx context.Context, payload json.RawMessage) error
}

type Options struct {
	// URL is the host's WebSocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL              string
	Origin           string
	Source           StateSource
	RestoreOnConnect bool
	HTTPClient       *http.Client
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	RequestTimeout   time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

type Client struct {
	url              string
	origin           string
	source           StateSource
	restoreOnConnect bool
	httpClient       *http.Client
	baseDelay        time.Duration
	maxDelay         time.Duration
	requestTimeout   time.Duration
	logger           *slog.Logger
	now              func() time.Time

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  chan struct{}
	waiters    []*waiter
	generation string
}

type waiter struct {
	kinds []gateway.Kind
	ch    chan gateway.Envelope
}

func NewClient(opts Options) (*Client, error) {
	rawURL := strings.TrimSpace(opts.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("host url is required")
	}
	origin := strings.TrimSpace(opts.Origin)
	if origin == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("state source is required")
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		url:              rawURL,
		origin:           origin,
		source:           opts.Source,
		restoreOnConnect: opts.RestoreOnConnect,
		httpClient:       opts.HTTPClient,
		baseDelay:        baseDelay,
		maxDelay:         maxDelay,
		requestTimeout:   requestTimeout,
		logger:           logger,
		now:              now,
		connected:        make(chan struct{}),
	}, nil
}

// Run keeps a connection to the host open until ctx ends, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
			HTTPClient: c.httpClient,
			HTTPHeader: http.Header{"Origin": {c.origin}},
		})
		if err == nil {
			attempt = 0
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := c.retryDelay(attempt)
		c.logger.Warn("host connection lost", "error", err, "retry_in", delay.String())
		if err := waitWithContext(ctx, delay); err != nil {
			return nil
		}
	}
}

// Connected is closed once the first connection is up.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	select {
	case <-c.connected:
	default:
		close(c.connected)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if c.restoreOnConnect {
		if err := c.send(ctx, gateway.KindRestoreRequest, nil); err != nil {
			return err
		}
	}
	for {
		var env gateway.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		c.handle(ctx, env)
	}
}

func (c *Client) handle(ctx context.Context, env gateway.Envelope) {
	switch env.Kind {
	case gateway.KindProduceState:
		if err := c.Backup(ctx); err != nil && !errors.Is(err, ErrNoState) {
			c.logger.Warn("produce state failed", "error", err)
		}
	case gateway.KindRestoreResponse:
		if err := c.source.Apply(ctx, env.Payload); err != nil {
			c.logger.Warn("apply restored state failed", "error", err)
		}
	case gateway.KindCacheStatus:
		var status struct {
			Active string `json:"active"`
		}
		if err := env.Decode(&status); err == nil {
			c.mu.Lock()
			c.generation = status.Active
			c.mu.Unlock()
		}
	}
	c.deliver(env)
}

func (c *Client) deliver(env gateway.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		for _, kind := range w.kinds {
			if kind == env.Kind {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				w.ch <- env
				return
			}
		}
	}
}

// Backup sends the current local state to the host.
func (c *Client) Backup(ctx context.Context) error {
	payload, err := c.source.Snapshot(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, gateway.KindBackupRequest, payload)
}

// Restore asks the host for the last backup. It reports false when the host
// has nothing valid. Run must be active to receive the answer.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	env, err := c.request(ctx, gateway.KindRestoreRequest, gateway.KindRestoreResponse, gateway.KindRestoreEmpty)
	if err != nil {
		return false, err
	}
	return env.Kind == gateway.KindRestoreResponse, nil
}

// Validate runs the validation handshake against the host.
func (c *Client) Validate(ctx context.Context) (policy.ValidationResponse, error) {
	env, err := c.request(ctx, gateway.KindValidationRequest, gateway.KindValidationResponse)
	if err != nil {
		return policy.ValidationResponse{}, err
	}
	var resp policy.ValidationResponse
	if err := env.Decode(&resp); err != nil {
		return policy.ValidationResponse{}, fmt.Errorf("decode validation response: %w", err)
	}
	return resp, nil
}

// CacheStatus asks the host which cache generations exist.
func (c *Client) CacheStatus(ctx context.Context) (json.RawMessage, error) {
	env, err := c.request(ctx, gateway.KindCacheStatusQuery, gateway.KindCacheStatus)
	if err != nil {
		return nil, err
	}
	return env.Payload, nil
}

// TakeOver asks the host to activate its waiting cache generation.
func (c *Client) TakeOver(ctx context.Context) error {
	return c.send(ctx, gateway.KindTakeOverNow, nil)
}

// Generation is the cache generation the host last claimed this child for.
func (c *Client) Generation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Client) request(ctx context.Context, kind gateway.Kind, answers ...gateway.Kind) (gateway.Envelope, error) {
	w := &waiter{kinds: answers, ch: make(chan gateway.Envelope, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	defer c.dropWaiter(w)

	if err := c.send(ctx, kind, nil); err != nil {
		return gateway.Envelope{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	select {
	case env := <-w.ch:
		return env, nil
	case <-ctx.Done():
		return gateway.Envelope{}, fmt.Errorf("await %s: %w", strings.Join(kindNames(answers), "|"), ctx.Err())
	}
}

func (c *Client) dropWaiter(target *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) send(ctx context.Context, kind gateway.Kind, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env, err := gateway.NewEnvelope(kind, payload, c.now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func kindNames(kinds []gateway.Kind) []string {
	out := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, string(kind))
	}
	return out
}
