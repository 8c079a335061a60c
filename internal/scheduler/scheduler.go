// Package scheduler asks child contexts for fresh state on a fixed interval
// and shortly after local state writes settle.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/backstop/internal/gateway"
	"github.com/agentworkforce/backstop/internal/telemetry"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultDebounce = 2 * time.Second

	ClassStateWrite = "state_write"

	eventType = "scheduler"
)

var ErrClosed = errors.New("scheduler closed")

// Broadcaster delivers an envelope to every known child. A failure for one
// child must not stop delivery to the others; the returned error joins the
// per-child failures.
type Broadcaster interface {
	Broadcast(ctx context.Context, env gateway.Envelope, targetOrigin string) (int, error)
}

type ChangeFeed interface {
	Watch(ctx context.Context, fn func(key string)) error
}

type Options struct {
	Broadcaster Broadcaster
	Interval    time.Duration
	Debounce    time.Duration
	// KeyFilter selects the written keys that trigger a flush. Nil accepts
	// every key.
	KeyFilter func(key string) bool
	Observer  telemetry.Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

type Scheduler struct {
	broadcaster Broadcaster
	interval    time.Duration
	debounce    time.Duration
	keyFilter   func(string) bool
	observer    telemetry.Observer
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  chan struct{}
	once    sync.Once
}

func New(opts Options) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
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
	return &Scheduler{
		broadcaster: opts.Broadcaster,
		interval:    interval,
		debounce:    debounce,
		keyFilter:   opts.KeyFilter,
		observer:    observer,
		logger:      logger,
		now:         now,
		pending:     map[string]*time.Timer{},
		closed:      make(chan struct{}),
	}
}

// Run fires the periodic trigger until ctx is done or the scheduler shuts
// down. Missed ticks are not replayed.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-ticker.C:
			s.flush(ctx, "periodic")
		}
	}
}

// NotifyWrite reports a local write to key. Writes to keys outside the filter
// are ignored.
func (s *Scheduler) NotifyWrite(key string) {
	if s.keyFilter != nil && !s.keyFilter(key) {
		return
	}
	s.Arm(ClassStateWrite)
}

// Arm (re)starts the debounce timer for class. An unfired timer for the same
// class is cancelled and replaced.
func (s *Scheduler) Arm(class string) {
	class = strings.TrimSpace(class)
	if class == "" {
		class = ClassStateWrite
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return
	default:
	}
	if prev := s.pending[class]; prev != nil {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		if s.pending[class] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.pending, class)
		s.mu.Unlock()
		select {
		case <-s.closed:
			return
		default:
		}
		s.flush(context.Background(), "debounce:"+class)
	})
	s.pending[class] = timer
}

// Pending reports how many debounce slots are armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Watch feeds writes observed by feed into NotifyWrite until ctx is done.
func (s *Scheduler) Watch(ctx context.Context, feed ChangeFeed) error {
	if feed == nil {
		return nil
	}
	return feed.Watch(ctx, s.NotifyWrite)
}

// FlushNow requests state from every child immediately.
func (s *Scheduler) FlushNow(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.flush(ctx, "manual")
	return nil
}

// Shutdown cancels armed timers and sends one final request for state. It is
// best effort: delivery failures are reported, not returned.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.closed)
		for class, timer := range s.pending {
			timer.Stop()
			delete(s.pending, class)
		}
		s.mu.Unlock()
		s.flush(ctx, "shutdown")
	})
}

func (s *Scheduler) flush(ctx context.Context, reason string) {
	if s.broadcaster == nil {
		return
	}
	env, err := gateway.NewEnvelope(gateway.KindProduceState, map[string]any{"reason": reason}, s.now())
	if err != nil {
		s.logger.Error("build produce state envelope failed", "error", err)
		return
	}
	delivered, err := s.broadcaster.Broadcast(ctx, env, gateway.AnyOrigin)
	attrs := map[string]any{"trigger": reason, "delivered": delivered}
	if err != nil {
		attrs["error"] = err.Error()
	}
	telemetry.Emit(ctx, s.observer, telemetry.Event{Type: eventType, Reason: "produce_state_broadcast", Attrs: attrs})
}
