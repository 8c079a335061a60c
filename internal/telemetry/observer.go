package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Event is a structured observation emitted by the resiliency layer. Type
// names the event family (gateway, backup, proxy, ...), Reason the outcome.
type Event struct {
	Type   string
	Reason string
	Attrs  map[string]any
}

// Observer receives events. Implementations must not block the caller.
type Observer interface {
	Observe(ctx context.Context, event Event)
}

type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) Observe(ctx context.Context, event Event) {
	f(ctx, event)
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, Event) {}

func Nop() Observer {
	return nopObserver{}
}

// Emit delivers event to observer and swallows any panic raised by the sink.
func Emit(ctx context.Context, observer Observer, event Event) {
	if observer == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	observer.Observe(ctx, event)
}

type SlogObserver struct {
	Logger *slog.Logger
}

func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{Logger: logger}
}

func (o *SlogObserver) Observe(ctx context.Context, event Event) {
	if o == nil || o.Logger == nil {
		return
	}
	args := make([]any, 0, 4+2*len(event.Attrs))
	args = append(args, "event", event.Type, "reason", event.Reason)
	keys := make([]string, 0, len(event.Attrs))
	for key := range event.Attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, key, event.Attrs[key])
	}
	o.Logger.Log(ctx, levelFor(event), "resiliency event", args...)
}

func levelFor(event Event) slog.Level {
	if _, failed := event.Attrs["error"]; failed {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// Multi fans an event out to every non-nil observer.
func Multi(observers ...Observer) Observer {
	filtered := make([]Observer, 0, len(observers))
	for _, observer := range observers {
		if observer != nil {
			filtered = append(filtered, observer)
		}
	}
	return ObserverFunc(func(ctx context.Context, event Event) {
		for _, observer := range filtered {
			Emit(ctx, observer, event)
		}
	})
}

// Recorder keeps every observed event in memory. Used by tests and the
// status surface.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Reasons() []string {
	events := r.Events()
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.Reason)
	}
	return out
}

func (r *Recorder) Has(reason string) bool {
	for _, event := range r.Events() {
		if event.Reason == reason {
			return true
		}
	}
	return false
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
