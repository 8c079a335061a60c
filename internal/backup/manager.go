package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/backstop/internal/telemetry"
)

const (
	eventType             = "backup"
	defaultDurableTimeout = 5 * time.Second
)

type ManagerOptions struct {
	Fast            FastStore
	Durable         DurableStore
	Domain          string
	FastKey         string
	StalenessWindow time.Duration
	MaxFastLength   int
	DurableTimeout  time.Duration
	Observer        telemetry.Observer
	Logger          *slog.Logger
	Now             func() time.Time
}

type CreateResult struct {
	Record Record
	// FastErr is nil when the fast tier accepted the record.
	FastErr error
	// DurableQueued reports that the durable writer took the record.
	DurableQueued bool
}

// Manager keeps one current backup record in two independently failing
// tiers. Fast-tier writes happen inline; durable writes are handed to a
// single background writer that always persists the latest queued record.
type Manager struct {
	fast            FastStore
	durable         DurableStore
	domain          string
	fastKey         string
	stalenessWindow time.Duration
	maxFastLength   int
	durableTimeout  time.Duration
	observer        telemetry.Observer
	logger          *slog.Logger
	now             func() time.Time

	durableMu   sync.Mutex
	durableIdle *sync.Cond
	pending     []byte
	saving      bool
	wake        chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	workerDone  chan struct{}
}

func NewManager(opts ManagerOptions) *Manager {
	fastKey := strings.TrimSpace(opts.FastKey)
	if fastKey == "" {
		fastKey = FastKey
	}
	window := opts.StalenessWindow
	if window <= 0 {
		window = StalenessWindow
	}
	maxFast := opts.MaxFastLength
	if maxFast <= 0 {
		maxFast = MaxFastTierLength
	}
	durableTimeout := opts.DurableTimeout
	if durableTimeout <= 0 {
		durableTimeout = defaultDurableTimeout
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
	m := &Manager{
		fast:            opts.Fast,
		durable:         opts.Durable,
		domain:          strings.TrimSpace(opts.Domain),
		fastKey:         fastKey,
		stalenessWindow: window,
		maxFastLength:   maxFast,
		durableTimeout:  durableTimeout,
		observer:        observer,
		logger:          logger,
		now:             now,
		wake:            make(chan struct{}, 1),
		closed:          make(chan struct{}),
		workerDone:      make(chan struct{}),
	}
	m.durableIdle = sync.NewCond(&m.durableMu)
	go m.runDurableWriter()
	return m
}

func (m *Manager) Domain() string {
	return m.domain
}

// Create builds a record for payload and writes it to both tiers. The only
// returned error is a serialization failure; tier failures are reported in
// the result and to the observer.
func (m *Manager) Create(ctx context.Context, payload any) (CreateResult, error) {
	now := m.now()
	record, err := NewRecord(payload, m.domain, now)
	if err != nil {
		m.emit(ctx, "serialization_error", map[string]any{"error": err.Error()})
		return CreateResult{}, err
	}
	data, err := EncodeRecord(record)
	if err != nil {
		m.emit(ctx, "serialization_error", map[string]any{"error": err.Error()})
		return CreateResult{}, fmt.Errorf("encode record: %w", err)
	}

	result := CreateResult{Record: record}
	result.FastErr = m.writeFast(ctx, now, string(data))
	result.DurableQueued = m.enqueueDurable(ctx, data)

	m.emit(ctx, "backup_created", map[string]any{
		"checksum":       record.Checksum,
		"size":           len(data),
		"fast_ok":        result.FastErr == nil,
		"durable_queued": result.DurableQueued,
	})
	return result, nil
}

func (m *Manager) writeFast(ctx context.Context, now time.Time, value string) error {
	if m.fast == nil {
		err := fmt.Errorf("%w: fast tier not configured", ErrStoreUnavailable)
		m.emit(ctx, "local_storage_error", map[string]any{"error": err.Error()})
		return err
	}
	m.pruneHistory(ctx, now)

	if length := serializedLength(value); length > m.maxFastLength {
		err := &QuotaError{Length: length, Limit: m.maxFastLength}
		m.emit(ctx, "storage_quota_exceeded", map[string]any{"error": err.Error(), "size": length})
		return err
	}
	if err := m.fast.Set(m.fastKey, value); err != nil {
		reason := "local_storage_error"
		if errors.Is(err, ErrStorageQuotaExceeded) {
			reason = "storage_quota_exceeded"
		}
		m.emit(ctx, reason, map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

// pruneHistory removes separately keyed historical backups that are stale or
// cannot be parsed.
func (m *Manager) pruneHistory(ctx context.Context, now time.Time) {
	keys, err := m.fast.Keys()
	if err != nil {
		m.emit(ctx, "local_storage_error", map[string]any{"error": err.Error(), "op": "prune"})
		return
	}
	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, HistoryKeyPrefix) {
			continue
		}
		value, ok, err := m.fast.Get(key)
		if err != nil || !ok {
			continue
		}
		record, decodeErr := DecodeRecord([]byte(value))
		if decodeErr == nil && !record.CreatedAt.IsZero() && now.Sub(record.CreatedAt) < m.stalenessWindow {
			continue
		}
		if err := m.fast.Delete(key); err != nil {
			m.logger.Warn("prune historical backup failed", "key", key, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.emit(ctx, "history_pruned", map[string]any{"removed": removed})
	}
}

func (m *Manager) enqueueDurable(ctx context.Context, data []byte) bool {
	if m.durable == nil {
		m.emit(ctx, "durable_store_error", map[string]any{"error": ErrStoreUnavailable.Error()})
		return false
	}
	select {
	case <-m.closed:
		m.emit(ctx, "durable_store_error", map[string]any{"error": "manager closed"})
		return false
	default:
	}
	m.durableMu.Lock()
	m.pending = append([]byte(nil), data...)
	m.durableMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *Manager) runDurableWriter() {
	defer close(m.workerDone)
	for {
		select {
		case <-m.wake:
			m.flushDurable()
		case <-m.closed:
			m.flushDurable()
			return
		}
	}
}

func (m *Manager) flushDurable() {
	for {
		m.durableMu.Lock()
		data := m.pending
		m.pending = nil
		if data == nil {
			m.saving = false
			m.durableIdle.Broadcast()
			m.durableMu.Unlock()
			return
		}
		m.saving = true
		m.durableMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.durableTimeout)
		err := m.durable.Save(ctx, data)
		cancel()
		if err != nil {
			m.emit(context.Background(), "durable_store_error", map[string]any{"error": err.Error()})
			continue
		}
		m.emit(context.Background(), "durable_backup_saved", map[string]any{"size": len(data)})
	}
}

// Wait blocks until every queued durable write has been attempted.
func (m *Manager) Wait() {
	m.durableMu.Lock()
	defer m.durableMu.Unlock()
	for m.pending != nil || m.saving {
		select {
		case <-m.workerDone:
			return
		default:
		}
		m.durableIdle.Wait()
	}
}

// Restore returns the first valid record, fast tier first. Unreadable,
// corrupt, expired or foreign records are reported and skipped.
func (m *Manager) Restore(ctx context.Context) (Record, bool) {
	now := m.now()
	if m.fast != nil {
		value, ok, err := m.fast.Get(m.fastKey)
		switch {
		case err != nil:
			m.emit(ctx, "local_storage_error", map[string]any{"error": err.Error(), "op": "restore"})
		case ok:
			if record, valid := m.accept(ctx, "fast", []byte(value), now); valid {
				return record, true
			}
		}
	}
	if m.durable != nil {
		data, err := m.durable.Load(ctx)
		switch {
		case err != nil:
			m.emit(ctx, "durable_store_error", map[string]any{"error": err.Error(), "op": "restore"})
		case data != nil:
			if record, valid := m.accept(ctx, "durable", data, now); valid {
				return record, true
			}
		}
	}
	m.emit(ctx, "restore_empty", nil)
	return Record{}, false
}

func (m *Manager) accept(ctx context.Context, tier string, data []byte, now time.Time) (Record, bool) {
	record, err := DecodeRecord(data)
	if err == nil {
		err = record.Validate(m.domain, now, m.stalenessWindow)
	}
	if err != nil {
		m.emit(ctx, invalidReason(err), map[string]any{"tier": tier, "error": err.Error()})
		return Record{}, false
	}
	m.emit(ctx, "restore_completed", map[string]any{"tier": tier, "checksum": record.Checksum})
	return record, true
}

func invalidReason(err error) string {
	switch {
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrBackupExpired):
		return "backup_expired"
	case errors.Is(err, ErrDomainMismatch):
		return "domain_mismatch"
	default:
		return "corrupt_backup"
	}
}

// Close drains the durable writer and closes both tiers.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		<-m.workerDone
		m.durableMu.Lock()
		m.durableIdle.Broadcast()
		m.durableMu.Unlock()
		if m.durable != nil {
			err = m.durable.Close()
		}
		if closer, ok := m.fast.(io.Closer); ok {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	})
	return err
}

func (m *Manager) emit(ctx context.Context, reason string, attrs map[string]any) {
	telemetry.Emit(ctx, m.observer, telemetry.Event{Type: eventType, Reason: reason, Attrs: attrs})
}
