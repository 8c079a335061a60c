package backup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agentworkforce/backstop/internal/checksum"
	"github.com/agentworkforce/backstop/internal/telemetry"
)

const testDomain = "app.example.com"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingDurableStore struct {
	err error
}

func (s *failingDurableStore) Load(context.Context) ([]byte, error) { return nil, s.err }
func (s *failingDurableStore) Save(context.Context, []byte) error   { return s.err }
func (s *failingDurableStore) Close() error                         { return nil }

type gatedDurableStore struct {
	InMemoryDurableStore
	started chan struct{}
	gate    chan struct{}

	mu    sync.Mutex
	saves [][]byte
}

func (s *gatedDurableStore) Save(ctx context.Context, data []byte) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.gate
	s.mu.Lock()
	s.saves = append(s.saves, append([]byte(nil), data...))
	s.mu.Unlock()
	return s.InMemoryDurableStore.Save(ctx, data)
}

func newTestManager(t *testing.T, fast FastStore, durable DurableStore, clock *testClock, recorder *telemetry.Recorder) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{
		Fast:     fast,
		Durable:  durable,
		Domain:   testDomain,
		Observer: recorder,
		Logger:   telemetry.Discard(),
		Now:      clock.Now,
	})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func decodePayload(t *testing.T, raw json.RawMessage) any {
	t.Helper()
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode payload %s: %v", raw, err)
	}
	return out
}

func TestCreateThenRestoreRoundTrip(t *testing.T) {
	clock := newTestClock()
	fast := NewInMemoryFastStore()
	durable := NewInMemoryDurableStore()
	m := newTestManager(t, fast, durable, clock, &telemetry.Recorder{})

	payload := map[string]any{
		"cart":  []any{"apple", "pear"},
		"user":  map[string]any{"id": 42.0, "name": "Ada <admin>"},
		"saved": true,
	}
	result, err := m.Create(context.Background(), payload)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.FastErr != nil || !result.DurableQueued {
		t.Fatalf("expected both tiers to accept, got %+v", result)
	}
	m.Wait()

	record, ok := m.Restore(context.Background())
	if !ok {
		t.Fatalf("expected restore to find a record")
	}
	if diff := cmp.Diff(payload, decodePayload(t, record.Payload)); diff != "" {
		t.Fatalf("restored payload mismatch (-want +got):\n%s", diff)
	}
	if record.SchemaVersion != SchemaVersion || record.OriginDomain != testDomain {
		t.Fatalf("unexpected record metadata: %+v", record)
	}
	if want, _ := checksum.Of(payload); record.Checksum != want {
		t.Fatalf("expected checksum %s, got %s", want, record.Checksum)
	}

	stored, err := durable.Load(context.Background())
	if err != nil || stored == nil {
		t.Fatalf("expected durable tier to hold the record, got %v (%v)", stored, err)
	}
	if _, ok, _ := fast.Get(FastKey); !ok {
		t.Fatalf("expected fast tier to hold %s", FastKey)
	}
}

func TestRestoreRespectsStalenessWindow(t *testing.T) {
	cases := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{name: "one hour old", age: time.Hour, want: true},
		{name: "exactly one day old", age: 24 * time.Hour, want: false},
		{name: "twenty five hours old", age: 25 * time.Hour, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newTestClock()
			recorder := &telemetry.Recorder{}
			m := newTestManager(t, NewInMemoryFastStore(), NewInMemoryDurableStore(), clock, recorder)
			if _, err := m.Create(context.Background(), map[string]any{"a": 1}); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			m.Wait()
			clock.Advance(tc.age)

			_, ok := m.Restore(context.Background())
			if ok != tc.want {
				t.Fatalf("expected restore=%v after %s, got %v", tc.want, tc.age, ok)
			}
			if !tc.want && !recorder.Has("backup_expired") {
				t.Fatalf("expected backup_expired event, got %v", recorder.Reasons())
			}
		})
	}
}

func TestRestoreFallsBackToFastTierWhenDurableFails(t *testing.T) {
	clock := newTestClock()
	recorder := &telemetry.Recorder{}
	m := newTestManager(t, NewInMemoryFastStore(), &failingDurableStore{err: errors.New("indexeddb blocked")}, clock, recorder)

	result, err := m.Create(context.Background(), map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.FastErr != nil {
		t.Fatalf("expected fast tier success, got %v", result.FastErr)
	}
	m.Wait()
	if !recorder.Has("durable_store_error") {
		t.Fatalf("expected durable_store_error event, got %v", recorder.Reasons())
	}

	record, ok := m.Restore(context.Background())
	if !ok {
		t.Fatalf("expected fast tier record to be restored")
	}
	if diff := cmp.Diff(map[string]any{"a": 1.0}, decodePayload(t, record.Payload)); diff != "" {
		t.Fatalf("restored payload mismatch (-want +got):\n%s", diff)
	}
}

func TestOversizedPayloadSkipsFastTierButReachesDurable(t *testing.T) {
	clock := newTestClock()
	recorder := &telemetry.Recorder{}
	fast := NewInMemoryFastStore()
	durable := NewInMemoryDurableStore()
	m := newTestManager(t, fast, durable, clock, recorder)

	big := strings.Repeat("x", 2_000_000)
	result, err := m.Create(context.Background(), map[string]any{"blob": big})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !errors.Is(result.FastErr, ErrStorageQuotaExceeded) {
		t.Fatalf("expected ErrStorageQuotaExceeded, got %v", result.FastErr)
	}
	var quotaErr *QuotaError
	if !errors.As(result.FastErr, &quotaErr) || quotaErr.Limit != MaxFastTierLength {
		t.Fatalf("expected QuotaError with default limit, got %#v", result.FastErr)
	}
	if _, ok, _ := fast.Get(FastKey); ok {
		t.Fatalf("expected fast tier write not to be attempted")
	}
	if !recorder.Has("storage_quota_exceeded") {
		t.Fatalf("expected storage_quota_exceeded event, got %v", recorder.Reasons())
	}

	m.Wait()
	stored, err := durable.Load(context.Background())
	if err != nil || stored == nil {
		t.Fatalf("expected durable write to succeed, got %v", err)
	}
	record, ok := m.Restore(context.Background())
	if !ok {
		t.Fatalf("expected durable record to be restored")
	}
	payload := decodePayload(t, record.Payload).(map[string]any)
	if payload["blob"] != big {
		t.Fatalf("expected large blob to round trip through the durable tier")
	}
}

func TestCreateRejectsUnserializablePayload(t *testing.T) {
	recorder := &telemetry.Recorder{}
	durable := NewInMemoryDurableStore()
	m := newTestManager(t, NewInMemoryFastStore(), durable, newTestClock(), recorder)

	_, err := m.Create(context.Background(), map[string]any{"ch": make(chan int)})
	if !errors.Is(err, checksum.ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
	m.Wait()
	if stored, _ := durable.Load(context.Background()); stored != nil {
		t.Fatalf("expected nothing written, got %s", stored)
	}
	if !recorder.Has("serialization_error") {
		t.Fatalf("expected serialization_error event, got %v", recorder.Reasons())
	}
}

func TestRestoreSkipsInvalidFastRecordAndUsesDurable(t *testing.T) {
	cases := map[string]func(t *testing.T, fast *InMemoryFastStore){
		"corrupt": func(t *testing.T, fast *InMemoryFastStore) {
			_ = fast.Set(FastKey, "{not json")
		},
		"tampered": func(t *testing.T, fast *InMemoryFastStore) {
			value, _, _ := fast.Get(FastKey)
			_ = fast.Set(FastKey, strings.Replace(value, `"a":1`, `"a":2`, 1))
		},
		"foreign domain": func(t *testing.T, fast *InMemoryFastStore) {
			value, _, _ := fast.Get(FastKey)
			_ = fast.Set(FastKey, strings.Replace(value, testDomain, "evil.example", 1))
		},
	}
	wantReason := map[string]string{
		"corrupt":        "corrupt_backup",
		"tampered":       "checksum_mismatch",
		"foreign domain": "domain_mismatch",
	}
	for name, damage := range cases {
		t.Run(name, func(t *testing.T) {
			recorder := &telemetry.Recorder{}
			fast := NewInMemoryFastStore()
			m := newTestManager(t, fast, NewInMemoryDurableStore(), newTestClock(), recorder)
			if _, err := m.Create(context.Background(), map[string]any{"a": 1}); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			m.Wait()
			damage(t, fast)

			record, ok := m.Restore(context.Background())
			if !ok {
				t.Fatalf("expected durable fallback, got empty restore (events %v)", recorder.Reasons())
			}
			if diff := cmp.Diff(map[string]any{"a": 1.0}, decodePayload(t, record.Payload)); diff != "" {
				t.Fatalf("restored payload mismatch (-want +got):\n%s", diff)
			}
			if !recorder.Has(wantReason[name]) {
				t.Fatalf("expected %s event, got %v", wantReason[name], recorder.Reasons())
			}
		})
	}
}

func TestRestoreEmptyWhenNothingStored(t *testing.T) {
	recorder := &telemetry.Recorder{}
	m := newTestManager(t, NewInMemoryFastStore(), NewInMemoryDurableStore(), newTestClock(), recorder)
	if _, ok := m.Restore(context.Background()); ok {
		t.Fatalf("expected empty restore")
	}
	if !recorder.Has("restore_empty") {
		t.Fatalf("expected restore_empty event, got %v", recorder.Reasons())
	}
}

func TestCreatePrunesStaleAndUnparseableHistory(t *testing.T) {
	clock := newTestClock()
	fast := NewInMemoryFastStore()
	m := newTestManager(t, fast, NewInMemoryDurableStore(), clock, &telemetry.Recorder{})

	fresh, _ := NewRecord(map[string]any{"v": 1}, testDomain, clock.Now().Add(-time.Hour))
	stale, _ := NewRecord(map[string]any{"v": 0}, testDomain, clock.Now().Add(-25*time.Hour))
	freshData, _ := EncodeRecord(fresh)
	staleData, _ := EncodeRecord(stale)
	_ = fast.Set("app_backup_fresh", string(freshData))
	_ = fast.Set("app_backup_stale", string(staleData))
	_ = fast.Set("app_backup_garbage", "???")
	_ = fast.Set("app_cart", `{"items":[]}`)

	if _, err := m.Create(context.Background(), map[string]any{"v": 2}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	keys, _ := fast.Keys()
	want := []string{"app_backup_fresh", "app_cart", FastKey}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("unexpected keys after prune (-want +got):\n%s", diff)
	}
}

func TestDurableWriterKeepsOnlyLatestPendingRecord(t *testing.T) {
	durable := &gatedDurableStore{started: make(chan struct{}, 1), gate: make(chan struct{})}
	m := newTestManager(t, NewInMemoryFastStore(), durable, newTestClock(), &telemetry.Recorder{})

	if _, err := m.Create(context.Background(), map[string]any{"n": 1}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	select {
	case <-durable.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected durable writer to start saving")
	}
	for n := 2; n <= 3; n++ {
		if _, err := m.Create(context.Background(), map[string]any{"n": n}); err != nil {
			t.Fatalf("create %d failed: %v", n, err)
		}
	}
	close(durable.gate)
	m.Wait()

	durable.mu.Lock()
	saves := len(durable.saves)
	durable.mu.Unlock()
	if saves != 2 {
		t.Fatalf("expected 2 durable saves (in-flight + latest), got %d", saves)
	}
	stored, _ := durable.Load(context.Background())
	record, err := DecodeRecord(stored)
	if err != nil {
		t.Fatalf("decode durable record: %v", err)
	}
	if string(record.Payload) != `{"n":3}` {
		t.Fatalf("expected latest payload to win, got %s", record.Payload)
	}
}

func TestCloseDrainsPendingDurableWrite(t *testing.T) {
	durable := NewInMemoryDurableStore()
	m := NewManager(ManagerOptions{Fast: NewInMemoryFastStore(), Durable: durable, Domain: testDomain, Logger: telemetry.Discard()})
	if _, err := m.Create(context.Background(), map[string]any{"k": "v"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if stored, _ := durable.Load(context.Background()); stored == nil {
		t.Fatalf("expected pending durable write to be flushed on close")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	result, err := m.Create(context.Background(), map[string]any{"k": "late"})
	if err != nil {
		t.Fatalf("create after close failed: %v", err)
	}
	if result.DurableQueued {
		t.Fatalf("expected durable tier to refuse writes after close")
	}
}

func TestIsStateKey(t *testing.T) {
	cases := map[string]bool{
		"app_cart":           true,
		"app_user_settings":  true,
		FastKey:              false,
		"app_backup_1700000": false,
		"theme":              false,
	}
	for key, want := range cases {
		if got := IsStateKey(key); got != want {
			t.Fatalf("expected IsStateKey(%q)=%v, got %v", key, want, got)
		}
	}
}
