package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agentworkforce/backstop/internal/backup"
	"github.com/agentworkforce/backstop/internal/telemetry"
)

const (
	trustedOrigin      = "https://app.example.com"
	trustedSlashOrigin = "https://app.example.com/"
)

type posted struct {
	Env    Envelope
	Origin string
}

type replyRecorder struct {
	mu    sync.Mutex
	posts []posted
}

func (r *replyRecorder) Post(_ context.Context, env Envelope, targetOrigin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, posted{Env: env, Origin: targetOrigin})
	return nil
}

func (r *replyRecorder) Posts() []posted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]posted(nil), r.posts...)
}

type fakeBackupService struct {
	mu       sync.Mutex
	created  []string
	restores int
	record   *backup.Record
}

func (f *fakeBackupService) Create(_ context.Context, payload any) (backup.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := payload.(json.RawMessage)
	f.created = append(f.created, string(raw))
	return backup.CreateResult{}, nil
}

func (f *fakeBackupService) Restore(context.Context) (backup.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	if f.record == nil {
		return backup.Record{}, false
	}
	return *f.record, true
}

func (f *fakeBackupService) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), f.restores
}

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T, recorder *telemetry.Recorder) *Gateway {
	t.Helper()
	g, err := New(Options{
		AllowedOrigins: []string{trustedOrigin, trustedSlashOrigin},
		Observer:       recorder,
		Logger:         telemetry.Discard(),
		Now:            func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func rawEnvelope(t *testing.T, kind Kind, payload any, issuedAt time.Time) []byte {
	t.Helper()
	env, err := NewEnvelope(kind, payload, issuedAt)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func TestUntrustedOriginNeverCausesSideEffects(t *testing.T) {
	recorder := &telemetry.Recorder{}
	g := newTestGateway(t, recorder)
	svc := &fakeBackupService{record: &backup.Record{Payload: json.RawMessage(`{"a":1}`)}}
	g.RegisterBackup(svc)
	reply := &replyRecorder{}

	payloads := []any{nil, map[string]any{"a": 1}, "text", 42, []any{1, "two"}}
	origins := []string{"https://evil.example", "", "null", "*", "https://app.example.com.evil.example", "http://app.example.com"}
	for _, origin := range origins {
		for _, kind := range []Kind{KindBackupRequest, KindRestoreRequest, KindValidationRequest} {
			for _, payload := range payloads {
				g.Handle(context.Background(), Inbound{Raw: rawEnvelope(t, kind, payload, fixedNow), Origin: origin, Reply: reply})
			}
		}
		g.Handle(context.Background(), Inbound{Raw: []byte("garbage"), Origin: origin, Reply: reply})
	}

	if created, restores := svc.calls(); created != 0 || restores != 0 {
		t.Fatalf("expected no backup side effects, got %d creates and %d restores", created, restores)
	}
	if posts := reply.Posts(); len(posts) != 0 {
		t.Fatalf("expected no replies, got %+v", posts)
	}
	for _, reason := range recorder.Reasons() {
		if reason != "origin_rejected" {
			t.Fatalf("expected only origin_rejected events, got %v", recorder.Reasons())
		}
	}
}

func TestFreshnessWindow(t *testing.T) {
	cases := []struct {
		name     string
		issuedAt time.Time
		accepted bool
	}{
		{name: "one second old", issuedAt: fixedNow.Add(-time.Second), accepted: true},
		{name: "just issued", issuedAt: fixedNow, accepted: true},
		{name: "five seconds old", issuedAt: fixedNow.Add(-5 * time.Second), accepted: false},
		{name: "six seconds old", issuedAt: fixedNow.Add(-6 * time.Second), accepted: false},
		{name: "six seconds in the future", issuedAt: fixedNow.Add(6 * time.Second), accepted: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := &telemetry.Recorder{}
			g := newTestGateway(t, recorder)
			svc := &fakeBackupService{}
			g.RegisterBackup(svc)

			g.Handle(context.Background(), Inbound{
				Raw:    rawEnvelope(t, KindBackupRequest, map[string]any{"a": 1}, tc.issuedAt),
				Origin: trustedOrigin,
				Reply:  &replyRecorder{},
			})
			created, _ := svc.calls()
			if tc.accepted && created != 1 {
				t.Fatalf("expected envelope to be accepted, events %v", recorder.Reasons())
			}
			if !tc.accepted {
				if created != 0 {
					t.Fatalf("expected envelope to be rejected")
				}
				if !recorder.Has("stale_or_invalid_envelope") {
					t.Fatalf("expected stale_or_invalid_envelope event, got %v", recorder.Reasons())
				}
			}
		})
	}
}

func TestVerifyRejectsMalformedEnvelopes(t *testing.T) {
	g := newTestGateway(t, &telemetry.Recorder{})
	issued := fixedNow.UnixMilli()
	cases := map[string]string{
		"not json":          `{`,
		"array":             `[1,2]`,
		"missing kind":      fmt.Sprintf(`{"payload":null,"issuedAt":%d}`, issued),
		"empty kind":        fmt.Sprintf(`{"kind":"","payload":null,"issuedAt":%d}`, issued),
		"missing payload":   fmt.Sprintf(`{"kind":"BackupRequest","issuedAt":%d}`, issued),
		"missing issuedAt":  `{"kind":"BackupRequest","payload":null}`,
		"string issuedAt":   `{"kind":"BackupRequest","payload":null,"issuedAt":"now"}`,
		"fraction issuedAt": fmt.Sprintf(`{"kind":"BackupRequest","payload":null,"issuedAt":%d.5}`, issued),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := g.Verify([]byte(raw), trustedOrigin); !errors.Is(err, ErrStaleOrInvalidEnvelope) {
				t.Fatalf("expected ErrStaleOrInvalidEnvelope, got %v", err)
			}
		})
	}

	env, err := g.Verify([]byte(fmt.Sprintf(`{"kind":"RestoreRequest","payload":null,"issuedAt":%d}`, issued)), trustedSlashOrigin)
	if err != nil {
		t.Fatalf("expected null payload from trailing-slash origin to verify, got %v", err)
	}
	if env.Kind != KindRestoreRequest {
		t.Fatalf("expected RestoreRequest, got %s", env.Kind)
	}
	if _, err := g.Verify([]byte(`{}`), "https://other.example"); !errors.Is(err, ErrOriginRejected) {
		t.Fatalf("expected ErrOriginRejected, got %v", err)
	}
}

func TestRestoreReplyIsScopedToVerifiedOrigin(t *testing.T) {
	recorder := &telemetry.Recorder{}
	g := newTestGateway(t, recorder)
	svc := &fakeBackupService{record: &backup.Record{Payload: json.RawMessage(`{"cart":["apple"]}`)}}
	g.RegisterBackup(svc)
	reply := &replyRecorder{}

	g.Handle(context.Background(), Inbound{Raw: rawEnvelope(t, KindRestoreRequest, nil, fixedNow), Origin: trustedSlashOrigin, Reply: reply})

	posts := reply.Posts()
	if len(posts) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(posts))
	}
	if posts[0].Origin != trustedSlashOrigin {
		t.Fatalf("expected reply scoped to %s, got %s", trustedSlashOrigin, posts[0].Origin)
	}
	if posts[0].Env.Kind != KindRestoreResponse {
		t.Fatalf("expected RestoreResponse, got %s", posts[0].Env.Kind)
	}
	var payload map[string]any
	if err := posts[0].Env.Decode(&payload); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"cart": []any{"apple"}}, payload); diff != "" {
		t.Fatalf("unexpected reply payload (-want +got):\n%s", diff)
	}
	if posts[0].Env.IssuedAt != fixedNow.UnixMilli() {
		t.Fatalf("expected reply stamped with gateway clock, got %d", posts[0].Env.IssuedAt)
	}
}

func TestRestoreWithoutBackupRepliesEmpty(t *testing.T) {
	g := newTestGateway(t, &telemetry.Recorder{})
	g.RegisterBackup(&fakeBackupService{})
	reply := &replyRecorder{}
	g.Handle(context.Background(), Inbound{Raw: rawEnvelope(t, KindRestoreRequest, nil, fixedNow), Origin: trustedOrigin, Reply: reply})
	posts := reply.Posts()
	if len(posts) != 1 || posts[0].Env.Kind != KindRestoreEmpty {
		t.Fatalf("expected a single RestoreEmpty reply, got %+v", posts)
	}
}

func TestBackupRequestForwardsPayload(t *testing.T) {
	g := newTestGateway(t, &telemetry.Recorder{})
	svc := &fakeBackupService{}
	g.RegisterBackup(svc)
	g.Handle(context.Background(), Inbound{Raw: rawEnvelope(t, KindBackupRequest, map[string]any{"b": 2, "a": 1}, fixedNow), Origin: trustedOrigin})
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if diff := cmp.Diff([]string{`{"a":1,"b":2}`}, svc.created); diff != "" {
		t.Fatalf("unexpected created payloads (-want +got):\n%s", diff)
	}
}

func TestUnknownKindIsDropped(t *testing.T) {
	recorder := &telemetry.Recorder{}
	g := newTestGateway(t, recorder)
	reply := &replyRecorder{}
	g.Handle(context.Background(), Inbound{Raw: rawEnvelope(t, Kind("SelfDestruct"), nil, fixedNow), Origin: trustedOrigin, Reply: reply})
	if !recorder.Has("unknown_kind") {
		t.Fatalf("expected unknown_kind event, got %v", recorder.Reasons())
	}
	if len(reply.Posts()) != 0 {
		t.Fatalf("expected no reply for unknown kind")
	}
}

func TestHandlerFailuresAreContained(t *testing.T) {
	recorder := &telemetry.Recorder{}
	g := newTestGateway(t, recorder)
	g.RegisterFunc(KindTakeOverNow, func(context.Context, Request) error { panic("boom") })
	g.RegisterFunc(KindCacheStatusQuery, func(context.Context, Request) error { return errors.New("cache offline") })
	calls := 0
	g.RegisterFunc(KindValidationRequest, func(context.Context, Request) error { calls++; return nil })

	g.Handle(context.Background(), Inbound{Raw: rawEnvelope(t, KindTakeOverNow, nil, fixedNow), Origin: trustedOrigin})
	g.Handle(context.Background(), Inbound{Raw: rawEnvelope(t, KindCacheStatusQuery, nil, fixedNow), Origin: trustedOrigin})
	g.Handle(context.Background(), Inbound{Raw: rawEnvelope(t, KindValidationRequest, nil, fixedNow), Origin: trustedOrigin})

	want := []string{"dispatch_failed", "dispatch_failed", "dispatched"}
	if diff := cmp.Diff(want, recorder.Reasons()); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
	if calls != 1 {
		t.Fatalf("expected gateway to keep dispatching after failures, got %d calls", calls)
	}
}

func TestRespondWithoutReplyTarget(t *testing.T) {
	req := Request{Envelope: Envelope{Kind: KindRestoreRequest}, Origin: trustedOrigin}
	if err := req.Respond(context.Background(), KindRestoreEmpty, nil); !errors.Is(err, ErrNoReplyTarget) {
		t.Fatalf("expected ErrNoReplyTarget, got %v", err)
	}
}

func TestHandleIsSequential(t *testing.T) {
	g := newTestGateway(t, &telemetry.Recorder{})
	var active, maxActive int32
	g.RegisterFunc(KindBackupRequest, func(context.Context, Request) error {
		n := atomic.AddInt32(&active, 1)
		for {
			seen := atomic.LoadInt32(&maxActive)
			if n <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})

	raw := rawEnvelope(t, KindBackupRequest, map[string]any{"a": 1}, fixedNow)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Handle(context.Background(), Inbound{Raw: raw, Origin: trustedOrigin})
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("expected at most one handler at a time, saw %d", maxActive)
	}
}
