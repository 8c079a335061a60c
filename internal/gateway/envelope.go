package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/backstop/internal/checksum"
)

type Kind string

const (
	KindBackupRequest      Kind = "BackupRequest"
	KindRestoreRequest     Kind = "RestoreRequest"
	KindRestoreResponse    Kind = "RestoreResponse"
	KindRestoreEmpty       Kind = "RestoreEmpty"
	KindValidationRequest  Kind = "ValidationRequest"
	KindValidationResponse Kind = "ValidationResponse"
	KindTakeOverNow        Kind = "TakeOverNow"
	KindCacheStatusQuery   Kind = "CacheStatusQuery"
	KindCacheStatus        Kind = "CacheStatus"
	KindProduceState       Kind = "ProduceState"
)

// AnyOrigin addresses a broadcast that carries no confidential data.
const AnyOrigin = "*"

// Envelope is the unit crossing the trust boundary. IssuedAt is Unix
// milliseconds.
type Envelope struct {
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	IssuedAt int64           `json:"issuedAt"`
}

func NewEnvelope(kind Kind, payload any, issuedAt time.Time) (Envelope, error) {
	raw := json.RawMessage("null")
	if payload != nil {
		data, err := checksum.Canonical(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = data
	}
	return Envelope{Kind: kind, Payload: raw, IssuedAt: issuedAt.UnixMilli()}, nil
}

func (e Envelope) Issued() time.Time {
	return time.UnixMilli(e.IssuedAt)
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// ReplyTarget delivers an envelope back to one peer. targetOrigin scopes the
// delivery: the target must drop it unless the peer's origin matches, with
// AnyOrigin matching every peer.
type ReplyTarget interface {
	Post(ctx context.Context, env Envelope, targetOrigin string) error
}

type ReplyFunc func(ctx context.Context, env Envelope, targetOrigin string) error

func (f ReplyFunc) Post(ctx context.Context, env Envelope, targetOrigin string) error {
	return f(ctx, env, targetOrigin)
}

// Inbound is one raw message plus the metadata the transport vouches for.
type Inbound struct {
	Raw    []byte
	Origin string
	Reply  ReplyTarget
}

// Request is a verified envelope handed to a Handler.
type Request struct {
	Envelope
	Origin string
	Reply  ReplyTarget
	now    func() time.Time
}

// Respond posts a reply of kind to the verified sender only.
func (r Request) Respond(ctx context.Context, kind Kind, payload any) error {
	if r.Reply == nil {
		return ErrNoReplyTarget
	}
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	env, err := NewEnvelope(kind, payload, now())
	if err != nil {
		return err
	}
	return r.Reply.Post(ctx, env, r.Origin)
}

type Handler interface {
	HandleEnvelope(ctx context.Context, req Request) error
}

type HandlerFunc func(ctx context.Context, req Request) error

func (f HandlerFunc) HandleEnvelope(ctx context.Context, req Request) error {
	return f(ctx, req)
}
