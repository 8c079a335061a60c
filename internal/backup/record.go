package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/agentworkforce/backstop/internal/checksum"
)

var (
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrBackupExpired        = errors.New("backup expired")
	ErrDomainMismatch       = errors.New("backup belongs to another domain")
	ErrCorruptRecord        = errors.New("corrupt backup record")
	ErrInvalidInput         = errors.New("invalid input")
	ErrUnsupportedScheme    = errors.New("unsupported scheme")
)

const (
	SchemaVersion     = "1.0"
	FastKey           = "app_secure_backup_v1"
	DurableKey        = "current"
	DurableTable      = "backups"
	HistoryKeyPrefix  = "app_backup_"
	StateKeyPrefix    = "app_"
	StalenessWindow   = 24 * time.Hour
	MaxFastTierLength = 1_000_000
)

type Record struct {
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	OriginDomain  string          `json:"originDomain"`
	SchemaVersion string          `json:"schemaVersion"`
	Checksum      string          `json:"checksum"`
}

// QuotaError reports a fast-tier write refused before it reached the store.
type QuotaError struct {
	Length int
	Limit  int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %d characters exceeds limit of %d", e.Length, e.Limit)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrStorageQuotaExceeded
}

func NewRecord(payload any, domain string, now time.Time) (Record, error) {
	canonical, err := checksum.Canonical(payload)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Payload:       json.RawMessage(canonical),
		CreatedAt:     now.UTC(),
		OriginDomain:  domain,
		SchemaVersion: SchemaVersion,
		Checksum:      checksum.Digest(canonical),
	}, nil
}

// Validate checks integrity, staleness and domain binding. A record whose
// age equals the staleness window is already expired.
func (r Record) Validate(domain string, now time.Time, window time.Duration) error {
	if window <= 0 {
		window = StalenessWindow
	}
	sum, err := checksum.Of(r.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if sum != r.Checksum {
		return fmt.Errorf("%w: stored %s, computed %s", ErrChecksumMismatch, r.Checksum, sum)
	}
	if r.CreatedAt.IsZero() || now.Sub(r.CreatedAt) >= window {
		return fmt.Errorf("%w: created %s", ErrBackupExpired, r.CreatedAt.Format(time.RFC3339))
	}
	if !strings.EqualFold(strings.TrimSpace(r.OriginDomain), strings.TrimSpace(domain)) {
		return fmt.Errorf("%w: %s", ErrDomainMismatch, r.OriginDomain)
	}
	return nil
}

func EncodeRecord(r Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if strings.TrimSpace(r.Checksum) == "" || len(r.Payload) == 0 {
		return Record{}, fmt.Errorf("%w: missing checksum or payload", ErrCorruptRecord)
	}
	return r, nil
}

// IsStateKey reports whether a fast-tier key holds application state whose
// change should trigger a backup.
func IsStateKey(key string) bool {
	if !strings.HasPrefix(key, StateKeyPrefix) {
		return false
	}
	return key != FastKey && !strings.HasPrefix(key, HistoryKeyPrefix)
}

// serializedLength counts UTF-16 code units, the unit the fast-tier quota is
// expressed in.
func serializedLength(s string) int {
	n := 0
	for _, r := range s {
		if size := utf16.RuneLen(r); size > 0 {
			n += size
		} else {
			n++
		}
	}
	return n
}
