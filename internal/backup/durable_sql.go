package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	createTable string
	selectRow   string
	upsertRow   string
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			backup_key TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	selectRow: "SELECT record FROM %s WHERE backup_key = $1",
	upsertRow: `
		INSERT INTO %s (backup_key, record, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (backup_key)
		DO UPDATE SET record = EXCLUDED.record, updated_at = NOW()`,
}

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			backup_key TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	selectRow: "SELECT record FROM %s WHERE backup_key = ?",
	upsertRow: `
		INSERT INTO %s (backup_key, record, updated_at)
		VALUES (?, ?, CAST(strftime('%%s', 'now') AS INTEGER))
		ON CONFLICT (backup_key)
		DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
}

// SQLDurableStore keeps the current record in a single-row-per-key table.
// The connection is opened and the table created on first use; a failed
// attempt is retried by the next call.
type SQLDurableStore struct {
	dsn       string
	dialect   sqlDialect
	tableName string
	recordKey string
	openDB    sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresDurableStore(dsn string) (*SQLDurableStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLDurableStore{
		dsn:       dsn,
		dialect:   postgresDialect,
		tableName: DurableTable,
		recordKey: DurableKey,
		openDB:    sql.Open,
	}, nil
}

func NewSQLiteDurableStore(path string) (*SQLDurableStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return &SQLDurableStore{
		dsn:       dsn,
		dialect:   sqliteDialect,
		tableName: DurableTable,
		recordKey: DurableKey,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLDurableStore) Load(ctx context.Context) ([]byte, error) {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(s.dialect.selectRow, quoteIdentifier(s.tableName))
	var record string
	err = db.QueryRowContext(ctx, query, s.recordKey).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(record), nil
}

func (s *SQLDurableStore) Save(ctx context.Context, data []byte) error {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(s.dialect.upsertRow, quoteIdentifier(s.tableName))
	_, err = db.ExecContext(ctx, query, s.recordKey, string(data))
	return err
}

func (s *SQLDurableStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLDurableStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB(s.dialect.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if s.dialect.driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(s.dialect.createTable, quoteIdentifier(s.tableName))
	if _, err := db.ExecContext(initCtx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.db = db
	return db, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
