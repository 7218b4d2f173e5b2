// Package sqlite provides the SQLite implementation of the fleetsync
// LocalStore: the record mirror, the mutation ledger, the conflict log,
// and the pull watermarks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	stdSync "sync"
	"time"

	"github.com/veldra/fleetsync"
	"github.com/veldra/fleetsync/cursor"
	syncErrors "github.com/veldra/fleetsync/errors"
	"github.com/veldra/fleetsync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation names for consistent error reporting.
const (
	opUpsert   = "sqlite.UpsertRecord"
	opGet      = "sqlite.GetRecord"
	opRead     = "sqlite.ReadRecord"
	opDelete   = "sqlite.DeleteRecord"
	opEnqueue  = "sqlite.EnqueueMutation"
	opNext     = "sqlite.NextPendingMutations"
	opMark     = "sqlite.MarkMutationStatus"
	opConflict = "sqlite.RecordConflict"
	opResolve  = "sqlite.ResolveConflict"
)

var (
	ErrRecordNotFound   = fleetsync.ErrRecordNotFound
	ErrMutationNotFound = fleetsync.ErrMutationNotFound
	ErrConflictNotFound = fleetsync.ErrConflictNotFound
	ErrStoreClosed      = errors.New("store is closed")
)

// Config holds configuration options for the Store.
//
// Production defaults are applied by DefaultConfig, including WAL mode
// and a bounded connection pool.
type Config struct {
	// DataSourceName is the SQLite connection string.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging for better concurrency
	// between UI reads and sync writes. Enabled by default.
	EnableWAL bool

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with production defaults for the given
// data source.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements fleetsync.LocalStore on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool

	// writeMu serializes ledger writes so that EnqueueMutation and
	// MarkMutationStatus cannot interleave and break FIFO ordering.
	writeMu stdSync.Mutex

	logger *logging.Logger
}

var _ fleetsync.LocalStore = (*Store)(nil)

// New opens (creating if necessary) the local store.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.Info("opening local store",
		"data_source", config.DataSourceName,
		"wal_enabled", config.EnableWAL,
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	return store, nil
}

// NewWithDataSource is a convenience constructor using default config.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS records_mirror (
        tbl         TEXT NOT NULL,
        id          TEXT NOT NULL,
        version     INTEGER NOT NULL,
        fields      TEXT,
        deleted     INTEGER NOT NULL DEFAULT 0,
        updated_at  TIMESTAMP NOT NULL,
        PRIMARY KEY (tbl, id)
    );
    CREATE TABLE IF NOT EXISTS pending_mutations (
        seq            INTEGER PRIMARY KEY AUTOINCREMENT,
        id             TEXT NOT NULL UNIQUE,
        tbl            TEXT NOT NULL,
        record_id      TEXT NOT NULL,
        op             TEXT NOT NULL,
        payload        TEXT,
        base_version   INTEGER NOT NULL DEFAULT 0,
        status         TEXT NOT NULL DEFAULT 'queued',
        retry_count    INTEGER NOT NULL DEFAULT 0,
        not_before     TIMESTAMP,
        failure_reason TEXT,
        created_at     TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_pending_record ON pending_mutations (tbl, record_id, seq);
    CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_mutations (status, seq);
    CREATE TABLE IF NOT EXISTS conflicts (
        id              TEXT PRIMARY KEY,
        tbl             TEXT NOT NULL,
        record_id       TEXT NOT NULL,
        kind            TEXT NOT NULL,
        local_snapshot  TEXT,
        remote_snapshot TEXT,
        local_version   INTEGER NOT NULL DEFAULT 0,
        remote_version  INTEGER NOT NULL DEFAULT 0,
        status          TEXT NOT NULL DEFAULT 'unresolved',
        strategy        TEXT,
        created_at      TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts (status, created_at);
    CREATE TABLE IF NOT EXISTS sync_watermarks (
        tbl    TEXT PRIMARY KEY,
        cursor TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// UpsertRecord writes a record to the mirror. An incoming version older
// than the stored one is a no-op; the stored record is returned either way.
func (s *Store) UpsertRecord(ctx context.Context, rec fleetsync.Record) (fleetsync.Record, error) {
	if err := s.checkOpen(); err != nil {
		return fleetsync.Record{}, err
	}
	if rec.Table == "" || rec.ID == "" {
		return fleetsync.Record{}, syncErrors.NewValidationError(opUpsert, fmt.Errorf("table and id are required"))
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fleetsync.Record{}, syncErrors.NewStorageError(opUpsert, err)
	}
	defer tx.Rollback()

	var storedVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM records_mirror WHERE tbl = ? AND id = ?`,
		rec.Table, rec.ID).Scan(&storedVersion)
	switch {
	case err == sql.ErrNoRows:
		// First write for this record.
	case err != nil:
		return fleetsync.Record{}, syncErrors.NewStorageError(opUpsert, err)
	case rec.Version < storedVersion:
		// Stale write: keep what we have.
		if err := tx.Commit(); err != nil {
			return fleetsync.Record{}, syncErrors.NewStorageError(opUpsert, err)
		}
		return s.GetRecord(ctx, rec.Table, rec.ID)
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fleetsync.Record{}, syncErrors.NewValidationError(opUpsert, err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO records_mirror (tbl, id, version, fields, deleted, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (tbl, id) DO UPDATE SET
            version = excluded.version,
            fields = excluded.fields,
            deleted = excluded.deleted,
            updated_at = excluded.updated_at`,
		rec.Table, rec.ID, rec.Version, string(fieldsJSON), rec.Deleted, rec.UpdatedAt)
	if err != nil {
		return fleetsync.Record{}, syncErrors.NewStorageError(opUpsert, err)
	}

	if err := tx.Commit(); err != nil {
		return fleetsync.Record{}, syncErrors.NewStorageError(opUpsert, err)
	}
	return rec, nil
}

// GetRecord returns the raw mirror state without pending mutations.
func (s *Store) GetRecord(ctx context.Context, table, id string) (fleetsync.Record, error) {
	if err := s.checkOpen(); err != nil {
		return fleetsync.Record{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT version, fields, deleted, updated_at FROM records_mirror WHERE tbl = ? AND id = ?`,
		table, id)

	rec := fleetsync.Record{Table: table, ID: id}
	var fieldsJSON sql.NullString
	err := row.Scan(&rec.Version, &fieldsJSON, &rec.Deleted, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return fleetsync.Record{}, ErrRecordNotFound
	}
	if err != nil {
		return fleetsync.Record{}, syncErrors.NewStorageError(opGet, err)
	}

	if fieldsJSON.Valid && fieldsJSON.String != "" && fieldsJSON.String != "null" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &rec.Fields); err != nil {
			// Undecodable mirror state must never be papered over.
			return fleetsync.Record{}, syncErrors.NewCorruptionError(opGet,
				fmt.Errorf("record %s/%s has undecodable fields: %w", table, id, err))
		}
	}
	return rec, nil
}

// ReadRecord returns the optimistic view of a record: the mirror state
// with all still-pending mutations applied in FIFO order. A record whose
// pending delete has not been acknowledged reads as not found.
func (s *Store) ReadRecord(ctx context.Context, table, id string) (fleetsync.Record, error) {
	rec, err := s.GetRecord(ctx, table, id)
	missing := errors.Is(err, ErrRecordNotFound)
	if err != nil && !missing {
		return fleetsync.Record{}, err
	}

	pending, err := s.PendingForRecord(ctx, table, id)
	if err != nil {
		return fleetsync.Record{}, err
	}
	if missing && len(pending) == 0 {
		return fleetsync.Record{}, ErrRecordNotFound
	}

	if missing {
		rec = fleetsync.Record{Table: table, ID: id}
	}
	deleted := rec.Deleted
	for _, m := range pending {
		var fields map[string]any
		fields, deleted = fleetsync.ApplyToFields(rec.Fields, m)
		rec.Fields = fields
	}
	rec.Deleted = deleted
	if rec.Deleted {
		return fleetsync.Record{}, ErrRecordNotFound
	}
	return rec, nil
}

// DeleteRecord tombstones the mirror copy at the given version. An older
// version than the stored one is a no-op.
func (s *Store) DeleteRecord(ctx context.Context, table, id string, version int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO records_mirror (tbl, id, version, fields, deleted, updated_at)
        VALUES (?, ?, ?, NULL, 1, ?)
        ON CONFLICT (tbl, id) DO UPDATE SET
            version = excluded.version,
            fields = NULL,
            deleted = 1,
            updated_at = excluded.updated_at
        WHERE records_mirror.version <= excluded.version`,
		table, id, version, time.Now().UTC())
	if err != nil {
		return syncErrors.NewStorageError(opDelete, err)
	}
	return nil
}

// Watermark returns the pull cursor for a table, or nil when the table
// has never completed a pull.
func (s *Store) Watermark(ctx context.Context, table string) (cursor.Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_watermarks WHERE tbl = ?`, table).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.NewStorageError(opGet, err)
	}

	c, err := cursor.Decode(encoded)
	if err != nil {
		return nil, syncErrors.NewCorruptionError(opGet,
			fmt.Errorf("watermark for table %s: %w", table, err))
	}
	return c, nil
}

// SetWatermark advances the pull cursor for a table.
func (s *Store) SetWatermark(ctx context.Context, table string, c cursor.Cursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	encoded, err := cursor.Encode(c)
	if err != nil {
		return syncErrors.NewValidationError(opUpsert, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO sync_watermarks (tbl, cursor) VALUES (?, ?)
        ON CONFLICT (tbl) DO UPDATE SET cursor = excluded.cursor`,
		table, encoded)
	if err != nil {
		return syncErrors.NewStorageError(opUpsert, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}
