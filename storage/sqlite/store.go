// Package sqlite implements the on-device store backing the sync engine: the
// synced record tables, pull cursors, circuit-breaker block state, and the
// cross-process advisory lock rows.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/goccy/go-json"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"

	syncErrors "github.com/quizlight/studysync/errors"
	"github.com/quizlight/studysync/logging"
	"github.com/quizlight/studysync/record"
)

const (
	opDirty      syncErrors.Operation = "sqlite.DirtyRecords"
	opGet        syncErrors.Operation = "sqlite.Get"
	opPut        syncErrors.Operation = "sqlite.Put"
	opMarkSynced syncErrors.Operation = "sqlite.MarkSynced"
	opApply      syncErrors.Operation = "sqlite.ApplyRemote"
)

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = stderrors.New("store is closed")

// Config holds configuration for the Store.
type Config struct {
	// DataSourceName is the SQLite connection string.
	DataSourceName string

	// EnableWAL turns on write-ahead logging for better concurrency.
	// Enabled by default via DefaultConfig.
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

// DefaultConfig returns a Config with WAL enabled and pool defaults applied.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{DataSourceName: dataSourceName, EnableWAL: true}
	config.setDefaults()
	return config
}

// Store is the embedded on-device datastore. One Store instance serves all
// three synced collections plus the sync engine's own cursor, block, and lock
// state.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
	now    func() time.Time
}

// New opens (or creates) the store at config.DataSourceName.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent("storage/sqlite")

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to sqlite database: %w", err)
	}

	store := &Store{db: db, logger: logger, now: time.Now}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setup schema: %w", err)
	}

	logger.Info("store opened",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)
	return store, nil
}

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS records (
        entity      TEXT NOT NULL,
        id          TEXT NOT NULL,
        identity    TEXT NOT NULL,
        version     INTEGER NOT NULL DEFAULT 0,
        updated_at  INTEGER NOT NULL,
        deleted_at  INTEGER,
        synced      INTEGER NOT NULL DEFAULT 0,
        payload     TEXT,
        PRIMARY KEY (entity, id, identity)
    );
    CREATE INDEX IF NOT EXISTS idx_records_dirty ON records (entity, identity, synced);

    CREATE TABLE IF NOT EXISTS sync_cursors (
        entity      TEXT NOT NULL,
        identity    TEXT NOT NULL,
        position    INTEGER NOT NULL,
        tiebreak_id TEXT NOT NULL,
        PRIMARY KEY (entity, identity)
    );

    CREATE TABLE IF NOT EXISTS sync_blocks (
        entity     TEXT NOT NULL,
        identity   TEXT NOT NULL,
        reason     TEXT NOT NULL,
        blocked_at INTEGER NOT NULL,
        ttl_ms     INTEGER NOT NULL,
        PRIMARY KEY (entity, identity)
    );

    CREATE TABLE IF NOT EXISTS sync_locks (
        key         TEXT PRIMARY KEY,
        holder      TEXT NOT NULL,
        acquired_at INTEGER NOT NULL,
        expires_at  INTEGER NOT NULL
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

// DirtyRecords returns all locally-dirty records of entity for identity,
// the push candidates, via the (entity, identity, synced) index.
func (s *Store) DirtyRecords(ctx context.Context, entity record.Entity, identityID string) ([]record.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, identity, version, updated_at, deleted_at, synced, payload
	          FROM records WHERE entity = ? AND identity = ? AND synced = 0
	          ORDER BY updated_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, string(entity), identityID)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opDirty, "storage/sqlite")
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Get does a point lookup by (id, identity), used for merge decisions during
// pull. The second return value reports existence.
func (s *Store) Get(ctx context.Context, entity record.Entity, id, identityID string) (record.Record, bool, error) {
	if err := s.checkOpen(); err != nil {
		return record.Record{}, false, err
	}

	query := `SELECT id, identity, version, updated_at, deleted_at, synced, payload
	          FROM records WHERE entity = ? AND id = ? AND identity = ?`
	row := s.db.QueryRowContext(ctx, query, string(entity), id, identityID)

	rec, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, syncErrors.WrapOpComponent(err, opGet, "storage/sqlite")
	}
	return rec, true, nil
}

// Put upserts a record. Feature logic calls this with synced=false to queue a
// local mutation; the engine never calls it.
func (s *Store) Put(ctx context.Context, entity record.Entity, rec record.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, upsertQuery,
		string(entity), rec.ID, rec.Identity, rec.Version, rec.UpdatedAt,
		nullableInt(rec.DeletedAt), boolToInt(rec.Synced), payloadText(rec.Payload))
	return syncErrors.WrapOpComponent(err, opPut, "storage/sqlite")
}

const upsertQuery = `
	INSERT INTO records (entity, id, identity, version, updated_at, deleted_at, synced, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (entity, id, identity) DO UPDATE SET
		version = excluded.version,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		synced = excluded.synced,
		payload = excluded.payload`

// MarkSynced flips synced=1 for the given ids in one transaction. The batch
// is the atomicity unit: a crash mid-batch leaves either every id confirmed
// or none, never an ambiguous mix.
func (s *Store) MarkSynced(ctx context.Context, entity record.Entity, identityID string, ids []string) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opMarkSynced, "storage/sqlite")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE records SET synced = 1 WHERE entity = ? AND id = ? AND identity = ?`)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opMarkSynced, "storage/sqlite")
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err = stmt.ExecContext(ctx, string(entity), id, identityID); err != nil {
			return syncErrors.WrapOpComponent(err, opMarkSynced, "storage/sqlite")
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, opMarkSynced, "storage/sqlite")
	}
	return nil
}

// ApplyRemote bulk-writes accepted pull records in one transaction, each with
// synced=1: a record arriving from the server is by definition confirmed.
func (s *Store) ApplyRemote(ctx context.Context, entity record.Entity, records []record.Record) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opApply, "storage/sqlite")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertQuery)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opApply, "storage/sqlite")
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err = stmt.ExecContext(ctx,
			string(entity), rec.ID, rec.Identity, rec.Version, rec.UpdatedAt,
			nullableInt(rec.DeletedAt), 1, payloadText(rec.Payload)); err != nil {
			return syncErrors.WrapOpComponent(err, opApply, "storage/sqlite")
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, opApply, "storage/sqlite")
	}
	return nil
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

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (record.Record, error) {
	var rec record.Record
	var deletedAt sql.NullInt64
	var synced int
	var payload sql.NullString

	if err := row.Scan(&rec.ID, &rec.Identity, &rec.Version, &rec.UpdatedAt, &deletedAt, &synced, &payload); err != nil {
		return record.Record{}, err
	}
	if deletedAt.Valid {
		v := deletedAt.Int64
		rec.DeletedAt = &v
	}
	rec.Synced = synced == 1
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]record.Record, error) {
	var records []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return records, nil
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func payloadText(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
