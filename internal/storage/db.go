package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver for database/sql
	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"github.com/garyellow/linebot-imagelab/internal/config"
)

// Dialect identifies the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const slowQueryThreshold = 100 * time.Millisecond

// ErrSnapshotUnsupported is returned by Snapshot on backends without file snapshots.
var ErrSnapshotUnsupported = errors.New("snapshot is only supported for sqlite")

// MetricsRecorder receives ledger outcomes.
type MetricsRecorder interface {
	RecordLedger(txType, result string)
}

// DB wraps the SQL connection pools.
//
// SQLite uses a single-connection writer pool so that write transactions are
// serialized inside the process, and a separate reader pool for queries.
// PostgreSQL uses one pool for both.
type DB struct {
	writer  *sqlx.DB
	reader  *sqlx.DB
	dialect Dialect
	path    string
	metrics MetricsRecorder
	now     func() time.Time
}

// New opens (creating if needed) the SQLite database at dbPath and
// initializes the schema. ":memory:" gives a private in-memory database.
func New(ctx context.Context, dbPath string) (*DB, error) {
	memory := dbPath == ":memory:"
	if !memory {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	busy := config.DatabaseBusyTimeout.Milliseconds()
	pragmas := fmt.Sprintf("?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", busy)
	if !memory {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	writer, err := sqlx.Open("sqlite", dbPath+pragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection; for :memory: it is also the only copy of the data,
	// so it must never be recycled.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	reader := writer
	if !memory {
		writer.SetConnMaxLifetime(config.DatabaseConnMaxLifetime)
		reader, err = sqlx.Open("sqlite", dbPath+pragmas)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to open reader pool: %w", err)
		}
		reader.SetMaxOpenConns(4)
		reader.SetMaxIdleConns(4)
		reader.SetConnMaxLifetime(config.DatabaseConnMaxLifetime)
	}

	db := newDB(writer, reader, DialectSQLite)
	db.path = dbPath
	if err := db.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewPostgres connects to PostgreSQL and initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(config.DatabaseConnMaxLifetime)

	db := newDB(conn, conn, DialectPostgres)
	if err := db.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewTestDB creates an in-memory database for testing.
func NewTestDB() (*DB, error) {
	return New(context.Background(), ":memory:")
}

func newDB(writer, reader *sqlx.DB, dialect Dialect) *DB {
	return &DB{writer: writer, reader: reader, dialect: dialect, now: time.Now}
}

func (db *DB) init(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := InitSchema(ctx, db.writer, db.dialect); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes both pools.
func (db *DB) Close() error {
	var errs []error
	if db.reader != nil && db.reader != db.writer {
		errs = append(errs, db.reader.Close())
	}
	if db.writer != nil {
		errs = append(errs, db.writer.Close())
	}
	return errors.Join(errs...)
}

// Ping verifies both pools are usable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.writer.PingContext(ctx); err != nil {
		return err
	}
	if db.reader != db.writer {
		return db.reader.PingContext(ctx)
	}
	return nil
}

// Dialect returns the SQL backend in use.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Path returns the SQLite file path (empty for PostgreSQL).
func (db *DB) Path() string {
	return db.path
}

// SetMetrics sets the recorder for ledger outcomes.
func (db *DB) SetMetrics(recorder MetricsRecorder) {
	db.metrics = recorder
}

// Snapshot writes a consistent copy of the SQLite database to destPath
// using VACUUM INTO. An existing file at destPath is replaced.
func (db *DB) Snapshot(ctx context.Context, destPath string) error {
	if db.dialect != DialectSQLite {
		return ErrSnapshotUnsupported
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old snapshot: %w", err)
	}

	start := time.Now()
	query := "VACUUM INTO '" + strings.ReplaceAll(destPath, "'", "''") + "'"
	if _, err := db.writer.ExecContext(ctx, query); err != nil {
		slog.ErrorContext(ctx, "failed to snapshot database", "dest", destPath, "error", err)
		return fmt.Errorf("snapshot database: %w", err)
	}
	slog.InfoContext(ctx, "database snapshot written",
		"dest", destPath,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// warnSlow logs operations slower than slowQueryThreshold.
func warnSlow(ctx context.Context, operation string, start time.Time, attrs ...any) {
	duration := time.Since(start)
	if duration <= slowQueryThreshold {
		return
	}
	args := append([]any{"operation", operation, "duration_ms", duration.Milliseconds()}, attrs...)
	slog.WarnContext(ctx, "slow database operation", args...)
}
