package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/pkg/logger"
)

// Database connection pool configuration.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute

	defaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

//go:embed migrations_postgres.sql
var postgresMigrations string

// SQLBroker saves event records in an `events` table, one JSON-encoded
// record per row keyed by sender id. The table is append-only.
type SQLBroker struct {
	db     *sql.DB
	driver string
	logger *logger.Logger
}

// NewSQLiteBroker opens an SQLite-backed broker. The DSN is a file path;
// missing parent directories are created.
func NewSQLiteBroker(dsn string, log *logger.Logger) (*SQLBroker, error) {
	if dsn == "" {
		return nil, fmt.Errorf("broker: database DSN not set")
	}

	if err := os.MkdirAll(filepath.Dir(dsn), defaultDirPermissions); err != nil {
		return nil, fmt.Errorf("broker: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("broker: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("broker: ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("broker: run migrations: %w", err)
	}

	return &SQLBroker{db: db, driver: "sqlite3", logger: log}, nil
}

// NewPostgresBroker opens a PostgreSQL-backed broker.
func NewPostgresBroker(dsn string, log *logger.Logger) (*SQLBroker, error) {
	if dsn == "" {
		return nil, fmt.Errorf("broker: database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("broker: open postgres: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("broker: ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("broker: run migrations: %w", err)
	}

	return &SQLBroker{db: db, driver: "postgres", logger: log}, nil
}

// Publish inserts the record as a new row in the events table.
func (b *SQLBroker) Publish(ctx context.Context, rec event.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &PersistenceError{SenderID: rec.SenderID, Seq: rec.Seq, Err: err}
	}

	query := `INSERT INTO events (sender_id, data) VALUES ($1, $2)`
	if b.driver == "sqlite3" {
		query = `INSERT INTO events (sender_id, data) VALUES (?, ?)`
	}

	if _, err := b.db.ExecContext(ctx, query, rec.SenderID, string(data)); err != nil {
		return &PersistenceError{SenderID: rec.SenderID, Seq: rec.Seq, Err: err}
	}

	b.logger.Debug("event persisted",
		zap.String("sender_id", rec.SenderID),
		zap.Uint64("sequence_index", rec.Seq),
		zap.String("event_type", string(rec.Type)),
	)
	return nil
}

// ReadAll returns every record for a conversation in insertion order.
func (b *SQLBroker) ReadAll(ctx context.Context, senderID string) ([]event.Record, error) {
	query := `SELECT data FROM events WHERE sender_id = $1 ORDER BY id`
	if b.driver == "sqlite3" {
		query = `SELECT data FROM events WHERE sender_id = ? ORDER BY id`
	}

	rows, err := b.db.QueryContext(ctx, query, senderID)
	if err != nil {
		return nil, fmt.Errorf("broker: query events for %s: %w", senderID, err)
	}
	defer rows.Close()

	var records []event.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("broker: scan event row: %w", err)
		}
		var rec event.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("broker: decode event row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// IsReady reports whether the database connection is alive.
func (b *SQLBroker) IsReady(ctx context.Context) bool {
	return b.db.PingContext(ctx) == nil
}

// Close closes the database connection.
func (b *SQLBroker) Close() error {
	return b.db.Close()
}
