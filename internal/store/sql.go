package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/internal/tracker"
)

const (
	sqlMaxOpenConns    = 25
	sqlMaxIdleConns    = 25
	sqlConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

//go:embed migrations_postgres.sql
var postgresMigrations string

// SQLStore persists tracker events in a relational tracker_events table,
// one row per event, and rebuilds trackers by replaying the rows in
// sequence order.
type SQLStore struct {
	cfg    Config
	db     *sql.DB
	driver string
}

// NewSQLiteStore opens an SQLite-backed tracker store. The DSN is a file
// path; missing parent directories are created.
func NewSQLiteStore(cfg Config, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: database DSN not set")
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &SQLStore{cfg: cfg, db: db, driver: "sqlite3"}, nil
}

// NewPostgresStore opens a PostgreSQL-backed tracker store.
func NewPostgresStore(cfg Config, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	db.SetMaxOpenConns(sqlMaxOpenConns)
	db.SetMaxIdleConns(sqlMaxIdleConns)
	db.SetConnMaxLifetime(sqlConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &SQLStore{cfg: cfg, db: db, driver: "postgres"}, nil
}

// Retrieve replays a conversation's rows into a fresh tracker.
func (s *SQLStore) Retrieve(ctx context.Context, senderID string) (*tracker.Tracker, error) {
	query := `SELECT sequence_index, event_type, payload, timestamp, timestamp_ns
		FROM tracker_events WHERE sender_id = $1 ORDER BY sequence_index`
	if s.driver == "sqlite3" {
		query = `SELECT sequence_index, event_type, payload, timestamp, timestamp_ns
		FROM tracker_events WHERE sender_id = ? ORDER BY sequence_index`
	}

	rows, err := s.db.QueryContext(ctx, query, senderID)
	if err != nil {
		return nil, fmt.Errorf("store: query events for %s: %w", senderID, err)
	}
	defer rows.Close()

	var records []event.Record
	for rows.Next() {
		rec := event.Record{SenderID: senderID}
		var payload string
		if err := rows.Scan(&rec.Seq, &rec.Type, &payload, &rec.Timestamp, &rec.TimestampNs); err != nil {
			return nil, fmt.Errorf("store: scan event row: %w", err)
		}
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate event rows: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	events, err := event.DecodeAll(records)
	if err != nil {
		return nil, fmt.Errorf("store: decode events for %s: %w", senderID, err)
	}

	t, err := tracker.FromEvents(senderID, events, s.cfg.Domain, s.cfg.trackerOptions()...)
	if err != nil {
		return nil, err
	}
	t.MarkFlushed(records[len(records)-1].Seq)
	return t, nil
}

// Save appends the tracker's unflushed events. The pending list is consulted
// rather than the bounded window, so events truncated before a flush still
// reach the table. Each event is written at most once; the unique
// (sender_id, sequence_index) constraint backstops double flushes.
func (s *SQLStore) Save(ctx context.Context, t *tracker.Tracker) error {
	pending := t.PendingEvents()
	if len(pending) == 0 {
		return nil
	}

	records, err := event.EncodeAll(t.SenderID(), pending)
	if err != nil {
		return fmt.Errorf("store: encode events: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	insert := `INSERT INTO tracker_events (sender_id, sequence_index, event_type, payload, timestamp, timestamp_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if s.driver == "sqlite3" {
		insert = `INSERT INTO tracker_events (sender_id, sequence_index, event_type, payload, timestamp, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?)`
	}

	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, insert,
			rec.SenderID, rec.Seq, string(rec.Type), string(rec.Payload), rec.Timestamp, rec.TimestampNs); err != nil {
			return fmt.Errorf("store: insert event %d for %s: %w", rec.Seq, rec.SenderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit events: %w", err)
	}

	t.MarkFlushed(records[len(records)-1].Seq)
	return nil
}

// SenderIDs lists every conversation with persisted events.
func (s *SQLStore) SenderIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT sender_id FROM tracker_events`)
	if err != nil {
		return nil, fmt.Errorf("store: query sender ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan sender id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
