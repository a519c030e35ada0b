// Package storage opens the shared SQL connection pool used by the Event
// Store, Attachment Store, Scenario Store and Lifecycle Registry, and
// creates their tables per the persisted-state layout.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/turnloop/conductor/internal/config"
)

// sqliteSchema is the DDL for the sqlite backend. The postgres backend uses
// its own postgresSchema (below), which has the same tables with
// BIGSERIAL/BIGINT/TIMESTAMPTZ/BYTEA column types.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	meta_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	conversation INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	turn INTEGER NOT NULL,
	type TEXT NOT NULL,
	finality TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	ts TIMESTAMP NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (conversation, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_turn ON events(conversation, turn);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content BLOB NOT NULL,
	summary TEXT,
	doc_id TEXT
);

CREATE TABLE IF NOT EXISTS scenarios (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	active_version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scenario_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scenario_id TEXT NOT NULL,
	version_number INTEGER NOT NULL,
	config_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scenario_versions_scenario ON scenario_versions(scenario_id);

CREATE TABLE IF NOT EXISTS runner_registry (
	conversation_id INTEGER NOT NULL,
	agent_id TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	PRIMARY KEY (conversation_id, agent_id)
);
`

// DB wraps the shared *sql.DB and exposes the driver in use so backends can
// adjust bind-parameter syntax ($1 vs ?).
type DB struct {
	*sql.DB
	Driver string
}

// Open opens (and migrates) the SQL-backed persistence layer described by
// cfg. Driver "memory" is handled by callers directly (the in-memory
// backends do not use *sql.DB at all); Open only supports "sqlite" and
// "postgres".
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return openSQLite(ctx, cfg)
	case "postgres":
		return openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
}

func openSQLite(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init sqlite schema: %w", err)
	}
	return &DB{DB: db, Driver: "sqlite"}, nil
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init postgres schema: %w", err)
	}
	return &DB{DB: db, Driver: "postgres"}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	meta_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	conversation BIGINT NOT NULL,
	seq BIGINT NOT NULL,
	turn BIGINT NOT NULL,
	type TEXT NOT NULL,
	finality TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (conversation, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_turn ON events(conversation, turn);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content BYTEA NOT NULL,
	summary TEXT,
	doc_id TEXT
);

CREATE TABLE IF NOT EXISTS scenarios (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	active_version BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scenario_versions (
	id BIGSERIAL PRIMARY KEY,
	scenario_id TEXT NOT NULL,
	version_number BIGINT NOT NULL,
	config_json TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_scenario_versions_scenario ON scenario_versions(scenario_id);

CREATE TABLE IF NOT EXISTS runner_registry (
	conversation_id BIGINT NOT NULL,
	agent_id TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, agent_id)
);
`
