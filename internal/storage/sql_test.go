package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/turnloop/conductor/internal/config"
)

func TestOpenSQLiteCreatesSchemaAndIsQueryable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.db")
	db, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if db.Driver != "sqlite" {
		t.Errorf("expected driver sqlite, got %q", db.Driver)
	}

	var count int
	row := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM conversations")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("expected the conversations table to exist, got %v", err)
	}
	if count != 0 {
		t.Errorf("expected an empty fresh database, got %d rows", count)
	}
}

func TestOpenRejectsUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "mongo"})
	if err == nil {
		t.Fatal("expected an unsupported driver to be rejected")
	}
}

func TestOpenSQLiteIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.db")
	cfg := config.DatabaseConfig{Driver: "sqlite", Path: path}

	first, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if _, err := first.ExecContext(context.Background(),
		`INSERT INTO conversations (created_at, updated_at, status, meta_json) VALUES (datetime('now'), datetime('now'), 'active', '{}')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	var count int
	row := second.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM conversations")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected the reopened database to retain the prior row, got %d", count)
	}
}
