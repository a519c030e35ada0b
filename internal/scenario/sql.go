package scenario

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/storage"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// SQLStore is a Scenario Store backed by the shared sqlite/postgres pool.
// Each Put inserts a new scenario_versions row and flips active_version on
// the parent scenarios row inside one transaction.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore wraps db as a Scenario Store.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) rebind(q string) string {
	if s.db.Driver != "postgres" {
		return q
	}
	out := make([]byte, 0, len(q)+8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, q[i])
	}
	return string(out)
}

func (s *SQLStore) Put(ctx context.Context, sc v1.Scenario) (v1.Scenario, error) {
	if err := validateSchemas(sc); err != nil {
		return v1.Scenario{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return v1.Scenario{}, fmt.Errorf("scenario: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(ensureScenarioRowSQL(s.db.Driver)), sc.Metadata.ID, sc.Metadata.Title)
	if err != nil {
		return v1.Scenario{}, fmt.Errorf("scenario: ensure scenario row: %w", err)
	}

	var maxVersion int
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(MAX(version_number), 0) FROM scenario_versions WHERE scenario_id = ?`), sc.Metadata.ID)
	if err := row.Scan(&maxVersion); err != nil {
		return v1.Scenario{}, fmt.Errorf("scenario: max version: %w", err)
	}

	version := maxVersion + 1
	sc.Version = version
	sc.IsActive = true

	configJSON, err := json.Marshal(sc)
	if err != nil {
		return v1.Scenario{}, fmt.Errorf("scenario: marshal: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO scenario_versions (scenario_id, version_number, config_json, created_at, is_active) VALUES (?,?,?,?,1)`),
		sc.Metadata.ID, version, string(configJSON), time.Now())
	if err != nil {
		return v1.Scenario{}, fmt.Errorf("scenario: insert version: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE scenarios SET active_version = ? WHERE id = ?`), version, sc.Metadata.ID)
	if err != nil {
		return v1.Scenario{}, fmt.Errorf("scenario: update active version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return v1.Scenario{}, fmt.Errorf("scenario: commit: %w", err)
	}
	return sc, nil
}

func ensureScenarioRowSQL(driver string) string {
	if driver == "postgres" {
		return `INSERT INTO scenarios (id, name, active_version) VALUES (?,?,0) ON CONFLICT (id) DO NOTHING`
	}
	return `INSERT OR IGNORE INTO scenarios (id, name, active_version) VALUES (?,?,0)`
}

func (s *SQLStore) GetActive(ctx context.Context, scenarioID string) (v1.Scenario, error) {
	var activeVersion int
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT active_version FROM scenarios WHERE id = ?`), scenarioID)
	if err := row.Scan(&activeVersion); err != nil {
		if err == sql.ErrNoRows {
			return v1.Scenario{}, apperrors.ErrNotFound
		}
		return v1.Scenario{}, fmt.Errorf("scenario: get active: %w", err)
	}
	if activeVersion == 0 {
		return v1.Scenario{}, apperrors.ErrNotFound
	}
	return s.GetVersion(ctx, scenarioID, activeVersion)
}

func (s *SQLStore) GetVersion(ctx context.Context, scenarioID string, version int) (v1.Scenario, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT config_json FROM scenario_versions WHERE scenario_id = ? AND version_number = ?`), scenarioID, version)
	var configJSON string
	if err := row.Scan(&configJSON); err != nil {
		if err == sql.ErrNoRows {
			return v1.Scenario{}, apperrors.ErrNotFound
		}
		return v1.Scenario{}, fmt.Errorf("scenario: get version: %w", err)
	}
	var sc v1.Scenario
	if err := json.Unmarshal([]byte(configJSON), &sc); err != nil {
		return v1.Scenario{}, fmt.Errorf("scenario: unmarshal: %w", err)
	}
	return sc, nil
}

func (s *SQLStore) List(ctx context.Context) ([]v1.Scenario, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT sv.config_json FROM scenarios s
		JOIN scenario_versions sv ON sv.scenario_id = s.id AND sv.version_number = s.active_version
		WHERE s.active_version > 0
		ORDER BY s.id ASC`))
	if err != nil {
		return nil, fmt.Errorf("scenario: list: %w", err)
	}
	defer rows.Close()

	var out []v1.Scenario
	for rows.Next() {
		var configJSON string
		if err := rows.Scan(&configJSON); err != nil {
			return nil, fmt.Errorf("scenario: scan: %w", err)
		}
		var sc v1.Scenario
		if err := json.Unmarshal([]byte(configJSON), &sc); err != nil {
			return nil, fmt.Errorf("scenario: unmarshal: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, scenarioID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scenario: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM scenarios WHERE id = ?`), scenarioID)
	if err != nil {
		return fmt.Errorf("scenario: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM scenario_versions WHERE scenario_id = ?`), scenarioID); err != nil {
		return fmt.Errorf("scenario: delete versions: %w", err)
	}

	return tx.Commit()
}
