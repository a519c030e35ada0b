// Package lifecycle implements the Lifecycle Registry: durable
// record of server intent to host an agent worker within a conversation,
// reconciled against the in-memory Agent Host on boot.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/turnloop/conductor/internal/storage"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// Registry is the Lifecycle Registry interface implemented by the memory
// and SQL backends.
type Registry interface {
	// Ensure records intent to host agentID within conv, idempotently.
	Ensure(ctx context.Context, conv int64, agentID string) (v1.LifecycleRow, error)

	// Stop removes the intent row for (conv, agentID).
	Stop(ctx context.Context, conv int64, agentID string) error

	// List returns every row; used by the Agent Host at boot to reconcile
	// intent against reality.
	List(ctx context.Context) ([]v1.LifecycleRow, error)

	// ListForConversation returns rows scoped to one conversation.
	ListForConversation(ctx context.Context, conv int64) ([]v1.LifecycleRow, error)
}

// SQLRegistry is a Registry backed by the shared sqlite/postgres pool.
type SQLRegistry struct {
	db *storage.DB
}

// NewSQLRegistry wraps db as a Lifecycle Registry.
func NewSQLRegistry(db *storage.DB) *SQLRegistry {
	return &SQLRegistry{db: db}
}

func (r *SQLRegistry) rebind(q string) string {
	if r.db.Driver != "postgres" {
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

func (r *SQLRegistry) Ensure(ctx context.Context, conv int64, agentID string) (v1.LifecycleRow, error) {
	now := time.Now()
	q := `INSERT INTO runner_registry (conversation_id, agent_id, started_at) VALUES (?,?,?)`
	if r.db.Driver == "postgres" {
		q += ` ON CONFLICT (conversation_id, agent_id) DO NOTHING`
	} else {
		q = `INSERT OR IGNORE INTO runner_registry (conversation_id, agent_id, started_at) VALUES (?,?,?)`
	}
	if _, err := r.db.ExecContext(ctx, r.rebind(q), conv, agentID, now); err != nil {
		return v1.LifecycleRow{}, fmt.Errorf("lifecycle: ensure: %w", err)
	}

	row := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT conversation_id, agent_id, started_at FROM runner_registry WHERE conversation_id = ? AND agent_id = ?`),
		conv, agentID)
	var out v1.LifecycleRow
	if err := row.Scan(&out.ConversationID, &out.AgentID, &out.StartedAt); err != nil {
		return v1.LifecycleRow{}, fmt.Errorf("lifecycle: read back: %w", err)
	}
	return out, nil
}

func (r *SQLRegistry) Stop(ctx context.Context, conv int64, agentID string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(
		`DELETE FROM runner_registry WHERE conversation_id = ? AND agent_id = ?`), conv, agentID)
	if err != nil {
		return fmt.Errorf("lifecycle: stop: %w", err)
	}
	return nil
}

func (r *SQLRegistry) List(ctx context.Context) ([]v1.LifecycleRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_id, agent_id, started_at FROM runner_registry ORDER BY conversation_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *SQLRegistry) ListForConversation(ctx context.Context, conv int64) ([]v1.LifecycleRow, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(
		`SELECT conversation_id, agent_id, started_at FROM runner_registry WHERE conversation_id = ? ORDER BY agent_id ASC`), conv)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list for conversation: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]v1.LifecycleRow, error) {
	var out []v1.LifecycleRow
	for rows.Next() {
		var row v1.LifecycleRow
		if err := rows.Scan(&row.ConversationID, &row.AgentID, &row.StartedAt); err != nil {
			return nil, fmt.Errorf("lifecycle: scan: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
