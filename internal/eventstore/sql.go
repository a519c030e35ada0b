package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/storage"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// SQLStore is a Store backed by the shared sqlite/postgres pool. It keeps
// the same in-memory head bookkeeping as MemoryStore (rebuilt from the
// table on first touch) so that Append does not need to re-scan the events
// table under lock on every call; the table remains the durable source of
// truth.
type SQLStore struct {
	db *storage.DB

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
	heads map[int64]*v1.Head
}

// NewSQLStore wraps db as an Event Store.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{
		db:    db,
		locks: make(map[int64]*sync.Mutex),
		heads: make(map[int64]*v1.Head),
	}
}

func (s *SQLStore) lockFor(conv int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conv]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conv] = l
	}
	return l
}

func (s *SQLStore) CreateConversation(ctx context.Context, meta v1.ConversationMeta) (int64, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("eventstore: marshal meta: %w", err)
	}
	now := time.Now()

	var id int64
	if s.db.Driver == "postgres" {
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO conversations (created_at, updated_at, status, meta_json) VALUES ($1,$2,$3,$4) RETURNING id`,
			now, now, v1.ConversationActive, string(metaJSON)).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO conversations (created_at, updated_at, status, meta_json) VALUES (?,?,?,?)`,
			now, now, v1.ConversationActive, string(metaJSON))
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		return 0, fmt.Errorf("eventstore: create conversation: %w", err)
	}

	s.mu.Lock()
	s.heads[id] = &v1.Head{Status: v1.ConversationActive}
	s.mu.Unlock()
	return id, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, conv int64) (v1.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, created_at, updated_at, status, meta_json FROM conversations WHERE id = ?`), conv)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (v1.Conversation, error) {
	var c v1.Conversation
	var metaJSON string
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Status, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return v1.Conversation{}, apperrors.ErrNotFound
		}
		return v1.Conversation{}, fmt.Errorf("eventstore: scan conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &c.Meta); err != nil {
		return v1.Conversation{}, fmt.Errorf("eventstore: unmarshal meta: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, limit int, since time.Time) ([]v1.Conversation, error) {
	q := `SELECT id, created_at, updated_at, status, meta_json FROM conversations`
	var args []any
	if !since.IsZero() {
		q += s.rebind(" WHERE updated_at >= ?")
		args = append(args, since)
	}
	q += " ORDER BY updated_at DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebindArgs(q, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list conversations: %w", err)
	}
	defer rows.Close()

	var out []v1.Conversation
	for rows.Next() {
		var c v1.Conversation
		var metaJSON string
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Status, &metaJSON); err != nil {
			return nil, fmt.Errorf("eventstore: scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &c.Meta); err != nil {
			return nil, fmt.Errorf("eventstore: unmarshal meta: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// loadHead recomputes bookkeeping for conv from the events table. Used the
// first time a conversation is touched by this process (e.g. after
// restart, or in a multi-instance Postgres deployment).
func (s *SQLStore) loadHead(ctx context.Context, conv int64) (*v1.Head, error) {
	s.mu.Lock()
	if h, ok := s.heads[conv]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	c, err := s.GetConversation(ctx, conv)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT seq, turn, type, finality, agent_id FROM events WHERE conversation = ? ORDER BY seq ASC`), conv)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load head: %w", err)
	}
	defer rows.Close()

	h := &v1.Head{Status: c.Status}
	for rows.Next() {
		var seq, turn int64
		var typ, finality, agentID string
		if err := rows.Scan(&seq, &turn, &typ, &finality, &agentID); err != nil {
			return nil, fmt.Errorf("eventstore: scan head row: %w", err)
		}
		applyHeadRow(h, seq, turn, v1.EventType(typ), v1.Finality(finality), agentID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.heads[conv] = h
	s.mu.Unlock()
	return h, nil
}

func applyHeadRow(h *v1.Head, seq, turn int64, typ v1.EventType, finality v1.Finality, agentID string) {
	h.LastSeq = seq
	if turn > 0 {
		h.LastTurn = turn
	}
	closes := (typ == v1.EventMessage || typ == v1.EventSystem) && finality != v1.FinalityNone
	switch {
	case closes:
		h.HasOpenTurn = false
		h.OpenTurnAgent = ""
		h.LastClosedSeq = seq
	case typ == v1.EventMessage || typ == v1.EventTrace:
		if !h.HasOpenTurn {
			h.OpenTurnAgent = agentID
		}
		h.HasOpenTurn = true
	}
}

func (s *SQLStore) Append(ctx context.Context, conv int64, req AppendRequest) (int64, int64, error) {
	if len(req.Payload) > MaxPayloadBytes {
		return 0, 0, apperrors.ErrFatal
	}
	if !json.Valid(req.Payload) {
		return 0, 0, apperrors.ErrFatal
	}

	lock := s.lockFor(conv)
	lock.Lock()
	defer lock.Unlock()

	head, err := s.loadHead(ctx, conv)
	if err != nil {
		return 0, 0, err
	}
	if head.Status == v1.ConversationCompleted {
		return 0, 0, apperrors.ErrConversationClosed
	}

	turn, err := assignTurn(req.Type, req.Turn, *head)
	if err != nil {
		return 0, 0, err
	}

	seq := head.LastSeq + 1
	now := time.Now()

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO events (conversation, seq, turn, type, finality, agent_id, ts, payload_json) VALUES (?,?,?,?,?,?,?,?)`),
		conv, seq, turn, string(req.Type), string(req.Finality), req.AgentID, now, string(req.Payload))
	if err != nil {
		return 0, 0, fmt.Errorf("eventstore: append: %w", err)
	}

	newStatus := head.Status
	if req.Finality == v1.FinalityConversation {
		newStatus = v1.ConversationCompleted
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET updated_at = ?, status = ? WHERE id = ?`),
		now, newStatus, conv)
	if err != nil {
		return 0, 0, fmt.Errorf("eventstore: touch conversation: %w", err)
	}

	applyHeadRow(head, seq, turn, req.Type, req.Finality, req.AgentID)
	head.Status = newStatus

	return seq, turn, nil
}

func (s *SQLStore) Head(ctx context.Context, conv int64) (v1.Head, error) {
	lock := s.lockFor(conv)
	lock.Lock()
	defer lock.Unlock()
	h, err := s.loadHead(ctx, conv)
	if err != nil {
		return v1.Head{}, err
	}
	return *h, nil
}

func (s *SQLStore) GetEventsPage(ctx context.Context, conv int64, sinceSeq int64, limit int) ([]v1.Event, error) {
	q := s.rebind(`SELECT conversation, seq, turn, type, finality, agent_id, ts, payload_json FROM events WHERE conversation = ? AND seq > ? ORDER BY seq ASC`)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, conv, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get events page: %w", err)
	}
	defer rows.Close()

	var out []v1.Event
	for rows.Next() {
		var e v1.Event
		var typ, finality, payloadJSON string
		if err := rows.Scan(&e.Conversation, &e.Seq, &e.Turn, &typ, &finality, &e.AgentID, &e.Ts, &payloadJSON); err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}
		e.Type = v1.EventType(typ)
		e.Finality = v1.Finality(finality)
		e.Payload = json.RawMessage(payloadJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetEventsSince(ctx context.Context, conv int64, sinceSeq int64) ([]v1.Event, error) {
	return s.GetEventsPage(ctx, conv, sinceSeq, 0)
}

// rebind rewrites `?` placeholders to `$1, $2, ...` for the postgres
// driver; sqlite keeps `?` as-is.
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

func (s *SQLStore) rebindArgs(q string, _ int) string {
	return s.rebind(q)
}
