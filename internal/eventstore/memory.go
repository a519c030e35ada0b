package eventstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/turnloop/conductor/internal/apperrors"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// conversationState is the mutable bookkeeping kept per conversation. A
// striped lock (the per-conversation mutex embedded here) serializes all
// appends. Reads take the same mutex while they copy events out, so a read
// and an append on one conversation do not run at the same time.
type conversationState struct {
	mu sync.Mutex

	conv v1.Conversation

	events        []v1.Event
	lastSeq       int64
	lastTurn      int64
	hasOpenTurn   bool
	openTurnAgent string
	lastClosedSeq int64
}

// MemoryStore is an in-memory Store implementation. It is the default
// backend for tests and for single-process, no-external-services
// deployments (database.driver=memory).
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	convs  map[int64]*conversationState
}

// NewMemoryStore constructs an empty in-memory Event Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[int64]*conversationState)}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, meta v1.ConversationMeta) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	now := time.Now()
	s.convs[id] = &conversationState{
		conv: v1.Conversation{
			ID:        id,
			CreatedAt: now,
			UpdatedAt: now,
			Status:    v1.ConversationActive,
			Meta:      meta,
		},
	}
	return id, nil
}

func (s *MemoryStore) getState(conv int64) (*conversationState, error) {
	s.mu.RLock()
	cs, ok := s.convs[conv]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cs, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, conv int64) (v1.Conversation, error) {
	cs, err := s.getState(conv)
	if err != nil {
		return v1.Conversation{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.conv, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, limit int, since time.Time) ([]v1.Conversation, error) {
	s.mu.RLock()
	out := make([]v1.Conversation, 0, len(s.convs))
	for _, cs := range s.convs {
		cs.mu.Lock()
		c := cs.conv
		cs.mu.Unlock()
		if !since.IsZero() && c.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, conv int64, req AppendRequest) (int64, int64, error) {
	cs, err := s.getState(conv)
	if err != nil {
		return 0, 0, err
	}

	if len(req.Payload) > MaxPayloadBytes {
		return 0, 0, apperrors.ErrFatal
	}
	if !json.Valid(req.Payload) {
		return 0, 0, apperrors.ErrFatal
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.conv.Status == v1.ConversationCompleted {
		return 0, 0, apperrors.ErrConversationClosed
	}

	head := cs.head()
	turn, err := assignTurn(req.Type, req.Turn, head)
	if err != nil {
		return 0, 0, err
	}

	cs.lastSeq++
	seq := cs.lastSeq
	now := time.Now()

	evt := v1.Event{
		Conversation: conv,
		Seq:          seq,
		Turn:         turn,
		Type:         req.Type,
		Finality:     req.Finality,
		AgentID:      req.AgentID,
		Ts:           now,
		Payload:      append([]byte(nil), req.Payload...),
	}
	cs.events = append(cs.events, evt)
	cs.applyTurnBookkeeping(evt)

	cs.conv.UpdatedAt = now
	if req.Finality == v1.FinalityConversation {
		cs.conv.Status = v1.ConversationCompleted
	}

	return seq, turn, nil
}

func (cs *conversationState) head() v1.Head {
	return v1.Head{
		LastSeq:       cs.lastSeq,
		LastTurn:      cs.lastTurn,
		HasOpenTurn:   cs.hasOpenTurn,
		OpenTurnAgent: cs.openTurnAgent,
		LastClosedSeq: cs.lastClosedSeq,
		Status:        cs.conv.Status,
	}
}

// applyTurnBookkeeping updates turn/lastClosedSeq state after evt has been
// appended. Must be called with cs.mu held.
func (cs *conversationState) applyTurnBookkeeping(evt v1.Event) {
	if evt.Turn > 0 {
		cs.lastTurn = evt.Turn
	}

	closes := (evt.Type == v1.EventMessage || evt.Type == v1.EventSystem) && evt.Finality != v1.FinalityNone

	switch {
	case closes:
		cs.hasOpenTurn = false
		cs.openTurnAgent = ""
		cs.lastClosedSeq = evt.Seq
	case evt.Type == v1.EventMessage || evt.Type == v1.EventTrace:
		if !cs.hasOpenTurn {
			cs.openTurnAgent = evt.AgentID
		}
		cs.hasOpenTurn = true
	}
}

func (s *MemoryStore) Head(ctx context.Context, conv int64) (v1.Head, error) {
	cs, err := s.getState(conv)
	if err != nil {
		return v1.Head{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.head(), nil
}

func (s *MemoryStore) GetEventsPage(ctx context.Context, conv int64, sinceSeq int64, limit int) ([]v1.Event, error) {
	cs, err := s.getState(conv)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var out []v1.Event
	for _, e := range cs.events {
		if e.Seq <= sinceSeq {
			continue
		}
		out = append(out, cloneEvent(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, conv int64, sinceSeq int64) ([]v1.Event, error) {
	return s.GetEventsPage(ctx, conv, sinceSeq, 0)
}

func cloneEvent(e v1.Event) v1.Event {
	e.Payload = append([]byte(nil), e.Payload...)
	return e
}

// assignTurn implements the turn-assignment rules.
func assignTurn(t v1.EventType, explicit *int64, head v1.Head) (int64, error) {
	switch t {
	case v1.EventGuidance:
		return 0, nil
	case v1.EventSystem:
		if explicit == nil {
			return 0, nil
		}
		if *explicit == 0 {
			return 0, nil
		}
		target := GeneralTarget(head)
		if *explicit != target {
			return 0, apperrors.ErrTurnMismatch
		}
		return target, nil
	default: // message, trace
		target := GeneralTarget(head)
		if explicit != nil && *explicit != target {
			return 0, apperrors.ErrTurnMismatch
		}
		return target, nil
	}
}
