package eventstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/turnloop/conductor/internal/apperrors"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

func newTestStore(t *testing.T) (*MemoryStore, int64) {
	t.Helper()
	s := NewMemoryStore()
	conv, err := s.CreateConversation(context.Background(), v1.ConversationMeta{})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return s, conv
}

func TestCreateConversation(t *testing.T) {
	s, conv := newTestStore(t)

	got, err := s.GetConversation(context.Background(), conv)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Status != v1.ConversationActive {
		t.Errorf("expected active status, got %q", got.Status)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetConversation(context.Background(), 999); err != apperrors.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessageOpensAndAssignsTurn(t *testing.T) {
	s, conv := newTestStore(t)

	seq, turn, err := s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventMessage, Finality: v1.FinalityNone, AgentID: "alice", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}
	if turn != 1 {
		t.Errorf("expected turn 1, got %d", turn)
	}

	head, err := s.Head(context.Background(), conv)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if !head.HasOpenTurn || head.OpenTurnAgent != "alice" {
		t.Errorf("expected open turn held by alice, got %+v", head)
	}
}

func TestAppendSubsequentMessageClosesTurnOnFinality(t *testing.T) {
	s, conv := newTestStore(t)

	_, _, err := s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventMessage, Finality: v1.FinalityNone, AgentID: "alice", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("first Append failed: %v", err)
	}

	_, turn, err := s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventMessage, Finality: v1.FinalityTurn, AgentID: "alice", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("second Append failed: %v", err)
	}
	if turn != 1 {
		t.Errorf("expected both messages on turn 1, got %d", turn)
	}

	head, err := s.Head(context.Background(), conv)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head.HasOpenTurn {
		t.Error("expected turn to be closed after finality=turn")
	}

	_, turn2, err := s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventMessage, Finality: v1.FinalityNone, AgentID: "bob", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("third Append failed: %v", err)
	}
	if turn2 != 2 {
		t.Errorf("expected next message to open turn 2, got %d", turn2)
	}
}

func TestAppendExplicitTurnMismatch(t *testing.T) {
	s, conv := newTestStore(t)

	bad := int64(99)
	_, _, err := s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventMessage, Finality: v1.FinalityNone, AgentID: "alice", Turn: &bad, Payload: []byte(`{}`),
	})
	if err != apperrors.ErrTurnMismatch {
		t.Errorf("expected ErrTurnMismatch, got %v", err)
	}
}

func TestAppendConversationFinalityClosesConversation(t *testing.T) {
	s, conv := newTestStore(t)

	_, _, err := s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventSystem, Finality: v1.FinalityConversation, AgentID: "system", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := s.GetConversation(context.Background(), conv)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Status != v1.ConversationCompleted {
		t.Errorf("expected completed status, got %q", got.Status)
	}

	_, _, err = s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventMessage, Finality: v1.FinalityNone, AgentID: "alice", Payload: []byte(`{}`),
	})
	if err != apperrors.ErrConversationClosed {
		t.Errorf("expected ErrConversationClosed on append to a completed conversation, got %v", err)
	}
}

func TestAppendRejectsOversizedPayload(t *testing.T) {
	s, conv := newTestStore(t)

	big := bytes.Repeat([]byte("a"), MaxPayloadBytes+1)
	_, _, err := s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventMessage, Finality: v1.FinalityNone, AgentID: "alice", Payload: big,
	})
	if err != apperrors.ErrFatal {
		t.Errorf("expected ErrFatal for oversized payload, got %v", err)
	}
}

func TestAppendRejectsInvalidJSON(t *testing.T) {
	s, conv := newTestStore(t)

	_, _, err := s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventMessage, Finality: v1.FinalityNone, AgentID: "alice", Payload: []byte(`not json`),
	})
	if err != apperrors.ErrFatal {
		t.Errorf("expected ErrFatal for invalid json payload, got %v", err)
	}
}

func TestGuidanceNeverOpensATurn(t *testing.T) {
	s, conv := newTestStore(t)

	_, turn, err := s.Append(context.Background(), conv, AppendRequest{
		Type: v1.EventGuidance, Finality: v1.FinalityNone, AgentID: "director", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if turn != 0 {
		t.Errorf("expected guidance to carry turn 0, got %d", turn)
	}

	head, err := s.Head(context.Background(), conv)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head.HasOpenTurn {
		t.Error("expected guidance not to open a turn")
	}
}

func TestGetEventsPageFiltersAndBounds(t *testing.T) {
	s, conv := newTestStore(t)

	for i := 0; i < 3; i++ {
		if _, _, err := s.Append(context.Background(), conv, AppendRequest{
			Type: v1.EventMessage, Finality: v1.FinalityTurn, AgentID: "alice", Payload: []byte(`{}`),
		}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	page, err := s.GetEventsPage(context.Background(), conv, 1, 1)
	if err != nil {
		t.Fatalf("GetEventsPage failed: %v", err)
	}
	if len(page) != 1 || page[0].Seq != 2 {
		t.Errorf("expected one event with seq 2, got %+v", page)
	}

	all, err := s.GetEventsSince(context.Background(), conv, 0)
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 events, got %d", len(all))
	}
}

func TestListConversationsLimitAndSince(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.CreateConversation(ctx, v1.ConversationMeta{}); err != nil {
			t.Fatalf("CreateConversation %d failed: %v", i, err)
		}
	}

	convs, err := s.ListConversations(ctx, 2, time.Time{})
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(convs) != 2 {
		t.Errorf("expected limit to bound results to 2, got %d", len(convs))
	}
}
