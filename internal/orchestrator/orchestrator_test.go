package orchestrator

import (
	"context"
	"testing"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/attachment"
	"github.com/turnloop/conductor/internal/eventstore"
	"github.com/turnloop/conductor/internal/hub"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/scenario"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger.New failed: %v", err)
	}
	return log
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	h, err := hub.New(hub.NewMemoryBus(), testLogger(t))
	if err != nil {
		t.Fatalf("hub.New failed: %v", err)
	}
	return New(eventstore.NewMemoryStore(), attachment.NewMemoryStore(), scenario.NewMemoryStore(), h, testLogger(t))
}

func newConversationWith(t *testing.T, o *Orchestrator, agentIDs ...string) int64 {
	t.Helper()
	var agents []v1.AgentDescriptor
	for _, id := range agentIDs {
		agents = append(agents, v1.AgentDescriptor{ID: id})
	}
	conv, err := o.CreateConversation(context.Background(), v1.ConversationMeta{Title: "test", Agents: agents})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return conv
}

func TestSendMessageAndSnapshot(t *testing.T) {
	o := newTestOrchestrator(t)
	conv := newConversationWith(t, o, "alice")

	seq, turn, err := o.SendMessage(context.Background(), conv, "alice", v1.MessagePayload{Text: "hi"}, v1.FinalityNone, nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if seq != 1 || turn != 1 {
		t.Errorf("expected seq=1 turn=1, got seq=%d turn=%d", seq, turn)
	}

	snap, err := o.GetSnapshot(context.Background(), conv, false)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if len(snap.Events) != 1 {
		t.Fatalf("expected 1 event in snapshot, got %d", len(snap.Events))
	}
	if snap.Status != v1.ConversationActive {
		t.Errorf("expected active status, got %q", snap.Status)
	}
}

func TestSendMessageRejectsUnknownAgent(t *testing.T) {
	o := newTestOrchestrator(t)
	conv := newConversationWith(t, o, "alice")

	_, _, err := o.SendMessage(context.Background(), conv, "mallory", v1.MessagePayload{Text: "hi"}, v1.FinalityNone, nil)
	if err != apperrors.ErrAgentNotPermitted {
		t.Errorf("expected ErrAgentNotPermitted, got %v", err)
	}
}

func TestPostTraceRequiresOpenTurnOwnedByCaller(t *testing.T) {
	o := newTestOrchestrator(t)
	conv := newConversationWith(t, o, "alice", "bob")

	if _, _, err := o.PostTrace(context.Background(), conv, "alice", v1.TracePayload{Type: v1.TraceThought}, nil); err != apperrors.ErrNoOpenTurn {
		t.Errorf("expected ErrNoOpenTurn before any message, got %v", err)
	}

	if _, _, err := o.SendMessage(context.Background(), conv, "alice", v1.MessagePayload{Text: "hi"}, v1.FinalityNone, nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if _, _, err := o.PostTrace(context.Background(), conv, "bob", v1.TracePayload{Type: v1.TraceThought}, nil); err != apperrors.ErrWrongAgent {
		t.Errorf("expected ErrWrongAgent for non-owning agent, got %v", err)
	}

	if _, turn, err := o.PostTrace(context.Background(), conv, "alice", v1.TracePayload{Type: v1.TraceThought}, nil); err != nil {
		t.Errorf("expected trace from the turn owner to succeed, got %v", err)
	} else if turn != 1 {
		t.Errorf("expected trace to land on turn 1, got %d", turn)
	}
}

func TestCancelTurnClosesOpenTurnWithSystemEvent(t *testing.T) {
	o := newTestOrchestrator(t)
	conv := newConversationWith(t, o, "alice")

	if _, _, err := o.SendMessage(context.Background(), conv, "alice", v1.MessagePayload{Text: "hi"}, v1.FinalityNone, nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if _, err := o.CancelTurn(context.Background(), conv, "operator requested cancel"); err != nil {
		t.Fatalf("CancelTurn failed: %v", err)
	}

	snap, err := o.GetSnapshot(context.Background(), conv, false)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	last := snap.Events[len(snap.Events)-1]
	if last.Type != v1.EventSystem {
		t.Errorf("expected last event to be a system event, got %q", last.Type)
	}
	if last.Turn != 1 {
		t.Errorf("expected the closing system event to land on the open turn (1), got turn %d", last.Turn)
	}
	if last.Finality != v1.FinalityTurn {
		t.Errorf("expected the closing system event to carry finality=turn, got %q", last.Finality)
	}

	head, err := o.events.Head(context.Background(), conv)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head.HasOpenTurn {
		t.Error("expected the turn to be closed after CancelTurn")
	}
}

func TestCancelTurnWithNoOpenTurnOccupiesNextTurn(t *testing.T) {
	o := newTestOrchestrator(t)
	conv := newConversationWith(t, o, "alice")

	if _, _, err := o.SendMessage(context.Background(), conv, "alice", v1.MessagePayload{Text: "hi"}, v1.FinalityTurn, nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if _, err := o.CancelTurn(context.Background(), conv, "nothing to cancel"); err != nil {
		t.Fatalf("CancelTurn failed: %v", err)
	}

	snap, err := o.GetSnapshot(context.Background(), conv, false)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	last := snap.Events[len(snap.Events)-1]
	if last.Turn != 2 {
		t.Errorf("expected the closing system event to occupy lastTurn+1 (2), got turn %d", last.Turn)
	}
}

func TestAbortOpenTurnIfAnyIsNoOpWithoutOpenTurn(t *testing.T) {
	o := newTestOrchestrator(t)
	conv := newConversationWith(t, o, "alice")

	aborted, err := o.AbortOpenTurnIfAny(context.Background(), conv, "no activity")
	if err != nil {
		t.Fatalf("AbortOpenTurnIfAny failed: %v", err)
	}
	if aborted {
		t.Error("expected no-op when there is no open turn")
	}
}

func TestSubscribeFiltersGuidanceByDefault(t *testing.T) {
	o := newTestOrchestrator(t)
	conv := newConversationWith(t, o, "alice")

	ch, unsub := o.Subscribe(conv, false)
	defer unsub()

	if _, err := o.PostGuidance(context.Background(), conv, "alice", 5000); err != nil {
		t.Fatalf("PostGuidance failed: %v", err)
	}
	if _, _, err := o.SendMessage(context.Background(), conv, "alice", v1.MessagePayload{Text: "hi"}, v1.FinalityNone, nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	evt := <-ch
	if evt.Type != v1.EventMessage {
		t.Errorf("expected guidance event to be filtered out, first delivered event was %q", evt.Type)
	}
}

// TestSubscribeDeliversEventsInSeqOrder documents the ordering guarantee
// append relies on: within a single open turn, only its owning agent may
// append, so a subscriber always sees seq strictly increasing even though
// append publishes to the hub after releasing the Event Store's
// per-conversation write lock.
func TestSubscribeDeliversEventsInSeqOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	conv := newConversationWith(t, o, "alice")

	ch, unsub := o.Subscribe(conv, false)
	defer unsub()

	if _, _, err := o.SendMessage(context.Background(), conv, "alice", v1.MessagePayload{Text: "hi"}, v1.FinalityNone, nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, _, err := o.PostTrace(context.Background(), conv, "alice", v1.TracePayload{Type: v1.TraceThought}, nil); err != nil {
			t.Fatalf("PostTrace failed: %v", err)
		}
	}

	var lastSeq int64
	for i := 0; i < 6; i++ {
		evt := <-ch
		if evt.Seq <= lastSeq {
			t.Fatalf("expected strictly increasing seq, got %d after %d", evt.Seq, lastSeq)
		}
		lastSeq = evt.Seq
	}
}

func TestSubscribeIncludesGuidanceWhenRequested(t *testing.T) {
	o := newTestOrchestrator(t)
	conv := newConversationWith(t, o, "alice")

	ch, unsub := o.Subscribe(conv, true)
	defer unsub()

	if _, err := o.PostGuidance(context.Background(), conv, "alice", 5000); err != nil {
		t.Fatalf("PostGuidance failed: %v", err)
	}

	evt := <-ch
	if evt.Type != v1.EventGuidance {
		t.Errorf("expected guidance event to be delivered, got %q", evt.Type)
	}
}
