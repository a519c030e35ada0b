// Package eventstore implements the Event Store: a durable,
// per-conversation, strictly ordered event log with turn bookkeeping.
package eventstore

import (
	"context"
	"time"

	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// MaxPayloadBytes bounds a single event's JSON-encoded payload, keeping
// the log message-sized; attachments exist precisely so larger content
// doesn't need to live in an event.
const MaxPayloadBytes = 256 * 1024

// AppendRequest is the caller-supplied half of an Event; the store fills in
// Seq, Turn and Ts.
type AppendRequest struct {
	Type     v1.EventType
	Finality v1.Finality
	AgentID  string
	Turn     *int64 // nil: let the store assign the next turn
	Payload  []byte
}

// Store is the Event Store interface implemented by the memory and SQL
// backends.
type Store interface {
	// CreateConversation allocates a new conversation id; no events are
	// written.
	CreateConversation(ctx context.Context, meta v1.ConversationMeta) (int64, error)

	// GetConversation returns the conversation row (not its events).
	GetConversation(ctx context.Context, conv int64) (v1.Conversation, error)

	// ListConversations returns conversations updated within the last
	// `since` window (zero value: no time filter), newest first, bounded
	// by limit (<=0: unbounded).
	ListConversations(ctx context.Context, limit int, since time.Time) ([]v1.Conversation, error)

	// Append validates invariants 1-7 under the conversation's write lock,
	// assigns seq/turn, persists, and returns them.
	Append(ctx context.Context, conv int64, req AppendRequest) (seq int64, turn int64, err error)

	// Head returns the O(1) bookkeeping snapshot for a conversation.
	Head(ctx context.Context, conv int64) (v1.Head, error)

	// GetEventsPage returns events with seq > sinceSeq, ascending, bounded
	// by limit (<=0: unbounded).
	GetEventsPage(ctx context.Context, conv int64, sinceSeq int64, limit int) ([]v1.Event, error)

	// GetEventsSince is the unbounded variant used by internal fan-out.
	GetEventsSince(ctx context.Context, conv int64, sinceSeq int64) ([]v1.Event, error)
}

// GeneralTarget is the turn a message/trace event lands on absent an
// explicit turn: the current open turn, or lastTurn+1 if none is open.
// Exported so callers that must close a turn with a system event (cancelled
// turns, Watchdog sweeps) can compute the same target turn explicitly
// instead of relying on PostSystem's turn-0 default.
func GeneralTarget(head v1.Head) int64 {
	if head.HasOpenTurn {
		return head.LastTurn
	}
	return head.LastTurn + 1
}
