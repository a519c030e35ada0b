// Package orchestrator implements the Orchestrator: the single
// write path into the Event Store, enforcing turn ownership and
// conversation membership before appending, and fanning out successful
// appends through the Subscription Hub.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/attachment"
	"github.com/turnloop/conductor/internal/eventstore"
	"github.com/turnloop/conductor/internal/hub"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/scenario"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// Orchestrator wires the Event Store, Attachment Store, Scenario Store and
// Subscription Hub together behind a single set of conversation operations.
type Orchestrator struct {
	events      eventstore.Store
	attachments attachment.Store
	scenarios   scenario.Store
	hub         *hub.Hub
	log         *logger.Logger
}

// New constructs an Orchestrator.
func New(events eventstore.Store, attachments attachment.Store, scenarios scenario.Store, h *hub.Hub, log *logger.Logger) *Orchestrator {
	return &Orchestrator{events: events, attachments: attachments, scenarios: scenarios, hub: h, log: log}
}

// CreateConversation allocates a conversation id; writes no events.
func (o *Orchestrator) CreateConversation(ctx context.Context, meta v1.ConversationMeta) (int64, error) {
	return o.events.CreateConversation(ctx, meta)
}

// checkPermitted enforces that agentID is either the system author or a
// declared participant in the conversation's metadata.
func (o *Orchestrator) checkPermitted(conv v1.Conversation, agentID string) error {
	if agentID == v1.SystemAgentID {
		return nil
	}
	if _, ok := conv.Meta.AgentByID(agentID); !ok {
		return apperrors.ErrAgentNotPermitted
	}
	return nil
}

// append writes req through the Event Store and publishes the resulting
// event to the hub. The Event Store's per-conversation write lock is
// released before Publish runs, so two appenders racing on the same
// conversation can have their Append calls and their Publish calls
// interleaved in different orders; callers that need the §5 in-seq fan-out
// guarantee must serialize their own appends to a conversation (the
// current callers all do: one open turn is owned by one agent at a time).
func (o *Orchestrator) append(ctx context.Context, conv int64, req eventstore.AppendRequest) (v1.Event, error) {
	seq, turn, err := o.events.Append(ctx, conv, req)
	if err != nil {
		return v1.Event{}, err
	}
	evt, err := o.events.GetEventsPage(ctx, conv, seq-1, 1)
	if err != nil || len(evt) == 0 {
		return v1.Event{Conversation: conv, Seq: seq, Turn: turn, Type: req.Type, Finality: req.Finality, AgentID: req.AgentID, Payload: req.Payload}, nil
	}
	if pubErr := o.hub.Publish(ctx, evt[0]); pubErr != nil {
		o.log.WithError(pubErr).Warn("hub publish failed")
	}
	return evt[0], nil
}

// SendMessage appends a message event.
func (o *Orchestrator) SendMessage(ctx context.Context, conv int64, agentID string, payload v1.MessagePayload, finality v1.Finality, turn *int64) (int64, int64, error) {
	c, err := o.events.GetConversation(ctx, conv)
	if err != nil {
		return 0, 0, err
	}
	if err := o.checkPermitted(c, agentID); err != nil {
		return 0, 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("orchestrator: marshal message payload: %w", err)
	}

	evt, err := o.append(ctx, conv, eventstore.AppendRequest{
		Type: v1.EventMessage, Finality: finality, AgentID: agentID, Turn: turn, Payload: body,
	})
	if err != nil {
		return 0, 0, err
	}
	return evt.Seq, evt.Turn, nil
}

// PostTrace appends a trace event. May only target an open turn owned by
// agentID.
func (o *Orchestrator) PostTrace(ctx context.Context, conv int64, agentID string, payload v1.TracePayload, turn *int64) (int64, int64, error) {
	c, err := o.events.GetConversation(ctx, conv)
	if err != nil {
		return 0, 0, err
	}
	if err := o.checkPermitted(c, agentID); err != nil {
		return 0, 0, err
	}

	head, err := o.events.Head(ctx, conv)
	if err != nil {
		return 0, 0, err
	}
	if !head.HasOpenTurn {
		return 0, 0, apperrors.ErrNoOpenTurn
	}
	if head.OpenTurnAgent != agentID {
		return 0, 0, apperrors.ErrWrongAgent
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("orchestrator: marshal trace payload: %w", err)
	}

	evt, err := o.append(ctx, conv, eventstore.AppendRequest{
		Type: v1.EventTrace, Finality: v1.FinalityNone, AgentID: agentID, Turn: turn, Payload: body,
	})
	if err != nil {
		return 0, 0, err
	}
	return evt.Seq, evt.Turn, nil
}

// PostSystem appends a system event on turn 0, always authored by "system".
// Used for out-of-band notes; closing a turn requires postSystemOnTurn
// instead so the closing event lands on the turn it actually closes.
func (o *Orchestrator) PostSystem(ctx context.Context, conv int64, kind string, data json.RawMessage, finality v1.Finality) (int64, error) {
	body, err := json.Marshal(v1.SystemPayload{Kind: kind, Data: data})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: marshal system payload: %w", err)
	}
	evt, err := o.append(ctx, conv, eventstore.AppendRequest{
		Type: v1.EventSystem, Finality: finality, AgentID: v1.SystemAgentID, Payload: body,
	})
	if err != nil {
		return 0, err
	}
	return evt.Seq, nil
}

// postSystemOnTurn appends a system event pinned to turn, used when the
// event must close (or occupy) a specific turn rather than land on turn 0.
func (o *Orchestrator) postSystemOnTurn(ctx context.Context, conv int64, kind string, data json.RawMessage, finality v1.Finality, turn int64) (int64, error) {
	body, err := json.Marshal(v1.SystemPayload{Kind: kind, Data: data})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: marshal system payload: %w", err)
	}
	evt, err := o.append(ctx, conv, eventstore.AppendRequest{
		Type: v1.EventSystem, Finality: finality, AgentID: v1.SystemAgentID, Turn: &turn, Payload: body,
	})
	if err != nil {
		return 0, err
	}
	return evt.Seq, nil
}

// ClosingTurnTarget returns the turn a closing system event (CancelTurn,
// Watchdog cancellation) must be pinned to: the currently open turn, or
// lastTurn+1 if none is open.
func (o *Orchestrator) ClosingTurnTarget(ctx context.Context, conv int64) (int64, error) {
	head, err := o.events.Head(ctx, conv)
	if err != nil {
		return 0, err
	}
	return eventstore.GeneralTarget(head), nil
}

// PostGuidance appends a guidance event; never fails due to turn state.
func (o *Orchestrator) PostGuidance(ctx context.Context, conv int64, nextAgentID string, deadlineMs int64) (int64, error) {
	body, err := json.Marshal(v1.GuidancePayload{NextAgentID: nextAgentID, DeadlineMs: deadlineMs})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: marshal guidance payload: %w", err)
	}
	evt, err := o.append(ctx, conv, eventstore.AppendRequest{
		Type: v1.EventGuidance, Finality: v1.FinalityNone, AgentID: v1.SystemAgentID, Payload: body,
	})
	if err != nil {
		return 0, err
	}
	return evt.Seq, nil
}

// AbortOpenTurnIfAny posts a `trace` turn_aborted event if a turn is
// currently open; it is a no-op otherwise. Shared by CancelTurn and the
// Watchdog, which additionally closes the conversation itself rather than
// just the turn.
func (o *Orchestrator) AbortOpenTurnIfAny(ctx context.Context, conv int64, reason string) (bool, error) {
	head, err := o.events.Head(ctx, conv)
	if err != nil {
		return false, err
	}
	if !head.HasOpenTurn {
		return false, nil
	}

	abortBody, err := json.Marshal(v1.TracePayload{Type: v1.TraceTurnAborted, Reason: reason})
	if err != nil {
		return false, fmt.Errorf("orchestrator: marshal turn_aborted payload: %w", err)
	}
	if _, err := o.append(ctx, conv, eventstore.AppendRequest{
		Type: v1.EventTrace, Finality: v1.FinalityNone, AgentID: v1.SystemAgentID, Payload: abortBody,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// CancelTurn closes an open turn (or opens-and-closes a fresh one) with a
// system reason. Used by cascaded cancellation that ends only a turn, not
// the whole conversation. The closing event is pinned to the turn it
// closes (the open turn, or lastTurn+1 if none was open) rather than
// landing on turn 0.
func (o *Orchestrator) CancelTurn(ctx context.Context, conv int64, reason string) (int64, error) {
	if _, err := o.AbortOpenTurnIfAny(ctx, conv, reason); err != nil {
		return 0, err
	}
	target, err := o.ClosingTurnTarget(ctx, conv)
	if err != nil {
		return 0, err
	}
	return o.postSystemOnTurn(ctx, conv, "turn_cancelled", json.RawMessage(fmt.Sprintf(`{"reason":%q}`, reason)), v1.FinalityTurn, target)
}

// CancelConversation closes an open turn if any, then ends the conversation
// with a terminal system event of the given kind. Used by the Watchdog. As
// with CancelTurn, the terminal event is pinned to the turn it occupies
// rather than landing on turn 0.
func (o *Orchestrator) CancelConversation(ctx context.Context, conv int64, kind, reason string) (int64, error) {
	if _, err := o.AbortOpenTurnIfAny(ctx, conv, reason); err != nil {
		return 0, err
	}
	target, err := o.ClosingTurnTarget(ctx, conv)
	if err != nil {
		return 0, err
	}
	return o.postSystemOnTurn(ctx, conv, kind, nil, v1.FinalityConversation, target)
}

// GetSnapshot returns the full read-model for a conversation.
func (o *Orchestrator) GetSnapshot(ctx context.Context, conv int64, includeScenario bool) (v1.Snapshot, error) {
	c, err := o.events.GetConversation(ctx, conv)
	if err != nil {
		return v1.Snapshot{}, err
	}
	events, err := o.events.GetEventsSince(ctx, conv, 0)
	if err != nil {
		return v1.Snapshot{}, err
	}
	head, err := o.events.Head(ctx, conv)
	if err != nil {
		return v1.Snapshot{}, err
	}

	snap := v1.Snapshot{
		Status:        c.Status,
		Metadata:      c.Meta,
		Events:        events,
		LastClosedSeq: head.LastClosedSeq,
	}

	if includeScenario && c.Meta.ScenarioID != "" {
		sc, err := o.scenarios.GetActive(ctx, c.Meta.ScenarioID)
		if err == nil {
			snap.Scenario = &sc
		} else if !apperrors.Is(err, apperrors.ErrNotFound) {
			return v1.Snapshot{}, err
		}
	}
	return snap, nil
}

// GetAttachment is a passthrough to the Attachment Store.
func (o *Orchestrator) GetAttachment(ctx context.Context, id string) (v1.Attachment, error) {
	return o.attachments.Get(ctx, id)
}

// PutAttachment is a passthrough to the Attachment Store.
func (o *Orchestrator) PutAttachment(ctx context.Context, name, contentType string, content []byte, summary string) (v1.Attachment, error) {
	return o.attachments.Put(ctx, name, contentType, content, summary)
}

// GetEventsSince pages the event log; used by the REST/WS gateways'
// sinceSeq paging on top of GetSnapshot.
func (o *Orchestrator) GetEventsSince(ctx context.Context, conv int64, sinceSeq int64, limit int) ([]v1.Event, error) {
	return o.events.GetEventsPage(ctx, conv, sinceSeq, limit)
}

// ListConversations passes through to the Event Store. since filters to
// conversations updated at or after that time; the zero value means no
// filtering.
func (o *Orchestrator) ListConversations(ctx context.Context, limit int, since time.Time) ([]v1.Conversation, error) {
	return o.events.ListConversations(ctx, limit, since)
}

// Subscribe registers interest in new events for conv. When
// includeGuidance is false, guidance events are filtered out before
// delivery.
func (o *Orchestrator) Subscribe(conv int64, includeGuidance bool) (<-chan v1.Event, func()) {
	raw, unsub := o.hub.Subscribe(conv)
	if includeGuidance {
		return raw, unsub
	}

	out := make(chan v1.Event, cap(raw))
	go func() {
		defer close(out)
		for evt := range raw {
			if evt.Type == v1.EventGuidance {
				continue
			}
			out <- evt
		}
	}()
	return out, unsub
}

// SubscribeAll registers interest in every conversation's events, for the
// wsrpc gateway's subscribeConversations notification stream.
func (o *Orchestrator) SubscribeAll() (<-chan v1.Event, func()) {
	return o.hub.SubscribeAll()
}

// WaitForEvent exposes the Subscription Hub's long-poll primitive.
func (o *Orchestrator) WaitForEvent(ctx context.Context, conv int64, sinceSeq int64, predicate func(v1.Event) bool, timeout time.Duration) (*v1.Event, error) {
	return o.hub.WaitForEvent(ctx, conv, sinceSeq, predicate, timeout)
}
