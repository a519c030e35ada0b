package mcpbridge

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// SendMessageToChatThread appends a message as the external agent with
// finality=turn, turn number assigned by the Event Store. Never blocks for
// replies.
func (b *Bridge) SendMessageToChatThread(ctx context.Context, conv int64, text string, attachmentIDs []string) (SendMessageResult, error) {
	c, err := b.orch.GetSnapshot(ctx, conv, false)
	if err != nil {
		return SendMessageResult{}, err
	}
	external := externalAgentID(c.Metadata)
	if external == "" {
		return SendMessageResult{}, fmt.Errorf("mcpbridge: conversation %d has no external agent", conv)
	}

	var refs []v1.AttachmentRef
	for _, id := range attachmentIDs {
		att, err := b.orch.GetAttachment(ctx, id)
		if err != nil {
			continue
		}
		refs = append(refs, v1.AttachmentRef{ID: att.ID, Name: att.Name, ContentType: att.ContentType, Summary: att.Summary})
	}

	_, _, err = b.orch.SendMessage(ctx, conv, external, v1.MessagePayload{Text: text, Attachments: refs}, v1.FinalityTurn, nil)
	if err != nil {
		return SendMessageResult{}, err
	}

	snap, err := b.orch.GetSnapshot(ctx, conv, false)
	if err != nil {
		return SendMessageResult{}, err
	}
	status, guidance := deriveGuidance(snap, external)
	return SendMessageResult{OK: true, Guidance: guidance, Status: status}, nil
}

// CheckReplies returns messages appended strictly after the external
// agent's most recent message, long-polling up to waitMs if none have
// arrived yet.
func (b *Bridge) CheckReplies(ctx context.Context, conv int64, waitMs int, max int) (CheckRepliesResult, error) {
	if waitMs <= 0 {
		waitMs = 10000
	}
	if max <= 0 {
		max = 200
	}

	snap, err := b.orch.GetSnapshot(ctx, conv, false)
	if err != nil {
		return CheckRepliesResult{}, err
	}
	external := externalAgentID(snap.Metadata)
	if external == "" {
		return CheckRepliesResult{}, fmt.Errorf("mcpbridge: conversation %d has no external agent", conv)
	}

	boundary := lastExternalMessageSeq(snap.Events, external)
	replies := repliesAfter(snap.Events, boundary, max)

	if len(replies) == 0 && snap.Status != v1.ConversationCompleted {
		_, err := b.orch.WaitForEvent(ctx, conv, boundary, func(e v1.Event) bool {
			return e.Type == v1.EventMessage
		}, time.Duration(waitMs)*time.Millisecond)
		if err != nil {
			return CheckRepliesResult{}, err
		}
		snap, err = b.orch.GetSnapshot(ctx, conv, false)
		if err != nil {
			return CheckRepliesResult{}, err
		}
		replies = repliesAfter(snap.Events, boundary, max)
	}

	messages := make([]SimpleMessage, 0, len(replies))
	for _, e := range replies {
		m, err := e.DecodeMessage()
		if err != nil {
			continue
		}
		sm := SimpleMessage{From: e.AgentID, At: e.Ts.Format(time.RFC3339), Text: m.Text}
		for _, ref := range m.Attachments {
			att, err := b.orch.GetAttachment(ctx, ref.ID)
			if err != nil {
				continue
			}
			sm.Attachments = append(sm.Attachments, SimpleAttachment{
				Name: att.Name, ContentType: att.ContentType, Content: att.Content, Summary: att.Summary,
			})
		}
		messages = append(messages, sm)
	}

	status, guidance := deriveGuidance(snap, external)
	return CheckRepliesResult{
		Messages:          messages,
		Guidance:          guidance,
		Status:            status,
		ConversationEnded: snap.Status == v1.ConversationCompleted,
	}, nil
}

func lastExternalMessageSeq(events []v1.Event, external string) int64 {
	var boundary int64
	for _, e := range events {
		if e.Type == v1.EventMessage && e.AgentID == external {
			boundary = e.Seq
		}
	}
	return boundary
}

func repliesAfter(events []v1.Event, boundary int64, max int) []v1.Event {
	var out []v1.Event
	for _, e := range events {
		if e.Type != v1.EventMessage || e.Seq <= boundary {
			continue
		}
		out = append(out, e)
		if len(out) >= max {
			break
		}
	}
	return out
}

// deriveGuidance implements the guidance derivation table.
func deriveGuidance(snap v1.Snapshot, external string) (status, guidance string) {
	if snap.Status == v1.ConversationCompleted {
		return "completed", "Conversation ended."
	}
	if len(snap.Events) == 0 {
		if snap.Metadata.StartingAgentID == external {
			return "input-required", "Your turn to begin."
		}
		return "working", "Waiting for the conversation to start."
	}

	last := snap.Events[len(snap.Events)-1]
	if last.Type == v1.EventMessage && last.Finality == v1.FinalityTurn {
		if last.AgentID != external {
			return "input-required", fmt.Sprintf("Agent %s finished; your turn.", last.AgentID)
		}
		return "working", "Waiting for the other agent to respond."
	}
	return "working", "The other agent is composing a response."
}
