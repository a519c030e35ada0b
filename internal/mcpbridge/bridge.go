// Package mcpbridge implements the MCP Bridge: an external-facing
// Model Context Protocol server exposing three tools that let an external
// client drive one agent of a conversation while the rest are hosted
// in-process by the Agent Host.
package mcpbridge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	v1 "github.com/turnloop/conductor/pkg/api/v1"

	"github.com/turnloop/conductor/internal/agenthost"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
)

// ConfigToken is the opaque template a begin_chat_thread caller supplies,
// naming the conversation to create and which agent the external caller
// will speak as.
type ConfigToken struct {
	Title           string               `json:"title"`
	ScenarioID      string               `json:"scenarioId,omitempty"`
	Agents          []v1.AgentDescriptor `json:"agents"`
	StartingAgentID string               `json:"startingAgentId"`
	ExternalAgentID string               `json:"externalAgentId"`
}

// hash returns the base64url-unpadded SHA-256 of the token's canonical
// JSON encoding, stamped onto every conversation created from it.
func (t ConfigToken) hash() (string, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// Bridge holds the dependencies shared by the three MCP tool handlers.
type Bridge struct {
	orch *orchestrator.Orchestrator
	host *agenthost.Host
	log  *logger.Logger
}

// New constructs a Bridge.
func New(orch *orchestrator.Orchestrator, host *agenthost.Host, log *logger.Logger) *Bridge {
	return &Bridge{orch: orch, host: host, log: log}
}

// BeginChatThread creates a conversation from token, starts the non-external
// agents as hosted workers, and returns the new conversation id.
func (b *Bridge) BeginChatThread(ctx context.Context, token ConfigToken) (int64, error) {
	hash, err := token.hash()
	if err != nil {
		return 0, fmt.Errorf("mcpbridge: hash config token: %w", err)
	}

	agents := make([]v1.AgentDescriptor, len(token.Agents))
	copy(agents, token.Agents)
	for i := range agents {
		agents[i].IsExternal = agents[i].ID == token.ExternalAgentID
	}

	meta := v1.ConversationMeta{
		Title:           token.Title,
		ScenarioID:      token.ScenarioID,
		Agents:          agents,
		StartingAgentID: token.StartingAgentID,
		Custom:          map[string]interface{}{"bridgeConfig64Hash": hash},
	}

	conv, err := b.orch.CreateConversation(ctx, meta)
	if err != nil {
		return 0, err
	}

	for _, agent := range agents {
		if agent.IsExternal {
			continue
		}
		if err := b.host.Ensure(ctx, conv, agent.ID); err != nil {
			b.log.WithError(err).WithConversationID(conv).WithAgentID(agent.ID).
				Warn("mcpbridge: failed to start hosted agent")
		}
	}

	return conv, nil
}

// SendMessageResult is the shape returned by send_message_to_chat_thread.
type SendMessageResult struct {
	OK       bool   `json:"ok"`
	Guidance string `json:"guidance"`
	Status   string `json:"status"`
}

// SimpleAttachment is the inlined attachment shape returned to MCP
// clients; internal ids and docIds are never exposed over the bridge.
type SimpleAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
	Summary     string `json:"summary,omitempty"`
}

// SimpleMessage is one message returned by check_replies.
type SimpleMessage struct {
	From        string             `json:"from"`
	At          string             `json:"at"`
	Text        string             `json:"text"`
	Attachments []SimpleAttachment `json:"attachments,omitempty"`
}

// CheckRepliesResult is the shape returned by check_replies.
type CheckRepliesResult struct {
	Messages          []SimpleMessage `json:"messages"`
	Guidance          string          `json:"guidance"`
	Status            string          `json:"status"`
	ConversationEnded bool            `json:"conversation_ended"`
}

func externalAgentID(meta v1.ConversationMeta) string {
	for _, a := range meta.Agents {
		if a.IsExternal {
			return a.ID
		}
	}
	return ""
}
