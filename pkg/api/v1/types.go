// Package v1 holds the wire and storage types shared across Conductor's
// components: conversations, events, attachments and scenarios.
package v1

import (
	"encoding/json"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
)

// EventType discriminates the Event payload shape.
type EventType string

const (
	EventMessage  EventType = "message"
	EventTrace    EventType = "trace"
	EventSystem   EventType = "system"
	EventGuidance EventType = "guidance"
)

// Finality tags whether an event keeps a turn open, closes it, or ends the
// conversation.
type Finality string

const (
	FinalityNone         Finality = "none"
	FinalityTurn         Finality = "turn"
	FinalityConversation Finality = "conversation"
)

// SystemAgentID is the reserved author id for server-originated events.
const SystemAgentID = "system"

// AgentDescriptor names one participant in a conversation.
type AgentDescriptor struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	ModelHint  string                 `json:"modelHint,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty"`
	IsExternal bool                   `json:"isExternal,omitempty"`
}

// ConversationMeta is the user-supplied configuration for a conversation.
type ConversationMeta struct {
	Title           string                 `json:"title"`
	ScenarioID      string                 `json:"scenarioId,omitempty"`
	Agents          []AgentDescriptor      `json:"agents"`
	StartingAgentID string                 `json:"startingAgentId,omitempty"`
	Custom          map[string]interface{} `json:"custom,omitempty"`
}

// AgentByID returns the descriptor for agentID, if present.
func (m *ConversationMeta) AgentByID(agentID string) (AgentDescriptor, bool) {
	for _, a := range m.Agents {
		if a.ID == agentID {
			return a, true
		}
	}
	return AgentDescriptor{}, false
}

// Conversation is a bounded, event-sourced interaction between agents.
type Conversation struct {
	ID        int64              `json:"id"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Status    ConversationStatus `json:"status"`
	Meta      ConversationMeta   `json:"meta"`
}

// AttachmentRef is the lightweight pointer a message payload carries.
type AttachmentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Summary     string `json:"summary,omitempty"`
}

// MessagePayload is the body of a `message` event.
type MessagePayload struct {
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// TracePayload is the body of a `trace` event. Type selects which of the
// other fields are populated.
type TracePayload struct {
	Type       string          `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

const (
	TraceThought      = "thought"
	TraceToolCall     = "tool_call"
	TraceToolResult   = "tool_result"
	TraceTurnCleared  = "turn_cleared"
	TraceTurnAborted  = "turn_aborted"
)

// SystemPayload is the body of a `system` event.
type SystemPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GuidancePayload is the body of a `guidance` event.
type GuidancePayload struct {
	NextAgentID string `json:"nextAgentId"`
	DeadlineMs  int64  `json:"deadlineMs,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// Event is the atomic, immutable unit of the per-conversation log.
type Event struct {
	Conversation int64           `json:"conversation"`
	Seq          int64           `json:"seq"`
	Turn         int64           `json:"turn"`
	Type         EventType       `json:"type"`
	Finality     Finality        `json:"finality"`
	AgentID      string          `json:"agentId"`
	Ts           time.Time       `json:"ts"`
	Payload      json.RawMessage `json:"payload"`
}

// DecodeMessage unmarshals Payload as a MessagePayload.
func (e *Event) DecodeMessage() (MessagePayload, error) {
	var p MessagePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeTrace unmarshals Payload as a TracePayload.
func (e *Event) DecodeTrace() (TracePayload, error) {
	var p TracePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeSystem unmarshals Payload as a SystemPayload.
func (e *Event) DecodeSystem() (SystemPayload, error) {
	var p SystemPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeGuidance unmarshals Payload as a GuidancePayload.
func (e *Event) DecodeGuidance() (GuidancePayload, error) {
	var p GuidancePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// Head is the O(1) bookkeeping snapshot of a conversation's event log.
type Head struct {
	LastSeq       int64
	LastTurn      int64
	HasOpenTurn   bool
	OpenTurnAgent string
	LastClosedSeq int64
	Status        ConversationStatus
}

// Snapshot is the full read-model returned by getSnapshot.
type Snapshot struct {
	Status        ConversationStatus `json:"status"`
	Metadata      ConversationMeta   `json:"metadata"`
	Events        []Event            `json:"events"`
	LastClosedSeq int64              `json:"lastClosedSeq"`
	Scenario      *Scenario          `json:"scenario,omitempty"`
}

// Attachment is an immutable, content-addressable blob.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
	Summary     string `json:"summary,omitempty"`
	DocID       string `json:"docId,omitempty"`
}

// ScenarioTool declares one tool an agent may call.
type ScenarioTool struct {
	ToolName             string          `json:"toolName"`
	Description           string          `json:"description"`
	InputSchema           json.RawMessage `json:"inputSchema"`
	SynthesisGuidance     string          `json:"synthesisGuidance"`
	EndsConversation      bool            `json:"endsConversation,omitempty"`
	ConversationEndStatus string          `json:"conversationEndStatus,omitempty"`
}

// ScenarioAgent describes one persona within a scenario.
type ScenarioAgent struct {
	AgentID                              string         `json:"agentId"`
	Principal                            string         `json:"principal"`
	Situation                            string         `json:"situation"`
	SystemPrompt                         string         `json:"systemPrompt"`
	Goals                                []string       `json:"goals,omitempty"`
	Tools                                []ScenarioTool `json:"tools,omitempty"`
	KnowledgeBase                        string         `json:"knowledgeBase,omitempty"`
	MessageToUseWhenInitiatingConversation string       `json:"messageToUseWhenInitiatingConversation,omitempty"`
}

// ScenarioMetadata is the descriptive header of a scenario document.
type ScenarioMetadata struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ScenarioBody is the narrative content of a scenario.
type ScenarioBody struct {
	Background string   `json:"background"`
	Challenges []string `json:"challenges,omitempty"`
}

// Scenario is a versioned document describing personas, tools and
// knowledge for the agents in a conversation.
type Scenario struct {
	Metadata ScenarioMetadata `json:"metadata"`
	Scenario ScenarioBody     `json:"scenario"`
	Agents   []ScenarioAgent  `json:"agents"`

	Version  int  `json:"version,omitempty"`
	IsActive bool `json:"isActive,omitempty"`
}

// ToolByName returns the named tool declared for agentID, if any.
func (s *Scenario) ToolByName(agentID, name string) (ScenarioTool, bool) {
	for _, a := range s.Agents {
		if a.AgentID != agentID {
			continue
		}
		for _, t := range a.Tools {
			if t.ToolName == name {
				return t, true
			}
		}
	}
	return ScenarioTool{}, false
}

// LifecycleRow records server intent to host agentID within conversation.
type LifecycleRow struct {
	ConversationID int64     `json:"conversationId"`
	AgentID        string    `json:"agentId"`
	StartedAt      time.Time `json:"startedAt"`
}
