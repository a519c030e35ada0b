package agenthost

import (
	"context"
	"encoding/json"

	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// StepKind discriminates what a turn-composition step asked the host to
// do next.
type StepKind string

const (
	StepThought  StepKind = "thought"
	StepToolCall StepKind = "tool_call"
	StepMessage  StepKind = "message"
)

// Step is one unit of LLM output while composing a turn.
type Step struct {
	Kind StepKind

	// StepThought
	Thought string

	// StepToolCall
	ToolCallID string
	ToolName   string
	ToolArgs   json.RawMessage

	// StepMessage
	Text     string
	Finality v1.Finality
}

// TurnRequest carries everything the LLM needs to propose the next step
// of a turn: the agent's persona, its scenario tools, and a textual
// rendering of the conversation so far.
type TurnRequest struct {
	Agent   v1.ScenarioAgent
	History string // textual transcript rendering, oldest first
}

// Provider is the external LLM integration point. Callers inject one when
// constructing the Agent Host; HTTPProvider is the implementation that
// Conductor ships (an OpenAI-compatible chat completions client).
type Provider interface {
	NextStep(ctx context.Context, req TurnRequest) (Step, error)
}

// ToolSynthesizer turns a tool_call into its result text. The default
// implementation is LLM-backed; SandboxedToolRunner is an alternate
// implementation selected per-tool when synthesisGuidance is prefixed
// "sandbox:".
type ToolSynthesizer interface {
	Synthesize(ctx context.Context, tool v1.ScenarioTool, args json.RawMessage, agent v1.ScenarioAgent, history string) (output string, err error)
}

// LLMToolSynthesizer synthesizes a tool result by asking the Provider to
// role-play the tool per its synthesisGuidance.
type LLMToolSynthesizer struct {
	Provider Provider
}

func (s *LLMToolSynthesizer) Synthesize(ctx context.Context, tool v1.ScenarioTool, args json.RawMessage, agent v1.ScenarioAgent, history string) (string, error) {
	req := TurnRequest{
		Agent: v1.ScenarioAgent{
			AgentID:      "tool:" + tool.ToolName,
			SystemPrompt: tool.SynthesisGuidance,
		},
		History: history + "\n\ntool call: " + tool.ToolName + " args: " + string(args),
	}
	step, err := s.Provider.NextStep(ctx, req)
	if err != nil {
		return "", err
	}
	return step.Text, nil
}
