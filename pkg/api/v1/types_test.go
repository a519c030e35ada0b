package v1

import "testing"

func TestAgentByIDFindsMatchingDescriptor(t *testing.T) {
	meta := ConversationMeta{Agents: []AgentDescriptor{{ID: "alice"}, {ID: "bob"}}}
	got, ok := meta.AgentByID("bob")
	if !ok || got.ID != "bob" {
		t.Errorf("expected to find bob, got %+v ok=%v", got, ok)
	}
}

func TestAgentByIDReturnsFalseWhenMissing(t *testing.T) {
	meta := ConversationMeta{Agents: []AgentDescriptor{{ID: "alice"}}}
	if _, ok := meta.AgentByID("carol"); ok {
		t.Error("expected no match for an unknown agent id")
	}
}

func TestDecodeMessageRoundTrips(t *testing.T) {
	e := Event{Payload: []byte(`{"text":"hi","attachments":[{"id":"a1","name":"f.txt","contentType":"text/plain"}]}`)}
	p, err := e.DecodeMessage()
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if p.Text != "hi" || len(p.Attachments) != 1 || p.Attachments[0].ID != "a1" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDecodeTraceRoundTrips(t *testing.T) {
	e := Event{Payload: []byte(`{"type":"thought","content":"thinking"}`)}
	p, err := e.DecodeTrace()
	if err != nil {
		t.Fatalf("DecodeTrace failed: %v", err)
	}
	if p.Type != TraceThought || p.Content != "thinking" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDecodeSystemRoundTrips(t *testing.T) {
	e := Event{Payload: []byte(`{"kind":"turn_reassigned"}`)}
	p, err := e.DecodeSystem()
	if err != nil {
		t.Fatalf("DecodeSystem failed: %v", err)
	}
	if p.Kind != "turn_reassigned" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDecodeGuidanceRoundTrips(t *testing.T) {
	e := Event{Payload: []byte(`{"nextAgentId":"bob","deadlineMs":5000}`)}
	p, err := e.DecodeGuidance()
	if err != nil {
		t.Fatalf("DecodeGuidance failed: %v", err)
	}
	if p.NextAgentID != "bob" || p.DeadlineMs != 5000 {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDecodeMessageWithMalformedPayloadReturnsError(t *testing.T) {
	e := Event{Payload: []byte(`not json`)}
	if _, err := e.DecodeMessage(); err == nil {
		t.Error("expected malformed JSON to fail decoding")
	}
}

func TestToolByNameFindsDeclaredTool(t *testing.T) {
	sc := Scenario{Agents: []ScenarioAgent{
		{AgentID: "bot", Tools: []ScenarioTool{{ToolName: "lookup"}, {ToolName: "close_ticket"}}},
	}}
	tool, ok := sc.ToolByName("bot", "close_ticket")
	if !ok || tool.ToolName != "close_ticket" {
		t.Errorf("expected to find close_ticket, got %+v ok=%v", tool, ok)
	}
}

func TestToolByNameReturnsFalseForOtherAgent(t *testing.T) {
	sc := Scenario{Agents: []ScenarioAgent{{AgentID: "bot", Tools: []ScenarioTool{{ToolName: "lookup"}}}}}
	if _, ok := sc.ToolByName("other", "lookup"); ok {
		t.Error("expected no match for a tool declared under a different agent")
	}
}
