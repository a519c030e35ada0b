package agenthost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// retryBackoffs is the bounded backoff schedule for transient LLM errors
// within a single turn: the first attempt plus 3 retries, backing off
// 250ms, 500ms, 1s before each retry.
var retryBackoffs = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// worker hosts one (conversation, agentId) pair. It owns no long-lived
// state beyond what it needs to run its loop; turn ownership is derived
// fresh from the event log on every iteration.
type worker struct {
	conv   int64
	agent  v1.ScenarioAgent
	orch   *orchestrator.Orchestrator
	llm    Provider
	tools  map[string]ToolSynthesizer // toolName -> synthesizer (sandboxed or default)
	log    *logger.Logger
	stopCh chan struct{}
}

func newWorker(conv int64, agent v1.ScenarioAgent, orch *orchestrator.Orchestrator, llm Provider, sandbox ToolSynthesizer, log *logger.Logger) *worker {
	defaultSynth := &LLMToolSynthesizer{Provider: llm}
	tools := make(map[string]ToolSynthesizer, len(agent.Tools))
	for _, t := range agent.Tools {
		if IsSandboxed(t) && sandbox != nil {
			tools[t.ToolName] = sandbox
		} else {
			tools[t.ToolName] = defaultSynth
		}
	}
	return &worker{
		conv: conv, agent: agent, orch: orch, llm: llm, tools: tools,
		log:    log.WithConversationID(conv).WithAgentID(agent.AgentID),
		stopCh: make(chan struct{}),
	}
}

func (w *worker) stop() { close(w.stopCh) }

// run is the worker's main loop: subscribe, wait for "my turn", compose
// it, repeat until stopped.
func (w *worker) run(ctx context.Context) {
	events, unsub := w.orch.Subscribe(w.conv, true)
	defer unsub()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		snap, err := w.orch.GetSnapshot(ctx, w.conv, false)
		if err != nil {
			w.log.WithError(err).Error("worker: get snapshot failed, exiting")
			return
		}
		if snap.Status == v1.ConversationCompleted {
			return
		}

		if w.isMyTurn(snap) {
			w.composeTurn(ctx, snap)
			continue
		}

		// Not my turn: wait for the next event (or stop/cancel) before
		// re-checking.
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-time.After(30 * time.Second):
			// periodic re-check in case a notification was missed
		}
	}
}

// isMyTurn implements the "my turn" determination.
func (w *worker) isMyTurn(snap v1.Snapshot) bool {
	events := snap.Events
	if len(events) == 0 {
		return snap.Metadata.StartingAgentID == w.agent.AgentID
	}

	last := events[len(events)-1]
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Type == v1.EventGuidance {
			continue
		}
		if e.Finality == v1.FinalityTurn && e.AgentID != w.agent.AgentID {
			return true
		}
		break
	}

	if last.Type == v1.EventGuidance {
		g, err := last.DecodeGuidance()
		if err == nil && g.NextAgentID == w.agent.AgentID {
			return true
		}
	}
	return false
}

// composeTurn repeatedly invokes the LLM until it yields a
// turn/conversation-closing message or the turn is cancelled out from
// under it.
func (w *worker) composeTurn(ctx context.Context, snap v1.Snapshot) {
	history := renderHistory(snap.Events)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		step, err := w.nextStepWithRetry(ctx, history)
		if err != nil {
			w.surrenderTurn(ctx, "internal error composing turn")
			return
		}

		switch step.Kind {
		case StepThought:
			if _, _, err := w.orch.PostTrace(ctx, w.conv, w.agent.AgentID, v1.TracePayload{
				Type: v1.TraceThought, Content: step.Thought,
			}, nil); err != nil {
				if w.turnWasCancelled(err) {
					return
				}
				w.log.WithError(err).Warn("post thought failed")
				return
			}
			history += "\n[thought] " + step.Thought

		case StepToolCall:
			if !w.runToolCall(ctx, step, &history) {
				return
			}

		case StepMessage:
			if _, _, err := w.orch.SendMessage(ctx, w.conv, w.agent.AgentID, v1.MessagePayload{Text: step.Text}, step.Finality, nil); err != nil {
				if w.turnWasCancelled(err) {
					return
				}
				w.log.WithError(err).Warn("send message failed")
			}
			return

		default:
			w.log.Warn("unknown step kind, surrendering turn", zap.String("kind", string(step.Kind)))
			w.surrenderTurn(ctx, "unrecognized model output")
			return
		}
	}
}

func (w *worker) runToolCall(ctx context.Context, step Step, history *string) bool {
	toolCallID := step.ToolCallID
	if toolCallID == "" {
		toolCallID = fmt.Sprintf("tc-%d", time.Now().UnixNano())
	}

	if _, _, err := w.orch.PostTrace(ctx, w.conv, w.agent.AgentID, v1.TracePayload{
		Type: v1.TraceToolCall, ToolCallID: toolCallID, Name: step.ToolName, Args: step.ToolArgs,
	}, nil); err != nil {
		if w.turnWasCancelled(err) {
			return false
		}
		w.log.WithError(err).Warn("post tool_call failed")
		return false
	}

	tool, ok := findTool(w.agent, step.ToolName)
	if !ok {
		w.postToolError(ctx, toolCallID, "unknown tool")
		return true
	}

	synth, ok := w.tools[step.ToolName]
	if !ok {
		w.postToolError(ctx, toolCallID, "no synthesizer configured")
		return true
	}

	output, err := synth.Synthesize(ctx, tool, step.ToolArgs, w.agent, *history)
	if err != nil {
		w.postToolError(ctx, toolCallID, err.Error())
		return true
	}

	resultJSON, _ := json.Marshal(output)
	if _, _, err := w.orch.PostTrace(ctx, w.conv, w.agent.AgentID, v1.TracePayload{
		Type: v1.TraceToolResult, ToolCallID: toolCallID, Name: step.ToolName, Result: resultJSON,
	}, nil); err != nil {
		if w.turnWasCancelled(err) {
			return false
		}
		w.log.WithError(err).Warn("post tool_result failed")
		return false
	}
	*history += fmt.Sprintf("\n[tool_result %s] %s", step.ToolName, output)

	if tool.EndsConversation {
		status := tool.ConversationEndStatus
		if status == "" {
			status = "completed"
		}
		text := fmt.Sprintf("Conversation ended: %s", status)
		if _, _, err := w.orch.SendMessage(ctx, w.conv, w.agent.AgentID, v1.MessagePayload{Text: text}, v1.FinalityConversation, nil); err != nil {
			w.log.WithError(err).Warn("post terminal message failed")
		}
		return false
	}
	return true
}

func (w *worker) postToolError(ctx context.Context, toolCallID, errMsg string) {
	if _, _, err := w.orch.PostTrace(ctx, w.conv, w.agent.AgentID, v1.TracePayload{
		Type: v1.TraceToolResult, ToolCallID: toolCallID, Error: errMsg,
	}, nil); err != nil {
		w.log.WithError(err).Warn("post tool error failed")
	}
}

// nextStepWithRetry retries ErrTransient failures from the Provider with
// the fixed backoff schedule, and returns the first hard failure.
func (w *worker) nextStepWithRetry(ctx context.Context, history string) (Step, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoffs); attempt++ {
		step, err := w.llm.NextStep(ctx, TurnRequest{Agent: w.agent, History: history})
		if err == nil {
			return step, nil
		}
		lastErr = err
		if !apperrors.Is(err, apperrors.ErrTransient) {
			return Step{}, err
		}
		if attempt < len(retryBackoffs) {
			select {
			case <-time.After(retryBackoffs[attempt]):
			case <-ctx.Done():
				return Step{}, ctx.Err()
			}
		}
	}
	return Step{}, lastErr
}

// surrenderTurn posts a fallback message closing the turn after retries
// are exhausted, so the conversation never stalls on a wedged worker.
func (w *worker) surrenderTurn(ctx context.Context, reason string) {
	w.log.Warn("surrendering turn", zap.String("reason", reason))
	_, _, err := w.orch.SendMessage(ctx, w.conv, w.agent.AgentID,
		v1.MessagePayload{Text: "I'm unable to continue this turn right now."}, v1.FinalityTurn, nil)
	if err != nil && !w.turnWasCancelled(err) {
		w.log.WithError(err).Error("surrender message failed")
	}
}

// turnWasCancelled reports whether err indicates the turn was closed out
// from under this worker (e.g. by the Watchdog), in which case the worker
// should return to step 2 rather than log a warning.
func (w *worker) turnWasCancelled(err error) bool {
	return apperrors.Is(err, apperrors.ErrNoOpenTurn) || apperrors.Is(err, apperrors.ErrWrongAgent)
}

func findTool(agent v1.ScenarioAgent, name string) (v1.ScenarioTool, bool) {
	for _, t := range agent.Tools {
		if t.ToolName == name {
			return t, true
		}
	}
	return v1.ScenarioTool{}, false
}

func renderHistory(events []v1.Event) string {
	var b strings.Builder
	for _, e := range events {
		switch e.Type {
		case v1.EventMessage:
			if m, err := e.DecodeMessage(); err == nil {
				fmt.Fprintf(&b, "%s: %s\n", e.AgentID, m.Text)
			}
		case v1.EventTrace:
			if t, err := e.DecodeTrace(); err == nil && t.Type == v1.TraceThought {
				fmt.Fprintf(&b, "%s (thinking): %s\n", e.AgentID, t.Content)
			}
		}
	}
	return b.String()
}
