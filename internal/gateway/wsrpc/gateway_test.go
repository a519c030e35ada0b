package wsrpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/turnloop/conductor/internal/agenthost"
	"github.com/turnloop/conductor/internal/attachment"
	"github.com/turnloop/conductor/internal/eventstore"
	"github.com/turnloop/conductor/internal/hub"
	"github.com/turnloop/conductor/internal/lifecycle"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
	"github.com/turnloop/conductor/internal/scenario"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger.New failed: %v", err)
	}
	return log
}

func newTestServer(t *testing.T) (string, *orchestrator.Orchestrator) {
	t.Helper()
	h, err := hub.New(hub.NewMemoryBus(), testLogger(t))
	if err != nil {
		t.Fatalf("hub.New failed: %v", err)
	}
	orch := orchestrator.New(eventstore.NewMemoryStore(), attachment.NewMemoryStore(), scenario.NewMemoryStore(), h, testLogger(t))
	host := agenthost.New(orch, scenario.NewMemoryStore(), lifecycle.NewMemoryRegistry(), nil, nil, testLogger(t))

	gw := New(orch, host, testLogger(t))
	router := gin.New()
	router.GET("/ws", gw.HandleConnection)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", orch
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req Envelope) Envelope {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	return env
}

func decodeResult(t *testing.T, result interface{}, out interface{}) {
	t.Helper()
	body, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result failed: %v", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("unmarshal result failed: %v", err)
	}
}

func TestPingReturnsPong(t *testing.T) {
	url, _ := newTestServer(t)
	conn := dial(t, url)

	resp := roundTrip(t, conn, Envelope{JSONRPC: protocolVersion, ID: "1", Method: "ping"})
	var result string
	decodeResult(t, resp.Result, &result)
	if result != "pong" {
		t.Errorf("expected pong, got %q", result)
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	url, _ := newTestServer(t)
	conn := dial(t, url)

	params, err := json.Marshal(createConversationParams{Meta: v1.ConversationMeta{Title: "demo"}})
	if err != nil {
		t.Fatalf("marshal params failed: %v", err)
	}
	resp := roundTrip(t, conn, Envelope{JSONRPC: protocolVersion, ID: "1", Method: "createConversation", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var created struct {
		ConversationID int64 `json:"conversationId"`
	}
	decodeResult(t, resp.Result, &created)
	if created.ConversationID != 1 {
		t.Fatalf("expected conversation id 1, got %d", created.ConversationID)
	}

	getParams, err := json.Marshal(getConversationParams{ConversationID: created.ConversationID})
	if err != nil {
		t.Fatalf("marshal getConversation params failed: %v", err)
	}
	getResp := roundTrip(t, conn, Envelope{JSONRPC: protocolVersion, ID: "2", Method: "getConversation", Params: getParams})
	if getResp.Error != nil {
		t.Fatalf("unexpected error: %+v", getResp.Error)
	}
	var snap v1.Snapshot
	decodeResult(t, getResp.Result, &snap)
	if snap.Metadata.Title != "demo" {
		t.Errorf("expected title %q, got %q", "demo", snap.Metadata.Title)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	url, _ := newTestServer(t)
	conn := dial(t, url)

	resp := roundTrip(t, conn, Envelope{JSONRPC: protocolVersion, ID: "1", Method: "doesNotExist"})
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Errorf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestMissingMethodReturnsInvalidRequest(t *testing.T) {
	url, _ := newTestServer(t)
	conn := dial(t, url)

	resp := roundTrip(t, conn, Envelope{JSONRPC: protocolVersion, ID: "1"})
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Errorf("expected invalid-request error, got %+v", resp.Error)
	}
}

func TestSendMessageThenSubscribeReceivesBackfill(t *testing.T) {
	url, orch := newTestServer(t)
	conn := dial(t, url)

	conv, err := orch.CreateConversation(context.Background(), v1.ConversationMeta{Agents: []v1.AgentDescriptor{{ID: "alice"}}})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, _, err := orch.SendMessage(context.Background(), conv, "alice", v1.MessagePayload{Text: "hi"}, v1.FinalityTurn, nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	subParams, err := json.Marshal(subscribeParams{ConversationID: conv, SinceSeq: 0})
	if err != nil {
		t.Fatalf("marshal subscribe params failed: %v", err)
	}
	ack := roundTrip(t, conn, Envelope{JSONRPC: protocolVersion, ID: "1", Method: "subscribe", Params: subParams})
	if ack.Error != nil {
		t.Fatalf("unexpected subscribe error: %+v", ack.Error)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a backfilled event notification: %v", err)
	}
	var note Envelope
	if err := json.Unmarshal(raw, &note); err != nil {
		t.Fatalf("unmarshal notification failed: %v", err)
	}
	if note.Method != "event" {
		t.Errorf("expected an event notification, got method %q", note.Method)
	}
}
