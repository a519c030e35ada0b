package wsrpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/agenthost"
	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway is the primary WebSocket JSON-RPC surface: every method maps
// 1:1 onto an Orchestrator or Agent Host operation.
type Gateway struct {
	orch *orchestrator.Orchestrator
	host *agenthost.Host
	log  *logger.Logger
}

// New constructs a Gateway.
func New(orch *orchestrator.Orchestrator, host *agenthost.Host, log *logger.Logger) *Gateway {
	return &Gateway{orch: orch, host: host, log: log.WithFields(zap.String("component", "wsrpc"))}
}

// HandleConnection upgrades an HTTP request to a WebSocket and serves it
// until the peer disconnects.
func (g *Gateway) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.WithError(err).Error("failed to upgrade connection")
		return
	}

	client := newClient(uuid.New().String(), conn, g, g.log)
	g.log.Debug("websocket client connected", zap.String("client_id", client.id))

	go client.writePump()
	client.readPump(c.Request.Context())
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, req Envelope) {
	if req.Method == "" {
		c.sendEnvelope(newErrorResponse(req.ID, codeInvalidRequest, "missing method"))
		return
	}

	switch req.Method {
	case "ping":
		c.sendEnvelope(newResponse(req.ID, "pong"))
	case "createConversation":
		g.createConversation(ctx, c, req)
	case "getConversation":
		g.getConversation(ctx, c, req)
	case "sendMessage":
		g.sendMessage(ctx, c, req)
	case "subscribe":
		g.subscribe(ctx, c, req)
	case "unsubscribe":
		g.unsubscribe(c, req)
	case "subscribeConversations":
		g.subscribeConversations(c, req)
	case "lifecycle.ensure":
		g.lifecycleEnsure(ctx, c, req)
	case "lifecycle.stop":
		g.lifecycleStop(ctx, c, req)
	default:
		c.sendEnvelope(newErrorResponse(req.ID, codeMethodNotFound, "unknown method: "+req.Method))
	}
}

func (g *Gateway) appError(c *Client, id string, err error) {
	app := apperrors.Wrap(err)
	c.sendEnvelope(newErrorResponse(id, codeAppError, app.Code+": "+app.Message))
}

type createConversationParams struct {
	Meta v1.ConversationMeta `json:"meta"`
}

func (g *Gateway) createConversation(ctx context.Context, c *Client, req Envelope) {
	var p createConversationParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.sendEnvelope(newErrorResponse(req.ID, codeInvalidParams, err.Error()))
		return
	}
	conv, err := g.orch.CreateConversation(ctx, p.Meta)
	if err != nil {
		g.appError(c, req.ID, err)
		return
	}
	c.sendEnvelope(newResponse(req.ID, map[string]int64{"conversationId": conv}))
}

type getConversationParams struct {
	ConversationID  int64 `json:"conversationId"`
	IncludeScenario bool  `json:"includeScenario"`
}

func (g *Gateway) getConversation(ctx context.Context, c *Client, req Envelope) {
	var p getConversationParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.sendEnvelope(newErrorResponse(req.ID, codeInvalidParams, err.Error()))
		return
	}
	snap, err := g.orch.GetSnapshot(ctx, p.ConversationID, p.IncludeScenario)
	if err != nil {
		g.appError(c, req.ID, err)
		return
	}
	c.sendEnvelope(newResponse(req.ID, snap))
}

type sendMessageParams struct {
	ConversationID int64             `json:"conversationId"`
	AgentID        string            `json:"agentId"`
	MessagePayload v1.MessagePayload `json:"messagePayload"`
	Finality       v1.Finality       `json:"finality"`
	Turn           *int64            `json:"turn,omitempty"`
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, req Envelope) {
	var p sendMessageParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.sendEnvelope(newErrorResponse(req.ID, codeInvalidParams, err.Error()))
		return
	}
	seq, turn, err := g.orch.SendMessage(ctx, p.ConversationID, p.AgentID, p.MessagePayload, p.Finality, p.Turn)
	if err != nil {
		g.appError(c, req.ID, err)
		return
	}
	c.sendEnvelope(newResponse(req.ID, map[string]int64{"seq": seq, "turn": turn}))
}

type subscribeParams struct {
	ConversationID  int64 `json:"conversationId"`
	SinceSeq        int64 `json:"sinceSeq"`
	IncludeGuidance bool  `json:"includeGuidance"`
}

// subscribe backfills events after sinceSeq, then streams new ones as
// `event` notifications until unsubscribe or disconnect.
func (g *Gateway) subscribe(ctx context.Context, c *Client, req Envelope) {
	var p subscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.sendEnvelope(newErrorResponse(req.ID, codeInvalidParams, err.Error()))
		return
	}

	ch, unsub := g.orch.Subscribe(p.ConversationID, p.IncludeGuidance)
	subID := uuid.New().String()
	c.registerSub(subID, unsub)

	c.sendEnvelope(newResponse(req.ID, map[string]string{"subscriptionId": subID}))

	backfill, err := g.orch.GetEventsSince(ctx, p.ConversationID, p.SinceSeq, 0)
	if err == nil {
		for _, evt := range backfill {
			if !p.IncludeGuidance && evt.Type == v1.EventGuidance {
				continue
			}
			c.sendEnvelope(newNotification("event", evt))
		}
	}

	go func() {
		for evt := range ch {
			c.sendEnvelope(newNotification("event", evt))
		}
	}()
}

type unsubscribeParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (g *Gateway) unsubscribe(c *Client, req Envelope) {
	var p unsubscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.sendEnvelope(newErrorResponse(req.ID, codeInvalidParams, err.Error()))
		return
	}
	c.removeSub(p.SubscriptionID)
	c.sendEnvelope(newResponse(req.ID, map[string]bool{"ok": true}))
}

// subscribeConversations streams a `conversation` notification for every
// conversation that receives a new event, for clients maintaining a live
// conversation list.
func (g *Gateway) subscribeConversations(c *Client, req Envelope) {
	ch, unsub := g.orch.SubscribeAll()
	subID := uuid.New().String()
	c.registerSub(subID, unsub)

	c.sendEnvelope(newResponse(req.ID, map[string]string{"subscriptionId": subID}))

	go func() {
		for evt := range ch {
			c.sendEnvelope(newNotification("conversation", map[string]int64{"conversationId": evt.Conversation}))
		}
	}()
}

type lifecycleEnsureParams struct {
	ConversationID int64    `json:"conversationId"`
	AgentIDs       []string `json:"agentIds"`
}

func (g *Gateway) lifecycleEnsure(ctx context.Context, c *Client, req Envelope) {
	var p lifecycleEnsureParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.sendEnvelope(newErrorResponse(req.ID, codeInvalidParams, err.Error()))
		return
	}

	ensured := make([]map[string]string, 0, len(p.AgentIDs))
	for _, agentID := range p.AgentIDs {
		if err := g.host.Ensure(ctx, p.ConversationID, agentID); err != nil {
			g.appError(c, req.ID, err)
			return
		}
		ensured = append(ensured, map[string]string{"id": agentID})
	}
	c.sendEnvelope(newResponse(req.ID, map[string]interface{}{"ensured": ensured}))
}

type lifecycleStopParams struct {
	ConversationID int64 `json:"conversationId"`
}

func (g *Gateway) lifecycleStop(ctx context.Context, c *Client, req Envelope) {
	var p lifecycleStopParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.sendEnvelope(newErrorResponse(req.ID, codeInvalidParams, err.Error()))
		return
	}
	if err := g.host.StopConversation(ctx, p.ConversationID); err != nil {
		g.appError(c, req.ID, err)
		return
	}
	c.sendEnvelope(newResponse(req.ID, map[string]bool{"ok": true}))
}
