package wsrpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is one WebSocket JSON-RPC connection.
type Client struct {
	id   string
	conn *websocket.Conn
	gw   *Gateway
	send chan []byte
	log  *logger.Logger

	mu     sync.Mutex
	closed bool
	subs   map[string]func()
}

func newClient(id string, conn *websocket.Conn, gw *Gateway, log *logger.Logger) *Client {
	return &Client{
		id:   id,
		conn: conn,
		gw:   gw,
		send: make(chan []byte, 256),
		log:  log.WithFields(zap.String("client_id", id)),
		subs: make(map[string]func()),
	}
}

// registerSub tracks a streaming subscription's unsubscribe func under id so
// a later unsubscribe RPC, or connection close, can deterministically tear
// it down.
func (c *Client) registerSub(id string, unsub func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		unsub()
		return
	}
	c.subs[id] = unsub
}

func (c *Client) removeSub(id string) bool {
	c.mu.Lock()
	unsub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	unsub()
	return true
}

func (c *Client) closeAllSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

func (c *Client) sendEnvelope(env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		c.log.WithError(err).Error("failed to marshal envelope")
		return
	}
	c.sendBytes(body)
}

func (c *Client) sendBytes(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads frames from the connection and dispatches each as an RPC
// call in its own goroutine, so a long-running method (sendMessage going
// through the Orchestrator) never blocks other concurrent requests.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.closeAllSubs()
		c.markClosed()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Debug("websocket read error")
			}
			return
		}

		var req Envelope
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendEnvelope(newErrorResponse("", codeParseError, "invalid JSON"))
			continue
		}
		go c.gw.dispatch(ctx, c, req)
	}
}

// writePump drains c.send to the connection, one text frame per queued
// message, and sends a ping every pingPeriod to detect dead peers.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
