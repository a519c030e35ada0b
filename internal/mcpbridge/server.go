package mcpbridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/logger"
)

// Server wraps the SSE and Streamable HTTP MCP transports with lifecycle
// management, serving both from one listener:
//   - SSE transport (/sse, /message) for Claude Desktop, Cursor, etc.
//   - Streamable HTTP transport (/mcp) for clients that speak it directly.
type Server struct {
	port   int
	bridge *Bridge
	log    *logger.Logger

	mu                   sync.Mutex
	running              bool
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
}

// NewServer constructs an MCP transport server bound to bridge's tool
// handlers.
func NewServer(port int, bridge *Bridge, log *logger.Logger) *Server {
	return &Server{port: port, bridge: bridge, log: log}
}

// Start registers the three MCP tools and begins serving both transports
// on one HTTP listener. Returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcpbridge: server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer("conductor-mcp", "1.0.0", server.WithToolCapabilities(true))
	registerTools(mcpServer, s.bridge, s.log)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcpbridge: listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("mcp bridge listening", zap.Int("port", s.port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("mcp bridge server error")
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("mcpbridge: shutdown http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("mcpbridge: shutdown sse server")
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("mcpbridge: shutdown streamable http server")
		}
	}
	return nil
}
