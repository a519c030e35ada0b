// Package main is the entry point for the Conductor service: the
// multi-agent conversation orchestrator, its HTTP/WebSocket/SSE gateways,
// and the MCP Bridge.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/agenthost"
	"github.com/turnloop/conductor/internal/attachment"
	"github.com/turnloop/conductor/internal/config"
	"github.com/turnloop/conductor/internal/eventstore"
	"github.com/turnloop/conductor/internal/gateway/rest"
	"github.com/turnloop/conductor/internal/gateway/sse"
	"github.com/turnloop/conductor/internal/gateway/wsrpc"
	"github.com/turnloop/conductor/internal/hub"
	"github.com/turnloop/conductor/internal/lifecycle"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/mcpbridge"
	"github.com/turnloop/conductor/internal/orchestrator"
	"github.com/turnloop/conductor/internal/scenario"
	"github.com/turnloop/conductor/internal/storage"
	"github.com/turnloop/conductor/internal/watchdog"
)

// llmAdapter bridges the REST gateway's LLMProxy to the Agent Host's
// HTTPProvider, whose Generate signature deliberately uses its own
// GenerateMessage so agenthost never imports the gateway package.
type llmAdapter struct {
	provider *agenthost.HTTPProvider
}

func (a llmAdapter) Generate(ctx context.Context, messages []rest.LLMMessage, model string, temperature float64) (string, error) {
	converted := make([]agenthost.GenerateMessage, len(messages))
	for i, m := range messages {
		converted[i] = agenthost.GenerateMessage{Role: m.Role, Content: m.Content}
	}
	return a.provider.Generate(ctx, converted, model, temperature)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting conductor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, attachments, scenarios, registry, closeDB, err := openStores(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to open stores", zap.Error(err))
	}
	if closeDB != nil {
		defer closeDB()
	}

	var bus hub.EventBus
	if cfg.NATS.URL == "" {
		bus = hub.NewMemoryBus()
	} else {
		bus, err = hub.NewNATSBus(cfg.NATS)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
	}

	h, err := hub.New(bus, log)
	if err != nil {
		log.Fatal("failed to start subscription hub", zap.Error(err))
	}

	orch := orchestrator.New(events, attachments, scenarios, h, log)

	var sandbox agenthost.ToolSynthesizer
	if cfg.Docker.Enabled {
		sandboxRunner, err := agenthost.NewSandboxedToolRunner(cfg.Docker, log)
		if err != nil {
			log.Fatal("failed to initialize docker sandbox", zap.Error(err))
		}
		sandbox = sandboxRunner
	}

	llmProvider := agenthost.NewHTTPProvider(cfg.LLM)
	host := agenthost.New(orch, scenarios, registry, llmProvider, sandbox, log)

	if err := host.ReconcileOnBoot(ctx); err != nil {
		log.Fatal("failed to reconcile agent host on boot", zap.Error(err))
	}
	log.Info("agent host reconciled")

	wd := watchdog.New(orch, registry, cfg.Watchdog, log)
	wd.Start(ctx)

	bridge := mcpbridge.New(orch, host, log)
	mcpServer := mcpbridge.NewServer(cfg.MCP.Port, bridge, log)
	if err := mcpServer.Start(ctx); err != nil {
		log.Fatal("failed to start mcp bridge", zap.Error(err))
	}
	log.Info("mcp bridge listening", zap.Int("port", cfg.MCP.Port))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	wsGateway := wsrpc.New(orch, host, log)
	router.GET("/ws", wsGateway.HandleConnection)

	rest.SetupRoutes(router, orch, scenarios, llmAdapter{provider: llmProvider}, cfg.Server.RateLimit, log)
	sse.SetupRoutes(router, orch, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down conductor")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	wd.Stop()
	if err := mcpServer.Stop(shutdownCtx); err != nil {
		log.Error("mcp bridge shutdown error", zap.Error(err))
	}

	log.Info("conductor stopped")
}

// openStores selects the persistence backend from cfg.Driver. The
// "memory" driver is handled here directly, since storage.Open only
// knows about the SQL-backed drivers.
func openStores(ctx context.Context, cfg config.DatabaseConfig) (eventstore.Store, attachment.Store, scenario.Store, lifecycle.Registry, func(), error) {
	if cfg.Driver == "memory" {
		return eventstore.NewMemoryStore(), attachment.NewMemoryStore(), scenario.NewMemoryStore(), lifecycle.NewMemoryRegistry(), nil, nil
	}

	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	closeDB := func() { _ = db.Close() }

	return eventstore.NewSQLStore(db), attachment.NewSQLStore(db), scenario.NewSQLStore(db), lifecycle.NewSQLRegistry(db), closeDB, nil
}
