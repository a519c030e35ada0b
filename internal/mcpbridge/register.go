package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/logger"
)

func registerTools(s *server.MCPServer, b *Bridge, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("begin_chat_thread",
			mcp.WithDescription("Start a new conversation from a config token naming the participating agents and which one this client speaks as."),
			mcp.WithString("configToken",
				mcp.Required(),
				mcp.Description("JSON-encoded conversation template: {title, scenarioId?, agents[], startingAgentId, externalAgentId}"),
			),
		),
		beginChatThreadHandler(b, log),
	)

	s.AddTool(
		mcp.NewTool("send_message_to_chat_thread",
			mcp.WithDescription("Send a message to a conversation as the external agent. Never blocks for replies."),
			mcp.WithString("conversationId", mcp.Required(), mcp.Description("The conversation id returned by begin_chat_thread")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The message text")),
			mcp.WithArray("attachments", mcp.Description("Attachment ids to reference, previously obtained via the REST attachment endpoint")),
		),
		sendMessageHandler(b, log),
	)

	s.AddTool(
		mcp.NewTool("check_replies",
			mcp.WithDescription("Check for replies posted after this agent's most recent message, waiting briefly if none have arrived yet."),
			mcp.WithString("conversationId", mcp.Required(), mcp.Description("The conversation id")),
			mcp.WithNumber("waitMs", mcp.Description("Max milliseconds to wait for a reply (default 10000)")),
			mcp.WithNumber("max", mcp.Description("Max messages to return (default 200)")),
		),
		checkRepliesHandler(b, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func beginChatThreadHandler(b *Bridge, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("configToken")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var token ConfigToken
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid configToken: %v", err)), nil
		}

		conv, err := b.BeginChatThread(ctx, token)
		if err != nil {
			log.WithError(err).Error("begin_chat_thread failed")
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, _ := json.Marshal(map[string]string{"conversationId": fmt.Sprintf("%d", conv)})
		return mcp.NewToolResultText(string(body)), nil
	}
}

func sendMessageHandler(b *Bridge, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convStr, err := req.RequireString("conversationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var conv int64
		if _, err := fmt.Sscanf(convStr, "%d", &conv); err != nil {
			return mcp.NewToolResultError("invalid conversationId"), nil
		}

		attachments, err := attachmentIDs(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := b.SendMessageToChatThread(ctx, conv, message, attachments)
		if err != nil {
			log.WithError(err).Error("send_message_to_chat_thread failed")
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, _ := json.Marshal(result)
		return mcp.NewToolResultText(string(body)), nil
	}
}

// attachmentIDs pulls the optional "attachments" array out of req and
// decodes it as a list of attachment ids. Absent entirely, it's not an
// error: attachments are optional.
func attachmentIDs(req mcp.CallToolRequest) ([]string, error) {
	raw, ok := req.GetArguments()["attachments"]
	if !ok {
		return nil, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid attachments: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(encoded, &ids); err != nil {
		return nil, fmt.Errorf("invalid attachments: %w", err)
	}
	return ids, nil
}

func checkRepliesHandler(b *Bridge, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convStr, err := req.RequireString("conversationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var conv int64
		if _, err := fmt.Sscanf(convStr, "%d", &conv); err != nil {
			return mcp.NewToolResultError("invalid conversationId"), nil
		}

		waitMs := int(req.GetFloat("waitMs", 10000))
		max := int(req.GetFloat("max", 200))

		result, err := b.CheckReplies(ctx, conv, waitMs, max)
		if err != nil {
			log.WithError(err).Error("check_replies failed")
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, _ := json.Marshal(result)
		return mcp.NewToolResultText(string(body)), nil
	}
}
