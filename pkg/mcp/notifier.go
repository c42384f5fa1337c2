package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/outreach/internal/streaming"
	"github.com/rendis/outreach/pkg/schema"
)

// notifyKinds are the activity kinds worth interrupting an owner for.
var notifyKinds = []schema.ActivityKind{
	schema.ActivityApprovalRequested,
	schema.ActivitySideEffectFailed,
	schema.ActivityCompleted,
	schema.ActivityFailed,
}

// OwnerNotifier pushes notifications to connected run owners.
type OwnerNotifier interface {
	Notify(ctx context.Context, ownerID string, payload map[string]any) error
}

// MCPNotifier implements OwnerNotifier using MCP session notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the owner's MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the owner's session.
// Best-effort: returns nil if the owner is not connected.
func (n *MCPNotifier) Notify(_ context.Context, ownerID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(ownerID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward relays approval requests and run endings from hub to their owners until
// ctx is done.
func Forward(ctx context.Context, hub streaming.EventHub, n OwnerNotifier, logger *slog.Logger) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{Kinds: notifyKinds})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if event.OwnerID == "" {
				continue
			}
			payload := map[string]any{
				"level":  "info",
				"logger": "outreach",
				"data":   event,
			}
			if err := n.Notify(ctx, event.OwnerID, payload); err != nil {
				logger.Warn("owner notification failed",
					slog.String("owner_id", event.OwnerID),
					slog.String("run_id", event.RunID),
					slog.String("error", err.Error()))
			}
		}
	}
}
