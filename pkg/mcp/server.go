package mcp

import (
	"context"
	"iter"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// Engine is the run engine surface exposed as tools. Satisfied by *engine.Machine.
type Engine interface {
	Catalog() schema.Catalog
	Start(ctx context.Context, req engine.StartRequest) (*store.Run, error)
	Advance(ctx context.Context, runID string) (*store.Run, error)
	Drive(ctx context.Context, runID string) (*store.Run, error)
	Cancel(ctx context.Context, runID string) (*store.Run, error)
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	ActivityAfter(ctx context.Context, runID string, afterSeq int64) iter.Seq2[*store.ActivityEvent, error]
	ListPendingApprovals(ctx context.Context, ownerID string) ([]*store.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, approvalID string, decision schema.Decision, resolvedBy string) (*store.Run, error)
}

// OutreachServerDeps holds the dependencies for creating an OutreachServer.
type OutreachServerDeps struct {
	Engine Engine
	Logger *slog.Logger
}

// OutreachServer wraps an MCP server with outreach tool handlers.
type OutreachServer struct {
	engine    Engine
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewOutreachServer creates a new OutreachServer with all 7 tools registered.
func NewOutreachServer(deps OutreachServerDeps) *OutreachServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &OutreachServer{
		engine:   deps.Engine,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"outreach",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Outreach runs multi-step AI outreach pipelines. Use outreach.start to begin a run, outreach.advance to move it forward, outreach.approvals and outreach.resolve to review checkpoints, outreach.status and outreach.activity to inspect progress, and outreach.cancel to stop a run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *OutreachServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OutreachServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the owner to session registry filled in by tool calls.
func (s *OutreachServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *OutreachServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: advanceTool(), Handler: s.handleAdvance},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: activityTool(), Handler: s.handleActivity},
		{Tool: approvalsTool(), Handler: s.handleApprovals},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("outreach.start",
		mcp.WithDescription("Start a pipeline run for a mission"),
		mcp.WithString("mission", mcp.Required(), mcp.Description("Free-text objective of the run")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("Identity that owns the run and its approvals")),
		mcp.WithArray("step_ids", mcp.Required(), mcp.WithStringItems(), mcp.Description("Ordered step ids, at least one")),
		mcp.WithObject("config", mcp.Description("Static business configuration passed to every step")),
		mcp.WithBoolean("drive", mcp.Description("Drive the run until it completes, fails or waits for approval")),
	)
}

func advanceTool() mcp.Tool {
	return mcp.NewTool("outreach.advance",
		mcp.WithDescription("Advance a run by one transition"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithBoolean("drive", mcp.Description("Keep advancing until the run completes, fails or waits for approval")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("outreach.status",
		mcp.WithDescription("Get the current state of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func activityTool() mcp.Tool {
	return mcp.NewTool("outreach.activity",
		mcp.WithDescription("List the activity log of a run in order"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("after", mcp.Description("Only events with a greater sequence number")),
	)
}

func approvalsTool() mcp.Tool {
	return mcp.NewTool("outreach.approvals",
		mcp.WithDescription("List pending approval requests"),
		mcp.WithString("owner_id", mcp.Description("Only approvals of runs owned by this identity")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("outreach.resolve",
		mcp.WithDescription("Approve or reject a pending approval request"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum(string(schema.DecisionApproved), string(schema.DecisionRejected)),
			mcp.Description("Verdict on the artifact"),
		),
		mcp.WithString("resolved_by", mcp.Required(), mcp.Description("Identity resolving the request")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("outreach.cancel",
		mcp.WithDescription("Cancel a run that has not finished"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}
