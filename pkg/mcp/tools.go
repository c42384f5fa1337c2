package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// handleStart creates a run and optionally drives it.
func (s *OutreachServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mission, err := req.RequireString("mission")
	if err != nil {
		return mcp.NewToolResultError("mission is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}
	stepIDs := req.GetStringSlice("step_ids", nil)

	// Capture session mapping for notifications.
	s.captureSession(ctx, ownerID)

	run, startErr := s.engine.Start(ctx, engine.StartRequest{
		Mission: mission,
		StepIDs: stepIDs,
		OwnerID: ownerID,
		Config:  mcp.ParseStringMap(req, "config", nil),
	})
	if startErr != nil {
		return toolError("start failed", startErr), nil
	}

	if req.GetBool("drive", false) {
		driven, driveErr := s.engine.Drive(ctx, run.ID)
		if driveErr != nil {
			return toolError(fmt.Sprintf("run %s started but drive failed", run.ID), driveErr), nil
		}
		run = driven
	}
	return marshalResult(run)
}

// handleAdvance moves a run forward by one transition, or until it stops when drive is set.
func (s *OutreachServer) handleAdvance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	var run *store.Run
	if req.GetBool("drive", false) {
		run, err = s.engine.Drive(ctx, runID)
	} else {
		run, err = s.engine.Advance(ctx, runID)
	}
	if err != nil {
		return toolError("advance failed", err), nil
	}
	return marshalResult(run)
}

// handleStatus returns the current state of a run.
func (s *OutreachServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.engine.GetRun(ctx, runID)
	if getErr != nil {
		return toolError("status query failed", getErr), nil
	}
	return marshalResult(run)
}

// handleActivity returns a run's activity log.
func (s *OutreachServer) handleActivity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	after := int64(req.GetInt("after", 0))
	if after < 0 {
		return mcp.NewToolResultError("after must not be negative"), nil
	}

	if _, getErr := s.engine.GetRun(ctx, runID); getErr != nil {
		return toolError("activity query failed", getErr), nil
	}
	events := make([]*store.ActivityEvent, 0)
	for e, iterErr := range s.engine.ActivityAfter(ctx, runID, after) {
		if iterErr != nil {
			return toolError("activity query failed", iterErr), nil
		}
		events = append(events, e)
	}
	return marshalResult(map[string]any{
		"run_id": runID,
		"events": events,
		"total":  len(events),
	})
}

// handleApprovals lists pending approval requests.
func (s *OutreachServer) handleApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID := req.GetString("owner_id", "")
	if ownerID != "" {
		s.captureSession(ctx, ownerID)
	}

	approvals, err := s.engine.ListPendingApprovals(ctx, ownerID)
	if err != nil {
		return toolError("approvals query failed", err), nil
	}
	if approvals == nil {
		approvals = []*store.ApprovalRequest{}
	}
	return marshalResult(map[string]any{
		"approvals": approvals,
		"total":     len(approvals),
	})
}

// handleResolve records a decision and resumes the run.
func (s *OutreachServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	resolvedBy, err := req.RequireString("resolved_by")
	if err != nil {
		return mcp.NewToolResultError("resolved_by is required"), nil
	}

	run, resolveErr := s.engine.ResolveApproval(ctx, approvalID, schema.Decision(decision), resolvedBy)
	if resolveErr != nil {
		return toolError("resolve failed", resolveErr), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"approval_id": approvalID,
		"decision":    decision,
		"run":         run,
	})
}

// handleCancel cancels a run.
func (s *OutreachServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, cancelErr := s.engine.Cancel(ctx, runID)
	if cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return marshalResult(run)
}

// captureSession maps the owner to the calling MCP session, if any.
func (s *OutreachServer) captureSession(ctx context.Context, ownerID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(ownerID, session.SessionID())
	}
}

// toolError reports a failure as a tool-level error result carrying the error code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
