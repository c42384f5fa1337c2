package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/pipeline"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

type startBody struct {
	Mission string         `json:"mission"`
	StepIDs []string       `json:"step_ids"`
	OwnerID string         `json:"owner_id"`
	Config  map[string]any `json:"config,omitempty"`
	// Drive submits the new run to the background pool.
	Drive bool `json:"drive,omitempty"`
}

type resolveBody struct {
	Decision   schema.Decision `json:"decision"`
	ResolvedBy string          `json:"resolved_by"`
}

type driveResponse struct {
	RunID     string     `json:"run_id"`
	Submitted bool       `json:"submitted"`
	Run       *store.Run `json:"run,omitempty"`
}

type stepView struct {
	schema.StepDefinition
	Summary string `json:"summary"`
}

func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if s.deps.Pool != nil {
		body["pool"] = s.deps.Pool.Metrics()
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handlePipeline(c echo.Context) error {
	catalog := s.deps.Service.Catalog()
	steps := make([]stepView, 0, len(catalog))
	for _, id := range catalog.IDs() {
		def := catalog[id]
		steps = append(steps, stepView{StepDefinition: def, Summary: pipeline.Describe(def)})
	}
	return c.JSON(http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleStartRun(c echo.Context) error {
	var body startBody
	if err := c.Bind(&body); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON body").WithCause(err)
	}

	run, err := s.deps.Service.Start(c.Request().Context(), engine.StartRequest{
		Mission: body.Mission,
		StepIDs: body.StepIDs,
		OwnerID: body.OwnerID,
		Config:  body.Config,
	})
	if err != nil {
		return err
	}
	if body.Drive {
		if _, err := s.submit(c.Request().Context(), run.ID); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusCreated, run)
}

func (s *Server) handleListRuns(c echo.Context) error {
	filter := store.RunFilter{OwnerID: c.QueryParam("owner")}
	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, schema.RunStatus(strings.TrimSpace(st)))
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid limit %q", raw)
		}
		filter.Limit = n
	}

	runs, err := s.deps.Service.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.deps.Service.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleAdvanceRun(c echo.Context) error {
	run, err := s.deps.Service.Advance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// handleDriveRun drives a run until it completes, fails or waits for approval.
// With a pool the drive happens in the background and the response is 202.
func (s *Server) handleDriveRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	if s.deps.Pool == nil {
		run, err := s.deps.Service.Drive(ctx, runID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, driveResponse{RunID: runID, Submitted: true, Run: run})
	}

	if _, err := s.deps.Service.GetRun(ctx, runID); err != nil {
		return err
	}
	submitted, err := s.submit(ctx, runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, driveResponse{RunID: runID, Submitted: submitted})
}

func (s *Server) handleCancelRun(c echo.Context) error {
	run, err := s.deps.Service.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleActivity(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")
	after, err := afterParam(c.QueryParam("after"))
	if err != nil {
		return err
	}
	if _, err := s.deps.Service.GetRun(ctx, runID); err != nil {
		return err
	}

	events := []*store.ActivityEvent{}
	for e, err := range s.deps.Service.ActivityAfter(ctx, runID, after) {
		if err != nil {
			return err
		}
		events = append(events, e)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListApprovals(c echo.Context) error {
	approvals, err := s.deps.Service.ListPendingApprovals(c.Request().Context(), c.QueryParam("owner"))
	if err != nil {
		return err
	}
	if approvals == nil {
		approvals = []*store.ApprovalRequest{}
	}
	return c.JSON(http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) handleGetApproval(c echo.Context) error {
	a, err := s.deps.Service.GetApproval(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleResolveApproval(c echo.Context) error {
	var body resolveBody
	if err := c.Bind(&body); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON body").WithCause(err)
	}
	if body.ResolvedBy == "" {
		return schema.NewError(schema.ErrCodeValidation, "resolved_by is required")
	}

	run, err := s.deps.Service.ResolveApproval(c.Request().Context(), c.Param("id"), body.Decision, body.ResolvedBy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// submit hands a run to the pool. The drive outlives the request that asked for it.
func (s *Server) submit(ctx context.Context, runID string) (bool, error) {
	if s.deps.Pool == nil {
		return false, nil
	}
	logger := s.deps.Logger
	return s.deps.Pool.Submit(context.WithoutCancel(ctx), runID, func(ctx context.Context) error {
		_, err := s.deps.Service.Drive(ctx, runID)
		if err != nil && !schema.IsCode(err, schema.ErrCodeCancelled) {
			logger.Error("background drive failed", "run_id", runID, "error", err)
		}
		return err
	})
}

func afterParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid sequence %q", raw)
	}
	return n, nil
}
