package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/internal/streaming"
)

// handleStream replays a run's activity after the requested sequence, then follows
// live events until the run ends or the client goes away. Resume with the
// Last-Event-ID header or ?after=.
func (s *Server) handleStream(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	last := c.Request().Header.Get("Last-Event-ID")
	if last == "" {
		last = c.QueryParam("after")
	}
	after, err := afterParam(last)
	if err != nil {
		return err
	}
	run, err := s.deps.Service.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	// Subscribe before replaying so nothing recorded in between is missed.
	var live <-chan streaming.StreamEvent
	if s.deps.Hub != nil {
		ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
		if err != nil {
			return err
		}
		defer cancel()
		live = ch
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ended := run.Status.IsTerminal()
	for e, err := range s.deps.Service.ActivityAfter(ctx, runID, after) {
		if err != nil {
			s.deps.Logger.Error("SSE replay failed", "run_id", runID, "error", err)
			return nil
		}
		if err := writeEvent(w, fromActivity(e, run.OwnerID)); err != nil {
			return nil
		}
		after = e.Sequence
		ended = ended || e.Kind.Terminal()
	}
	w.Flush()

	if live == nil || ended {
		return nil
	}

	heartbeat := time.NewTicker(s.deps.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case event, ok := <-live:
			if !ok {
				return nil
			}
			if event.Sequence <= after {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return nil
			}
			w.Flush()
			after = event.Sequence
			if event.Kind.Terminal() {
				return nil
			}
		}
	}
}

func fromActivity(e *store.ActivityEvent, ownerID string) streaming.StreamEvent {
	return streaming.StreamEvent{
		RunID:     e.RunID,
		OwnerID:   ownerID,
		StepID:    e.StepID,
		Kind:      e.Kind,
		Sequence:  e.Sequence,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}

func writeEvent(w io.Writer, event streaming.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Kind, data)
	return err
}
