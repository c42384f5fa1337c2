// Package api exposes the run engine over HTTP: JSON endpoints for runs and
// approvals plus a Server-Sent Events stream of run activity.
package api

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/internal/streaming"
	"github.com/rendis/outreach/pkg/schema"
)

// Service is the engine surface the API needs. Satisfied by *engine.Machine.
type Service interface {
	Catalog() schema.Catalog
	Start(ctx context.Context, req engine.StartRequest) (*store.Run, error)
	Advance(ctx context.Context, runID string) (*store.Run, error)
	Drive(ctx context.Context, runID string) (*store.Run, error)
	Cancel(ctx context.Context, runID string) (*store.Run, error)
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	ActivityAfter(ctx context.Context, runID string, afterSeq int64) iter.Seq2[*store.ActivityEvent, error]
	ListPendingApprovals(ctx context.Context, ownerID string) ([]*store.ApprovalRequest, error)
	GetApproval(ctx context.Context, approvalID string) (*store.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, approvalID string, decision schema.Decision, resolvedBy string) (*store.Run, error)
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Service Service
	// Hub feeds the activity stream. Without it the stream replays history and ends.
	Hub streaming.EventHub
	// Pool drives runs in the background. Without it drive requests run inline.
	Pool   *engine.RunPool
	Logger *slog.Logger
	// Heartbeat is the SSE keep-alive interval. Zero means 15s.
	Heartbeat time.Duration
}

// Server serves the REST API.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// New creates a Server with its routes registered.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))

	s := &Server{deps: deps, echo: e}

	e.GET("/healthz", s.handleHealth)

	v1 := e.Group("/v1")
	v1.GET("/pipeline", s.handlePipeline)

	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/advance", s.handleAdvanceRun)
	v1.POST("/runs/:id/drive", s.handleDriveRun)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)
	v1.GET("/runs/:id/activity", s.handleActivity)
	v1.GET("/runs/:id/stream", s.handleStream)

	v1.GET("/approvals", s.handleListApprovals)
	v1.GET("/approvals/:id", s.handleGetApproval)
	v1.POST("/approvals/:id/resolve", s.handleResolveApproval)

	return s
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := s.echo.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// statusFor maps error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeAlreadyResolved, schema.ErrCodeConflict, schema.ErrCodeCancelled, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeValidation, schema.ErrCodeInvalidConfiguration:
		return http.StatusBadRequest
	case schema.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error *schema.OutreachError `json:"error"`
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			body   errorBody
			he     *echo.HTTPError
			oe     *schema.OutreachError
		)
		switch {
		case errors.As(err, &oe):
			status = statusFor(oe.Code)
			body.Error = oe
		case errors.As(err, &he):
			status = he.Code
			code := schema.ErrCodeValidation
			if status == http.StatusNotFound {
				code = schema.ErrCodeNotFound
			} else if status >= http.StatusInternalServerError {
				code = schema.ErrCodeStore
			}
			body.Error = schema.NewErrorf(code, "%v", he.Message)
		default:
			status = http.StatusInternalServerError
			body.Error = schema.NewError(schema.ErrCodeStore, err.Error())
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				slog.String("method", c.Request().Method),
				slog.String("path", c.Path()),
				slog.String("error", err.Error()))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Warn("write error response", slog.String("error", err.Error()))
		}
	}
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.Debug("http request", attrs...)
			return nil
		},
	})
}
