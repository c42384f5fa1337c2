package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/outreach/internal/activity"
	"github.com/rendis/outreach/internal/agent"
	"github.com/rendis/outreach/internal/config"
	"github.com/rendis/outreach/internal/dispatch"
	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/pipeline"
	"github.com/rendis/outreach/internal/retry"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/internal/streaming"
	"github.com/rendis/outreach/pkg/schema"
)

// app is the wired process: store, activity log, hub, invoker, dispatcher and machine.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.LibSQLStore
	hub     *streaming.MemoryHub
	machine *engine.Machine
	pool    *engine.RunPool

	closers []func() error
}

// newApp opens the database, runs migrations and builds the engine from cfg.
// Logs go to logOut.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)
	a := &app{cfg: cfg, logger: logger}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	if err := s.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	catalog := pipeline.Default()
	if cfg.PipelineFile != "" {
		if catalog, err = pipeline.Load(cfg.PipelineFile); err != nil {
			a.Close()
			return nil, err
		}
	}

	inv, err := a.invoker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hub = streaming.NewMemoryHub()
	log := activity.NewLog(s, activity.WithHub(a.hub), activity.WithLogger(logger))

	policy := retry.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay)
	dispatcher := dispatch.New(s, a.publisher(), dispatch.Config{
		MinInterval:   cfg.Dispatch.MinInterval,
		DailyCap:      cfg.Dispatch.DailyCap,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		Burst:         cfg.Dispatch.Burst,
		Retry:         policy,
	}, dispatch.WithLogger(logger))

	a.machine, err = engine.NewMachine(s, log, inv, engine.Config{
		Retry:           policy,
		ApprovalTimeout: cfg.Approval.Timeout,
		Catalog:         catalog,
	}, engine.WithLogger(logger), engine.WithDispatcher(dispatcher))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pool = engine.NewRunPool(cfg.PoolSize)
	return a, nil
}

func (a *app) invoker(ctx context.Context) (agent.Invoker, error) {
	switch a.cfg.Agent.Kind {
	case config.AgentHTTP:
		return agent.NewHTTPInvoker(agent.HTTPConfig{URL: a.cfg.Agent.URL, Timeout: a.cfg.Agent.Timeout}), nil
	case config.AgentMCP:
		inv, err := agent.DialMCP(ctx, agent.MCPConfig{
			Command:       a.cfg.Agent.Command,
			Args:          a.cfg.Agent.Args,
			Tool:          a.cfg.Agent.Tool,
			ClientVersion: version,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, inv.Close)
		return inv, nil
	default:
		return agent.Echo{}, nil
	}
}

// publisher posts to the configured webhook, or only logs when none is set.
func (a *app) publisher() dispatch.Publisher {
	if a.cfg.Dispatch.PublisherURL != "" {
		return dispatch.NewHTTPPublisher(dispatch.HTTPPublisherConfig{
			URL:     a.cfg.Dispatch.PublisherURL,
			Timeout: a.cfg.Dispatch.Timeout,
		})
	}
	logger := a.logger
	return dispatch.PublisherFunc(func(_ context.Context, actorID string, payload json.RawMessage) dispatch.PublishResult {
		ref := "local-" + uuid.NewString()
		logger.Info("side effect published locally",
			slog.String("actor_id", actorID), slog.String("ref", ref), slog.Int("bytes", len(payload)))
		return dispatch.PublishResult{Result: schema.DispatchSuccess, ExternalRef: ref}
	})
}

// Close releases the pool, the invoker and the database, in reverse order of creation.
func (a *app) Close() error {
	if a.pool != nil {
		a.pool.Shutdown()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// parseConfigPairs turns key=value flags into a run configuration. Values that
// parse as JSON keep their type.
func parseConfigPairs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "config %q: expected key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[strings.TrimSpace(k)] = decoded
		} else {
			out[strings.TrimSpace(k)] = v
		}
	}
	return out, nil
}
