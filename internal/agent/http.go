package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/outreach/internal/chain"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 60 * time.Second
)

// HTTPConfig configures an HTTPInvoker.
type HTTPConfig struct {
	URL             string
	Headers         map[string]string
	Timeout         time.Duration
	MaxResponseBody int64
}

// HTTPInvoker posts step requests to an agent gateway.
//
// The gateway receives {run_id, step_id, role, model, prompt, sections} and answers
// {output, tokens, cost_units}. An error body may carry {"kind": "...", "message": "..."}.
type HTTPInvoker struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPInvoker creates an invoker for the gateway at cfg.URL.
func NewHTTPInvoker(cfg HTTPConfig) *HTTPInvoker {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &HTTPInvoker{
		config: cfg,
		client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}
}

type gatewayRequest struct {
	RunID    string          `json:"run_id"`
	StepID   string          `json:"step_id"`
	Role     string          `json:"role"`
	Model    string          `json:"model,omitempty"`
	Prompt   string          `json:"prompt"`
	Sections []chain.Section `json:"sections"`
}

type gatewayError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(gatewayRequest{
		RunID:    req.RunID,
		StepID:   req.StepID,
		Role:     req.Role,
		Model:    req.Model,
		Prompt:   req.Prompt(),
		Sections: req.Payload.Sections,
	})
	if err != nil {
		return nil, Configuration("encode request for step %s", req.StepID).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Configuration("build request to %q", h.config.URL).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range h.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, Transient("agent gateway unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, Transient("read agent response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusFailure(resp.StatusCode, raw)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, Transient("decode agent response").WithCause(err)
	}
	return &result, nil
}

// statusFailure classifies a non-2xx gateway answer. An explicit kind in the body wins.
func statusFailure(status int, raw []byte) *Failure {
	var ge gatewayError
	_ = json.Unmarshal(raw, &ge)
	msg := ge.Message
	if msg == "" {
		msg = fmt.Sprintf("agent gateway returned %d", status)
	}

	if f := kindFailure(ge.Kind, msg); f != nil {
		return f
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient("%s", msg)
	default:
		return Configuration("%s", msg)
	}
}

func kindFailure(kind, msg string) *Failure {
	switch kind {
	case "transient":
		return Transient("%s", msg)
	case "quality":
		return Quality("%s", msg)
	case "configuration":
		return Configuration("%s", msg)
	}
	return nil
}
