// Package dispatch performs outbound side effects under per-actor pacing and daily caps.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// PublishResult is the three-way outcome of one publish attempt.
type PublishResult struct {
	Result      schema.DispatchResult
	ExternalRef string
	Err         error
}

// Publisher performs one unit of external publishing.
type Publisher interface {
	Publish(ctx context.Context, actorID string, payload json.RawMessage) PublishResult
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, actorID string, payload json.RawMessage) PublishResult

func (f PublisherFunc) Publish(ctx context.Context, actorID string, payload json.RawMessage) PublishResult {
	return f(ctx, actorID, payload)
}

const (
	defaultMaxResponseBody = 1024 * 1024 // 1MB
	defaultPublishTimeout  = 30 * time.Second

	// ReferenceHeader carries the external reference when the body has none.
	ReferenceHeader = "X-Reference-Id"
)

// HTTPPublisherConfig configures an HTTPPublisher.
type HTTPPublisherConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// HTTPPublisher posts each payload to a webhook.
// 2xx is success, 408/429/5xx and network errors are retryable, any other status is permanent.
type HTTPPublisher struct {
	config HTTPPublisherConfig
	client *http.Client
}

// NewHTTPPublisher creates a webhook publisher.
func NewHTTPPublisher(cfg HTTPPublisherConfig) *HTTPPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPublishTimeout
	}
	return &HTTPPublisher{
		config: cfg,
		client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, actorID string, payload json.RawMessage) PublishResult {
	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return PublishResult{Result: schema.DispatchPermanentFailure, Err: fmt.Errorf("build publish request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", actorID)
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return PublishResult{Result: schema.DispatchRetryableFailure, Err: fmt.Errorf("publish: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return PublishResult{Result: schema.DispatchSuccess, ExternalRef: referenceOf(resp, body)}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return PublishResult{Result: schema.DispatchRetryableFailure, Err: statusError(resp.StatusCode, body)}
	default:
		return PublishResult{Result: schema.DispatchPermanentFailure, Err: statusError(resp.StatusCode, body)}
	}
}

func referenceOf(resp *http.Response, body []byte) string {
	var parsed struct {
		ID any `json:"id"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.ID != nil {
		return fmt.Sprintf("%v", parsed.ID)
	}
	return resp.Header.Get(ReferenceHeader)
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("publisher returned %d", status)
	}
	return fmt.Errorf("publisher returned %d: %s", status, msg)
}
