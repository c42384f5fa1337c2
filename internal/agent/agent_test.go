package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/internal/chain"
	"github.com/rendis/outreach/pkg/schema"
)

func testRequest() Request {
	prev := "Acme Corp"
	step := schema.StepDefinition{ID: "qualify", Role: "qualifier"}
	return Request{
		RunID:   "run-1",
		StepID:  step.ID,
		Role:    step.Role,
		Model:   "small",
		Payload: chain.Build(step, "find 3 leads", nil, &prev),
	}
}

func kindOf(t *testing.T, err error) schema.ErrorKind {
	t.Helper()
	var f *Failure
	require.True(t, errors.As(err, &f), "expected *Failure, got %T", err)
	return f.Kind
}

// --- HTTPInvoker ---

func TestHTTPInvoker_Success(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"output": "qualified: Acme", "tokens": 42, "cost_units": 0.5})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPConfig{URL: srv.URL, Headers: map[string]string{"X-Api-Key": "secret"}})
	res, err := inv.Invoke(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "qualified: Acme", res.Output)
	assert.Equal(t, int64(42), res.Tokens)
	assert.InDelta(t, 0.5, res.CostUnits, 1e-9)
	assert.Equal(t, "qualify", got.StepID)
	assert.Equal(t, "run-1", got.RunID)
	assert.Contains(t, got.Prompt, "## previous_output\nAcme Corp")
	assert.Len(t, got.Sections, 3)
}

func TestHTTPInvoker_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   schema.ErrorKind
	}{
		{http.StatusInternalServerError, "", schema.ErrorKindTransient},
		{http.StatusBadGateway, "", schema.ErrorKindTransient},
		{http.StatusTooManyRequests, "", schema.ErrorKindTransient},
		{http.StatusRequestTimeout, "", schema.ErrorKindTransient},
		{http.StatusBadRequest, "", schema.ErrorKindConfiguration},
		{http.StatusNotFound, `{"message":"unknown model"}`, schema.ErrorKindConfiguration},
		{http.StatusUnprocessableEntity, `{"kind":"quality","message":"empty draft"}`, schema.ErrorKindQuality},
		{http.StatusServiceUnavailable, `{"kind":"configuration","message":"model retired"}`, schema.ErrorKindConfiguration},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPInvoker(HTTPConfig{URL: srv.URL}).Invoke(context.Background(), testRequest())
			require.Error(t, err)
			assert.Equal(t, tt.want, kindOf(t, err))
		})
	}
}

func TestHTTPInvoker_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPInvoker(HTTPConfig{URL: url}).Invoke(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, schema.ErrorKindTransient, kindOf(t, err))
}

func TestHTTPInvoker_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewHTTPInvoker(HTTPConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}).Invoke(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, schema.ErrorKindTransient, kindOf(t, err))
}

func TestHTTPInvoker_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewHTTPInvoker(HTTPConfig{URL: srv.URL}).Invoke(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, schema.ErrorKindTransient, kindOf(t, err))
}

// --- MCPInvoker ---

type fakeCaller struct {
	last   mcp.CallToolRequest
	result *mcp.CallToolResult
	err    error
}

func (f *fakeCaller) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.last = req
	return f.result, f.err
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}}, IsError: isError}
}

func TestMCPInvoker_PlainText(t *testing.T) {
	fc := &fakeCaller{result: textResult("three leads found", false)}
	inv := NewMCPInvoker(fc, "generate")

	res, err := inv.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "three leads found", res.Output)
	assert.Equal(t, "generate", fc.last.Params.Name)

	args, ok := fc.last.Params.Arguments.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "qualify", args["step_id"])
	assert.Equal(t, "small", args["model"])
}

func TestMCPInvoker_StructuredOutput(t *testing.T) {
	fc := &fakeCaller{result: textResult(`{"output":"draft","tokens":12,"cost_units":0.25}`, false)}
	res, err := NewMCPInvoker(fc, "generate").Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "draft", res.Output)
	assert.Equal(t, int64(12), res.Tokens)
	assert.InDelta(t, 0.25, res.CostUnits, 1e-9)
}

func TestMCPInvoker_StepToolOverridesDefault(t *testing.T) {
	fc := &fakeCaller{result: textResult("ok", false)}
	req := testRequest()
	req.Tool = "qualify_leads"
	_, err := NewMCPInvoker(fc, "generate").Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "qualify_leads", fc.last.Params.Name)
}

func TestMCPInvoker_Failures(t *testing.T) {
	_, err := NewMCPInvoker(&fakeCaller{}, "").Invoke(context.Background(), testRequest())
	assert.Equal(t, schema.ErrorKindConfiguration, kindOf(t, err))

	_, err = NewMCPInvoker(&fakeCaller{err: errors.New("broken pipe")}, "generate").Invoke(context.Background(), testRequest())
	assert.Equal(t, schema.ErrorKindTransient, kindOf(t, err))

	_, err = NewMCPInvoker(&fakeCaller{result: textResult("provider overloaded", true)}, "generate").Invoke(context.Background(), testRequest())
	assert.Equal(t, schema.ErrorKindTransient, kindOf(t, err))

	_, err = NewMCPInvoker(&fakeCaller{result: textResult(`{"kind":"configuration","message":"unknown model"}`, true)}, "generate").
		Invoke(context.Background(), testRequest())
	assert.Equal(t, schema.ErrorKindConfiguration, kindOf(t, err))
}

func TestMCPInvoker_CloseWithoutProcess(t *testing.T) {
	inv := NewMCPInvoker(&fakeCaller{}, "generate")
	assert.NoError(t, inv.Close())
	assert.NoError(t, inv.Close())
}

// --- Echo ---

func TestEcho(t *testing.T) {
	res, err := Echo{}.Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Contains(t, res.Output, "[qualify] qualifier output")
	assert.Contains(t, res.Output, "building on: Acme Corp")
	assert.Positive(t, res.Tokens)

	again, _ := Echo{}.Invoke(context.Background(), testRequest())
	assert.Equal(t, res.Output, again.Output)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo{}.Invoke(ctx, testRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailure_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	f := Transient("call %s", "x").WithCause(cause)
	assert.ErrorIs(t, f, cause)
	assert.Equal(t, "transient: call x: boom", f.Error())
}
