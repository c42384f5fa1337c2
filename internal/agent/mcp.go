package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolCaller is the part of an MCP client the invoker needs.
type ToolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPConfig describes an MCP server launched over stdio.
type MCPConfig struct {
	Command string
	Args    []string
	Env     []string
	// Tool is used when a step does not name its own.
	Tool string
	// ClientVersion is reported during initialization.
	ClientVersion string
}

// MCPInvoker runs each step as a tool call on an MCP server.
//
// The tool receives {run_id, step_id, role, model, prompt}. A text result is taken as
// the output verbatim unless it is a JSON object with an "output" field, in which case
// tokens and cost_units are read from it as well.
type MCPInvoker struct {
	caller      ToolCaller
	defaultTool string
	closeFn     func() error

	closeOnce sync.Once
}

// NewMCPInvoker wraps an existing tool caller.
func NewMCPInvoker(caller ToolCaller, defaultTool string) *MCPInvoker {
	return &MCPInvoker{caller: caller, defaultTool: defaultTool}
}

// DialMCP launches the configured server and completes the MCP handshake.
func DialMCP(ctx context.Context, cfg MCPConfig) (*MCPInvoker, error) {
	if cfg.Command == "" {
		return nil, Configuration("mcp agent: command is required")
	}
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, Configuration("mcp agent: launch %q", cfg.Command).WithCause(err)
	}

	version := cfg.ClientVersion
	if version == "" {
		version = "dev"
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "outreach", Version: version}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, Transient("mcp agent: initialize").WithCause(err)
	}

	inv := NewMCPInvoker(c, cfg.Tool)
	inv.closeFn = c.Close
	return inv, nil
}

func (m *MCPInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	tool := req.Tool
	if tool == "" {
		tool = m.defaultTool
	}
	if tool == "" {
		return nil, Configuration("no mcp tool configured for step %s", req.StepID)
	}

	res, err := m.caller.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: tool,
			Arguments: map[string]any{
				"run_id":  req.RunID,
				"step_id": req.StepID,
				"role":    req.Role,
				"model":   req.Model,
				"prompt":  req.Prompt(),
			},
		},
	})
	if err != nil {
		return nil, Transient("mcp tool %s", tool).WithCause(err)
	}
	if res == nil {
		return nil, Transient("mcp tool %s returned no result", tool)
	}

	text := textOf(res.Content)
	if res.IsError {
		var ge gatewayError
		if json.Unmarshal([]byte(text), &ge) == nil {
			if f := kindFailure(ge.Kind, ge.Message); f != nil {
				return nil, f
			}
		}
		return nil, Transient("mcp tool %s: %s", tool, text)
	}
	return parseToolOutput(text), nil
}

// Close shuts the server down when the invoker launched it.
func (m *MCPInvoker) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.closeFn != nil {
			err = m.closeFn()
		}
	})
	return err
}

func textOf(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func parseToolOutput(text string) *Result {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var structured struct {
			Output    *string `json:"output"`
			Tokens    int64   `json:"tokens"`
			CostUnits float64 `json:"cost_units"`
		}
		if json.Unmarshal([]byte(trimmed), &structured) == nil && structured.Output != nil {
			return &Result{Output: *structured.Output, Tokens: structured.Tokens, CostUnits: structured.CostUnits}
		}
	}
	return &Result{Output: text}
}
