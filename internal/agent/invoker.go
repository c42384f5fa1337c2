// Package agent is the boundary to the external AI agents that perform each step.
package agent

import (
	"context"
	"fmt"

	"github.com/rendis/outreach/internal/chain"
	"github.com/rendis/outreach/pkg/schema"
)

// Request is one step invocation.
type Request struct {
	RunID   string
	StepID  string
	Role    string
	Model   string
	Tool    string
	Payload chain.Payload
}

// Prompt returns the rendered payload.
func (r Request) Prompt() string { return r.Payload.Render() }

// Result is a successful invocation.
type Result struct {
	Output    string  `json:"output"`
	Tokens    int64   `json:"tokens"`
	CostUnits float64 `json:"cost_units"`
}

// Invoker performs a step. Implementations must honor ctx cancellation.
// Errors should be *Failure when the kind is known; anything else is classified
// by the engine.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (*Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// Failure is a classified invocation error.
type Failure struct {
	Kind    schema.ErrorKind
	Message string
	Cause   error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Transient returns a retryable failure.
func Transient(format string, args ...any) *Failure {
	return &Failure{Kind: schema.ErrorKindTransient, Message: fmt.Sprintf(format, args...)}
}

// Configuration returns a failure that retrying cannot fix.
func Configuration(format string, args ...any) *Failure {
	return &Failure{Kind: schema.ErrorKindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// Quality returns a failure for output that is present but unusable.
func Quality(format string, args ...any) *Failure {
	return &Failure{Kind: schema.ErrorKindQuality, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying error.
func (f *Failure) WithCause(err error) *Failure {
	f.Cause = err
	return f
}
