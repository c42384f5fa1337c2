package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/outreach/pkg/schema"
)

// Engine evaluates one expression language.
// Three implementations: CEL (quality rules), GoJQ (artifact extraction), Expr (dispatch guards).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
}

// Evaluators bundles the engines used by step definitions.
type Evaluators struct {
	CEL  *CELEngine
	JQ   *GoJQEngine
	Expr *ExprEngine
}

// NewEvaluators creates all three engines.
func NewEvaluators() (*Evaluators, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluators{CEL: celEngine, JQ: NewGoJQEngine(), Expr: NewExprEngine()}, nil
}

// QualityInput is the CEL activation for a quality rule.
type QualityInput struct {
	Output  string
	StepID  string
	Attempt int
}

// QualityPasses evaluates rule against a step output. An empty rule always passes.
func (ev *Evaluators) QualityPasses(ctx context.Context, rule string, in QualityInput) (bool, error) {
	if rule == "" {
		return true, nil
	}
	out, err := ev.CEL.Evaluate(ctx, rule, map[string]any{
		"output":  in.Output,
		"step":    in.StepID,
		"attempt": int64(in.Attempt),
	})
	if err != nil {
		return false, err
	}
	return asBool(rule, out)
}

// ExtractArtifact applies a jq query to output parsed as JSON. Several results are
// returned as a slice.
func (ev *Evaluators) ExtractArtifact(ctx context.Context, query, output string) (any, error) {
	var doc any
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "step output is not JSON").WithCause(err)
	}
	results, err := ev.JQ.EvaluateAny(ctx, query, doc)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "jq query %q produced no result", query)
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// DispatchAllowed evaluates an expr guard. An empty guard always allows.
func (ev *Evaluators) DispatchAllowed(ctx context.Context, cond string, env map[string]any) (bool, error) {
	if cond == "" {
		return true, nil
	}
	out, err := ev.Expr.Evaluate(ctx, cond, env)
	if err != nil {
		return false, err
	}
	return asBool(cond, out)
}

// CheckStep compiles every expression a step definition carries.
func (ev *Evaluators) CheckStep(def schema.StepDefinition) error {
	checks := []struct {
		engine Engine
		expr   string
	}{
		{ev.CEL, def.QualityRule},
		{ev.JQ, def.ArtifactQuery},
		{ev.Expr, def.DispatchWhen},
	}
	for _, c := range checks {
		if c.expr == "" {
			continue
		}
		if err := c.engine.Compile(c.expr); err != nil {
			return fmt.Errorf("step %s: %w", def.ID, err)
		}
	}
	return nil
}

func asBool(expression string, out any) (bool, error) {
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q returned %T, want bool", expression, out)
	}
	return b, nil
}
