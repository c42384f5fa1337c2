package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/pkg/schema"
)

func newEvaluators(t *testing.T) *Evaluators {
	t.Helper()
	ev, err := NewEvaluators()
	require.NoError(t, err)
	return ev
}

// --- CEL quality rules ---

func TestQualityPasses(t *testing.T) {
	ev := newEvaluators(t)
	ctx := context.Background()

	ok, err := ev.QualityPasses(ctx, `size(output) >= 10`, QualityInput{Output: "long enough output"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.QualityPasses(ctx, `size(output) >= 10`, QualityInput{Output: "short"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ev.QualityPasses(ctx, `step == "qualify" && attempt < 3 && output.contains("lead")`,
		QualityInput{Output: "one lead", StepID: "qualify", Attempt: 2})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQualityPasses_EmptyRule(t *testing.T) {
	ok, err := newEvaluators(t).QualityPasses(context.Background(), "", QualityInput{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQualityPasses_NonBool(t *testing.T) {
	_, err := newEvaluators(t).QualityPasses(context.Background(), `size(output)`, QualityInput{Output: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile(`output >`)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	err = e.Compile(`unknown_var == 1`)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestCEL_ConcurrentEvaluation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `size(output) > 2`, map[string]any{"output": "abcd"})
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}

// --- jq artifact extraction ---

func TestExtractArtifact(t *testing.T) {
	ev := newEvaluators(t)
	output := `{"leads":[{"name":"Acme","score":0.9},{"name":"Globex","score":0.4}],"notes":"x"}`

	got, err := ev.ExtractArtifact(context.Background(), `.leads`, output)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = ev.ExtractArtifact(context.Background(), `.leads[] | select(.score > 0.5) | .name`, output)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got)

	got, err = ev.ExtractArtifact(context.Background(), `.leads[].name`, output)
	require.NoError(t, err)
	assert.Equal(t, []any{"Acme", "Globex"}, got)
}

func TestExtractArtifact_Errors(t *testing.T) {
	ev := newEvaluators(t)

	_, err := ev.ExtractArtifact(context.Background(), `.leads`, "plain text")
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = ev.ExtractArtifact(context.Background(), `.leads[] | select(.score > 5)`, `{"leads":[{"score":1}]}`)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = ev.ExtractArtifact(context.Background(), `.[`, `{}`)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

// --- expr dispatch guards ---

func TestDispatchAllowed(t *testing.T) {
	ev := newEvaluators(t)
	env := map[string]any{
		"artifact": "Hi Jane, ...",
		"output":   "Hi Jane, ...",
		"run":      map[string]any{"owner_id": "owner-1", "mission": "find leads"},
	}

	ok, err := ev.DispatchAllowed(context.Background(), `run.owner_id == "owner-1" && len(output) > 5`, env)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.DispatchAllowed(context.Background(), `artifact contains "unsubscribe"`, env)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ev.DispatchAllowed(context.Background(), "", env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDispatchAllowed_Errors(t *testing.T) {
	ev := newEvaluators(t)

	_, err := ev.DispatchAllowed(context.Background(), `len(output)`, map[string]any{"output": "abc"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = ev.DispatchAllowed(context.Background(), `output ==`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

// --- CheckStep ---

func TestCheckStep(t *testing.T) {
	ev := newEvaluators(t)

	assert.NoError(t, ev.CheckStep(schema.StepDefinition{
		ID:            "qualify",
		QualityRule:   `size(output) > 0`,
		ArtifactQuery: `.leads`,
		DispatchWhen:  `artifact != nil`,
	}))
	assert.NoError(t, ev.CheckStep(schema.StepDefinition{ID: "plain"}))

	err := ev.CheckStep(schema.StepDefinition{ID: "broken", ArtifactQuery: `.[`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step broken")
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}
