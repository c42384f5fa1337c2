package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/pkg/schema"
)

var qualify = schema.StepDefinition{ID: "qualify", Role: "qualifier", Instructions: "Score each lead."}

func names(p Payload) []string {
	var out []string
	for _, s := range p.Sections {
		out = append(out, s.Name)
	}
	return out
}

func TestBuild_FirstStepHasNoPreviousOutput(t *testing.T) {
	p := Build(schema.StepDefinition{ID: "research", Role: "researcher"}, "find 3 leads", map[string]any{"goal": "demos"}, nil)

	assert.Equal(t, "research", p.StepID)
	assert.Equal(t, []string{SectionMission, SectionRole, SectionConfig}, names(p))
	mission, ok := p.Section(SectionMission)
	require.True(t, ok)
	assert.Equal(t, "find 3 leads", mission)
}

func TestBuild_StableOrderWithPrevious(t *testing.T) {
	prev := "Acme, Globex, Initech"
	p := Build(qualify, "find 3 leads", map[string]any{"industry": "saas"}, &prev)

	assert.Equal(t, []string{SectionMission, SectionRole, SectionConfig, SectionPrevious}, names(p))
	role, _ := p.Section(SectionRole)
	assert.Equal(t, "qualifier\nScore each lead.", role)
	got, _ := p.Section(SectionPrevious)
	assert.Equal(t, prev, got)
}

func TestBuild_Deterministic(t *testing.T) {
	prev := "output"
	static := map[string]any{
		"zeta":  1,
		"alpha": "a",
		"mid":   map[string]any{"y": 2, "x": []any{"b", "a"}},
	}

	first := Build(qualify, "m", static, &prev).Render()
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Build(qualify, "m", static, &prev).Render())
	}

	cfg, _ := Build(qualify, "m", static, &prev).Section(SectionConfig)
	assert.Equal(t, "alpha: a\nmid: {\"x\":[\"b\",\"a\"],\"y\":2}\nzeta: 1", cfg)
}

func TestBuild_EmptyConfigOmitted(t *testing.T) {
	p := Build(qualify, "m", nil, nil)
	_, ok := p.Section(SectionConfig)
	assert.False(t, ok)
}

func TestRender(t *testing.T) {
	prev := "leads"
	out := Build(schema.StepDefinition{ID: "s", Role: "writer"}, "mission text", nil, &prev).Render()
	assert.Equal(t, "## mission\nmission text\n\n## role\nwriter\n\n## previous_output\nleads", out)
}
