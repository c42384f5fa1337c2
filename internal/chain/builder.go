// Package chain assembles the instruction payload handed to each agent step.
package chain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/outreach/pkg/schema"
)

// Section names, in the order they appear in every payload.
const (
	SectionMission  = "mission"
	SectionRole     = "role"
	SectionConfig   = "config"
	SectionPrevious = "previous_output"
)

// Section is one named block of the payload.
type Section struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Payload is the deterministic input for one step invocation.
type Payload struct {
	StepID   string    `json:"step_id"`
	Role     string    `json:"role"`
	Sections []Section `json:"sections"`
}

// Build assembles the payload for step. The order is fixed: mission, step role and
// instructions, static configuration (keys sorted), then the previous step's output
// when there is one. Only the immediately preceding output is included.
// Identical inputs always produce identical payloads.
func Build(step schema.StepDefinition, mission string, static map[string]any, previous *string) Payload {
	p := Payload{StepID: step.ID, Role: step.Role}

	p.Sections = append(p.Sections, Section{Name: SectionMission, Content: strings.TrimSpace(mission)})

	role := step.Role
	if step.Instructions != "" {
		role = role + "\n" + strings.TrimSpace(step.Instructions)
	}
	p.Sections = append(p.Sections, Section{Name: SectionRole, Content: role})

	if len(static) > 0 {
		p.Sections = append(p.Sections, Section{Name: SectionConfig, Content: renderConfig(static)})
	}

	if previous != nil {
		p.Sections = append(p.Sections, Section{Name: SectionPrevious, Content: *previous})
	}
	return p
}

// Section returns the content of the named section.
func (p Payload) Section(name string) (string, bool) {
	for _, s := range p.Sections {
		if s.Name == name {
			return s.Content, true
		}
	}
	return "", false
}

// Render flattens the payload into prompt text.
func (p Payload) Render() string {
	var b strings.Builder
	for i, s := range p.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n%s", s.Name, s.Content)
	}
	return b.String()
}

func renderConfig(static map[string]any) string {
	keys := make([]string, 0, len(static))
	for k := range static {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+renderValue(static[k]))
	}
	return strings.Join(lines, "\n")
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	// encoding/json sorts map keys, which keeps nested values stable.
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
