// Package pipeline loads and validates the step catalog runs are built from.
package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/pkg/schema"
)

// Built-in step ids.
const (
	StepResearch     = "research"
	StepQualify      = "qualify"
	StepDraftMessage = "draftMessage"
	StepSend         = "send"
)

// DefaultStepIDs is the full built-in pipeline in execution order.
var DefaultStepIDs = []string{StepResearch, StepQualify, StepDraftMessage, StepSend}

// Default returns the built-in catalog.
func Default() schema.Catalog {
	return schema.Catalog{
		StepResearch: {
			ID:              StepResearch,
			Role:            "researcher",
			Instructions:    "Research the mission target and list candidate leads, one per line, each with one line of evidence.",
			MinOutputLength: 20,
		},
		StepQualify: {
			ID:              StepQualify,
			Role:            "qualifier",
			Instructions:    "Score each candidate lead against the mission and keep only the ones worth contacting.",
			MinOutputLength: 20,
			Checkpoint:      schema.CheckpointArtifact,
		},
		StepDraftMessage: {
			ID:              StepDraftMessage,
			Role:            "copywriter",
			Instructions:    "Draft one short outbound message for the approved leads. Plain text, no placeholders.",
			MinOutputLength: 40,
			Checkpoint:      schema.CheckpointMessage,
			Dispatch:        true,
		},
		StepSend: {
			ID:           StepSend,
			Role:         "coordinator",
			Instructions: "Summarize what was sent and what should be followed up.",
		},
	}
}

// File is the on-disk catalog document.
type File struct {
	Steps []schema.StepDefinition `yaml:"steps" json:"steps"`
}

// Load reads a YAML catalog file. Steps it defines replace built-in steps with the
// same id; the other built-in steps stay available.
func Load(path string) (schema.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfiguration, "read pipeline file %s", path).WithCause(err)
	}
	return Parse(data)
}

// Parse validates a YAML catalog document and merges it over the built-in catalog.
func Parse(data []byte) (schema.Catalog, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "pipeline file is not valid YAML").WithCause(err)
	}
	if err := validateDocument(raw); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "decode pipeline file").WithCause(err)
	}

	ev, err := expressions.NewEvaluators()
	if err != nil {
		return nil, err
	}

	catalog := Default()
	seen := make(map[string]struct{}, len(f.Steps))
	for _, step := range f.Steps {
		if _, dup := seen[step.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidConfiguration, "duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}

		if step.ArtifactQuery != "" && step.Checkpoint == schema.CheckpointNone {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidConfiguration,
				"step %q: artifact_query requires a checkpoint", step.ID)
		}
		if step.DispatchWhen != "" && !step.Dispatch {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidConfiguration,
				"step %q: dispatch_when requires dispatch", step.ID)
		}
		if err := ev.CheckStep(step); err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, err.Error()).WithCause(err)
		}
		catalog[step.ID] = step
	}
	return catalog, nil
}

// Describe renders a one-line summary of a step for listings.
func Describe(def schema.StepDefinition) string {
	s := def.ID + " (" + def.Role + ")"
	if def.Checkpoint != schema.CheckpointNone {
		s += fmt.Sprintf(" checkpoint=%s", def.Checkpoint)
	}
	if def.Dispatch {
		s += " dispatch"
	}
	return s
}
