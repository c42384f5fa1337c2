package schema

import "sort"

// StepDefinition describes one agent step that may appear in a run's step list.
type StepDefinition struct {
	ID           string `json:"id" yaml:"id"`
	Role         string `json:"role" yaml:"role"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	// Tool is the MCP tool name used by the MCP invoker; empty means the invoker default.
	Tool string `json:"tool,omitempty" yaml:"tool,omitempty"`

	// MinOutputLength is the quality floor in runes of trimmed output.
	MinOutputLength int `json:"min_output_length,omitempty" yaml:"min_output_length,omitempty"`
	// QualityRule is a CEL expression over output, step and attempt that must evaluate to true.
	QualityRule string `json:"quality_rule,omitempty" yaml:"quality_rule,omitempty"`

	Checkpoint CheckpointKind `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	// ArtifactQuery is a jq query applied to JSON output to pick the artifact put up for approval.
	ArtifactQuery string `json:"artifact_query,omitempty" yaml:"artifact_query,omitempty"`

	Dispatch bool `json:"dispatch,omitempty" yaml:"dispatch,omitempty"`
	// DispatchWhen is an expr guard over artifact, output and run; false skips the side effect.
	DispatchWhen string `json:"dispatch_when,omitempty" yaml:"dispatch_when,omitempty"`
}

// Catalog maps step ids to their definitions.
type Catalog map[string]StepDefinition

// Lookup returns the definition for id.
func (c Catalog) Lookup(id string) (StepDefinition, bool) {
	def, ok := c[id]
	return def, ok
}

// IDs returns the catalog's step ids in sorted order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unknown returns the ids in stepIDs that the catalog does not define, in input order.
func (c Catalog) Unknown(stepIDs []string) []string {
	var unknown []string
	for _, id := range stepIDs {
		if _, ok := c[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown
}
