package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// StepOutput is one recorded step result. A run keeps them in execution order.
type StepOutput struct {
	StepID     string    `json:"step_id"`
	Output     string    `json:"output"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CostAccounting accumulates agent usage for a run.
type CostAccounting struct {
	TotalTokens    int64   `json:"total_tokens"`
	TotalCostUnits float64 `json:"total_cost_units"`
}

// Run is the persisted representation of one workflow run.
type Run struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"owner_id"`
	Mission          string           `json:"mission"`
	StepIDs          []string         `json:"step_ids"`
	CurrentStepIndex int              `json:"current_step_index"`
	Status           schema.RunStatus `json:"status"`
	Outputs          []StepOutput     `json:"outputs"`
	Attempts         map[string]int   `json:"attempts"`
	Cost             CostAccounting   `json:"cost_accounting"`
	// Config is the static business configuration supplied at start.
	Config map[string]any `json:"config,omitempty"`

	PendingApprovalID string     `json:"pending_approval_id,omitempty"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Output returns the recorded output for stepID.
func (r *Run) Output(stepID string) (string, bool) {
	for _, o := range r.Outputs {
		if o.StepID == stepID {
			return o.Output, true
		}
	}
	return "", false
}

// CurrentStepID returns the step at CurrentStepIndex, or "" once the list is exhausted.
func (r *Run) CurrentStepID() string {
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.StepIDs) {
		return ""
	}
	return r.StepIDs[r.CurrentStepIndex]
}

// PreviousOutput returns the output of the step immediately before the current one.
// Every executed index records exactly one output, so outputs line up with indexes.
func (r *Run) PreviousOutput() (string, bool) {
	i := r.CurrentStepIndex - 1
	if i < 0 || i >= len(r.Outputs) {
		return "", false
	}
	return r.Outputs[i].Output, true
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.StepIDs = append([]string(nil), r.StepIDs...)
	cp.Outputs = append([]StepOutput(nil), r.Outputs...)
	cp.Attempts = make(map[string]int, len(r.Attempts))
	for k, v := range r.Attempts {
		cp.Attempts[k] = v
	}
	if r.Config != nil {
		cp.Config = cloneMap(r.Config)
	}
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	OwnerID  string
	Statuses []schema.RunStatus
	Limit    int
}

// ApprovalRequest is a suspension checkpoint tied to a run and a produced artifact.
type ApprovalRequest struct {
	ID             string                `json:"id"`
	RunID          string                `json:"run_id"`
	OwnerID        string                `json:"owner_id"`
	StepID         string                `json:"step_id"`
	CheckpointKind schema.CheckpointKind `json:"checkpoint_kind"`
	Artifact       json.RawMessage       `json:"artifact"`
	// SideEffect marks approvals whose approval triggers a dispatch.
	SideEffect bool            `json:"side_effect"`
	Decision   schema.Decision `json:"decision"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	OwnerID  string
	RunID    string
	Decision schema.Decision
	// ExpiredBy selects approvals whose ExpiresAt is at or before the given time.
	ExpiredBy *time.Time
	// ActiveRunsOnly hides approvals whose run is terminal.
	ActiveRunsOnly bool
}

// ActivityEvent is an immutable entry in a run's audit trail.
type ActivityEvent struct {
	ID        string              `json:"id"`
	RunID     string              `json:"run_id"`
	StepID    string              `json:"step_id,omitempty"`
	Kind      schema.ActivityKind `json:"kind"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Sequence  int64               `json:"sequence"`
}

// DispatchTicket is one side-effecting publish attempt.
type DispatchTicket struct {
	ID                 string                `json:"id"`
	ActorID            string                `json:"actor_id"`
	RunID              string                `json:"run_id,omitempty"`
	StepID             string                `json:"step_id,omitempty"`
	Payload            json.RawMessage       `json:"payload"`
	Attempt            int                   `json:"attempt"`
	ScheduledNotBefore time.Time             `json:"scheduled_not_before"`
	Result             schema.DispatchResult `json:"result,omitempty"`
	ExternalRef        string                `json:"external_ref,omitempty"`
	Error              string                `json:"error,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	DispatchedAt       *time.Time            `json:"dispatched_at,omitempty"`
}

// TicketFilter specifies criteria for listing dispatch tickets.
type TicketFilter struct {
	ActorID string
	RunID   string
	Limit   int
}

// ActorState is the per-actor dispatch bookkeeping shared by all runs of that actor.
type ActorState struct {
	ActorID       string     `json:"actor_id"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	// Day is the UTC date (YYYY-MM-DD) DayCount refers to.
	Day       string    `json:"day"`
	DayCount  int       `json:"day_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

func cloneMap(m map[string]any) map[string]any {
	b, err := json.Marshal(m)
	if err != nil {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		return cp
	}
	var cp map[string]any
	_ = json.Unmarshal(b, &cp)
	return cp
}
