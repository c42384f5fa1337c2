package activity

import (
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// Payload shapes recorded by the engine. Replay depends on them, so every field the
// engine exposes on a run snapshot is carried by one of these.

type StartedPayload struct {
	OwnerID string         `json:"owner_id"`
	Mission string         `json:"mission"`
	StepIDs []string       `json:"step_ids"`
	Config  map[string]any `json:"config,omitempty"`
}

type StepSucceededPayload struct {
	Attempt   int     `json:"attempt"`
	Output    string  `json:"output"`
	Tokens    int64   `json:"tokens"`
	CostUnits float64 `json:"cost_units"`
	// NextIndex is the run's step index after this event.
	NextIndex int `json:"next_index"`
	// SideEffect is set for dispatching steps without a checkpoint.
	SideEffect string `json:"side_effect,omitempty"`
}

type StepFailedPayload struct {
	Attempt int              `json:"attempt"`
	Kind    schema.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

type RetryScheduledPayload struct {
	Attempt       int       `json:"attempt"`
	NextAttempt   int       `json:"next_attempt"`
	DelayMs       int64     `json:"delay_ms"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

type ApprovalRequestedPayload struct {
	ApprovalID     string                `json:"approval_id"`
	CheckpointKind schema.CheckpointKind `json:"checkpoint_kind"`
	SideEffect     bool                  `json:"side_effect"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
}

type ApprovalResolvedPayload struct {
	ApprovalID string          `json:"approval_id"`
	Decision   schema.Decision `json:"decision"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	// SideEffect describes what happened to the dependent dispatch:
	// "none", "dispatch", "skipped_rejected" or "skipped_condition".
	SideEffect string `json:"side_effect"`
	NextIndex  int    `json:"next_index"`
}

type SideEffectPayload struct {
	TicketID    string                `json:"ticket_id,omitempty"`
	ActorID     string                `json:"actor_id"`
	Attempt     int                   `json:"attempt,omitempty"`
	Result      schema.DispatchResult `json:"result,omitempty"`
	ExternalRef string                `json:"external_ref,omitempty"`
	Code        string                `json:"code,omitempty"`
	Message     string                `json:"message,omitempty"`
}

type TerminalPayload struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Side-effect outcomes carried by ApprovalResolvedPayload.
const (
	SideEffectNone             = "none"
	SideEffectDispatch         = "dispatch"
	SideEffectSkippedRejected  = "skipped_rejected"
	SideEffectSkippedCondition = "skipped_condition"
)
