package store

import (
	"context"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// UpdateRun replaces the mutable fields of a run.
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Activity (append-only). AppendActivity assigns ID, Timestamp and the per-run Sequence.
	AppendActivity(ctx context.Context, event *ActivityEvent) error
	// ListActivity returns up to limit events with sequence > afterSeq, ordered by sequence.
	ListActivity(ctx context.Context, runID string, afterSeq int64, limit int) ([]*ActivityEvent, error)

	// Approvals
	CreateApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	// ResolveApproval sets the decision of a pending approval.
	// Returns NOT_FOUND for unknown ids and ALREADY_RESOLVED when the decision is already set.
	ResolveApproval(ctx context.Context, id string, decision schema.Decision, resolvedBy string, at time.Time) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error)

	// Dispatch
	CreateTicket(ctx context.Context, ticket *DispatchTicket) error
	UpdateTicket(ctx context.Context, ticket *DispatchTicket) error
	ListTickets(ctx context.Context, filter TicketFilter) ([]*DispatchTicket, error)
	// GetActorState returns a zero state (not an error) for actors that never dispatched.
	GetActorState(ctx context.Context, actorID string) (*ActorState, error)
	SaveActorState(ctx context.Context, state *ActorState) error

	// Lifecycle
	Close() error
}
