package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// StreamEvent is the live copy of a recorded activity event.
type StreamEvent struct {
	RunID     string              `json:"run_id"`
	OwnerID   string              `json:"owner_id,omitempty"`
	StepID    string              `json:"step_id,omitempty"`
	Kind      schema.ActivityKind `json:"kind"`
	Sequence  int64               `json:"sequence"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	RunID   string                `json:"run_id,omitempty"`
	OwnerID string                `json:"owner_id,omitempty"`
	Kinds   []schema.ActivityKind `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for live run progress.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
