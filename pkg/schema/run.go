package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingApproval RunStatus = "waitingApproval"
	RunStatusRetrying        RunStatus = "retrying"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCompleted       RunStatus = "completed"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Decision is the human verdict on an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// CheckpointKind names the kind of artifact an approval gate holds.
type CheckpointKind string

const (
	CheckpointNone     CheckpointKind = ""
	CheckpointArtifact CheckpointKind = "artifactApproval"
	CheckpointMessage  CheckpointKind = "messageApproval"
)

// ErrorKind classifies step failures for the retry policy.
type ErrorKind string

const (
	// ErrorKindTransient covers network and provider failures.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindQuality covers outputs below the quality floor.
	ErrorKindQuality ErrorKind = "quality"
	// ErrorKindConfiguration covers unknown steps, models and bad requests. Never retried.
	ErrorKindConfiguration ErrorKind = "configuration"
)

// DispatchResult is the three-way outcome of one publish attempt.
type DispatchResult string

const (
	DispatchPending          DispatchResult = ""
	DispatchSuccess          DispatchResult = "success"
	DispatchRetryableFailure DispatchResult = "retryableFailure"
	DispatchPermanentFailure DispatchResult = "permanentFailure"
)
