package schema

// ActivityKind enumerates the audit events a run can emit.
type ActivityKind string

const (
	ActivityStarted              ActivityKind = "started"
	ActivityStepSucceeded        ActivityKind = "stepSucceeded"
	ActivityStepFailed           ActivityKind = "stepFailed"
	ActivityRetryScheduled       ActivityKind = "retryScheduled"
	ActivityApprovalRequested    ActivityKind = "approvalRequested"
	ActivityApprovalResolved     ActivityKind = "approvalResolved"
	ActivitySideEffectDispatched ActivityKind = "sideEffectDispatched"
	ActivitySideEffectFailed     ActivityKind = "sideEffectFailed"
	ActivityCompleted            ActivityKind = "completed"
	ActivityFailed               ActivityKind = "failed"
)

// ActivityKinds lists every activity kind in declaration order.
var ActivityKinds = []ActivityKind{
	ActivityStarted,
	ActivityStepSucceeded,
	ActivityStepFailed,
	ActivityRetryScheduled,
	ActivityApprovalRequested,
	ActivityApprovalResolved,
	ActivitySideEffectDispatched,
	ActivitySideEffectFailed,
	ActivityCompleted,
	ActivityFailed,
}

// Valid reports whether k is one of the known activity kinds.
func (k ActivityKind) Valid() bool {
	for _, known := range ActivityKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Terminal reports whether k ends a run's activity.
func (k ActivityKind) Terminal() bool {
	return k == ActivityCompleted || k == ActivityFailed
}

// Failure reasons recorded on terminal runs.
const (
	ReasonCancelled      = "cancelled"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonNonRetryable   = "non_retryable"
)
