package contract

import "fmt"

// InputStatus is the Input lifecycle. RECEIVED transitions to RESOLVED
// exactly once and never back.
type InputStatus string

const (
	InputReceived InputStatus = "RECEIVED"
	InputResolved InputStatus = "RESOLVED"
)

// PredictionStatus is the Prediction lifecycle. PENDING is the only
// non-terminal state.
type PredictionStatus string

const (
	PredictionPending PredictionStatus = "PENDING"
	PredictionScored  PredictionStatus = "SCORED"
	PredictionFailed  PredictionStatus = "FAILED"
	PredictionAbsent  PredictionStatus = "ABSENT"
)

// Terminal reports whether the status admits no further transition.
func (s PredictionStatus) Terminal() bool { return s != PredictionPending }

// ParsePredictionStatus validates an externally supplied status value.
func ParsePredictionStatus(raw string) (PredictionStatus, error) {
	switch s := PredictionStatus(raw); s {
	case PredictionPending, PredictionScored, PredictionFailed, PredictionAbsent:
		return s, nil
	default:
		return "", fmt.Errorf("unknown prediction status %q", raw)
	}
}

// Failure reasons recorded on FAILED predictions.
const (
	ReasonTimeout       = "timeout"
	ReasonNoGroundTruth = "no ground truth"
)

// JobStatus is the BackfillJob lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// CheckpointStatus is the settlement lifecycle of a Checkpoint. All
// transitions are one-way; there are no rewinds.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "PENDING"
	CheckpointSubmitted CheckpointStatus = "SUBMITTED"
	CheckpointClaimable CheckpointStatus = "CLAIMABLE"
	CheckpointPaid      CheckpointStatus = "PAID"
)

var checkpointTransitions = map[CheckpointStatus]CheckpointStatus{
	CheckpointPending:   CheckpointSubmitted,
	CheckpointSubmitted: CheckpointClaimable,
	CheckpointClaimable: CheckpointPaid,
}

// CanAdvanceTo reports whether next is the single legal successor of s.
func (s CheckpointStatus) CanAdvanceTo(next CheckpointStatus) bool {
	return checkpointTransitions[s] == next
}

// ParseCheckpointStatus validates an externally supplied status value.
func ParseCheckpointStatus(raw string) (CheckpointStatus, error) {
	switch s := CheckpointStatus(raw); s {
	case CheckpointPending, CheckpointSubmitted, CheckpointClaimable, CheckpointPaid:
		return s, nil
	default:
		return "", fmt.Errorf("unknown checkpoint status %q", raw)
	}
}
