package orchestrator

import "fmt"

// Stage is a state of the orchestration state machine.
type Stage string

// Stages in the order a run moves through them. A run never moves back to
// an earlier stage.
const (
	StageInit              Stage = "INIT"
	StageContainerStarting Stage = "CONTAINER_STARTING"
	StageReadyWait         Stage = "READY_WAIT"
	StageSessionCreating   Stage = "SESSION_CREATING"
	StageJobEnqueuing      Stage = "JOB_ENQUEUING"
	StageInputUploading    Stage = "INPUT_UPLOADING"
	StageJobStarting       Stage = "JOB_STARTING"
	StagePolling           Stage = "POLLING"
	StageJobCompleted      Stage = "JOB_COMPLETED"
	StageJobFailed         Stage = "JOB_FAILED"
	StageCleanup           Stage = "CLEANUP"
	StageSuccess           Stage = "SUCCESS"
	StageFailure           Stage = "FAILURE"
)

// rank orders stages; alternatives share a rank.
var rank = map[Stage]int{
	StageInit:              0,
	StageContainerStarting: 1,
	StageReadyWait:         2,
	StageSessionCreating:   3,
	StageJobEnqueuing:      4,
	StageInputUploading:    5,
	StageJobStarting:       6,
	StagePolling:           7,
	StageJobCompleted:      8,
	StageJobFailed:         8,
	StageCleanup:           9,
	StageSuccess:           10,
	StageFailure:           10,
}

// Before reports whether s comes strictly before other.
func (s Stage) Before(other Stage) bool {
	return rank[s] < rank[other]
}

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// StageError attaches the stage a run failed in to the underlying error.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
