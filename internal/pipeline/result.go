package pipeline

import (
	"time"

	"github.com/garimpo-io/garimpo/pkg/artifact"
)

// State names one phase of a job run's lifecycle.
type State string

const (
	StateDiscovering  State = "discovering"
	StateFetching     State = "fetching"
	StateParsing      State = "parsing"
	StateTransforming State = "transforming"
	StateWriting      State = "writing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// StageTimeout marks a run killed by its wall-clock budget rather than by a
// stage-level error.
const StageTimeout = "timeout"

// DocumentFailure records one document that failed without aborting its run.
type DocumentFailure struct {
	DocumentID string
	Stage      State
	Err        error
}

// Result reports one finished job run.
type Result struct {
	Source  string
	TraceID string
	State   State

	// FailedStage and Err describe the terminal failure when State is
	// StateFailed.
	FailedStage string
	Err         error

	StartedAt time.Time
	Duration  time.Duration

	// Succeeded documents were fetched, parsed and committed; Skipped were
	// unchanged since their last commit; Failed are listed in Failures.
	Succeeded int
	Skipped   int
	Failed    int

	Artifacts []*artifact.Location
	Failures  []DocumentFailure
}

// Completed reports whether the run reached its terminal success state.
func (r *Result) Completed() bool {
	return r.State == StateCompleted
}
