package tracer

import (
	"errors"
	"fmt"
)

var (
	ErrResourceExhausted = errors.New("wavefront: insufficient device memory for split kernel execution")
	ErrCancelled         = errors.New("wavefront: render cancelled")
	ErrStagesNotLoaded   = errors.New("wavefront: stages not loaded")
	ErrClosed            = errors.New("wavefront: scheduler closed")
	ErrInvalidTile       = errors.New("wavefront: invalid render tile")
)

// A LaunchError wraps any device-reported failure of a stage launch or a
// memory operation. Launch errors abort the top-level render call.
type LaunchError struct {
	// The failed operation (load, launch, read-back, allocate).
	Op string

	// The stage involved; only meaningful for load and launch operations.
	Stage StageID

	Err error
}

func (e *LaunchError) Error() string {
	switch e.Op {
	case "launch", "load":
		return fmt.Sprintf("wavefront: %s of stage %s failed: %v", e.Op, e.Stage, e.Err)
	}
	return fmt.Sprintf("wavefront: %s failed: %v", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func launchErr(op string, stage StageID, err error) error {
	return &LaunchError{Op: op, Stage: stage, Err: err}
}

func memoryErr(op string, err error) error {
	return &LaunchError{Op: op, Stage: numStages, Err: err}
}
