package engine

import (
	"errors"
	"fmt"

	"tangled.org/loom/models"
)

var (
	// ErrLaunchFailed means the command could not be started at all:
	// missing binary, permission denied, workspace gone.
	ErrLaunchFailed = errors.New("launch failed")

	// ErrTimedOut means the command outlived its ceiling and was killed.
	ErrTimedOut = errors.New("timed out")

	// ErrCancelled means the job was cancelled while the step ran.
	ErrCancelled = errors.New("cancelled")

	ErrOOMKilled = errors.New("oom killed")
)

// ExitError reports a step whose command ran and exited non-zero.
// This is a normal outcome, not an engine fault; the sequencer
// interprets it.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Detail maps a step error onto the report taxonomy: how the step
// failed and, for commands that ran, the exit code. Cancellation is
// not a failure detail and must be handled before calling this.
func Detail(err error) (models.DetailKind, int) {
	var exit *ExitError
	switch {
	case errors.As(err, &exit):
		return models.DetailExit, exit.Code
	case errors.Is(err, ErrOOMKilled):
		// the kernel's OOM kill surfaces as SIGKILL
		return models.DetailExit, 137
	case errors.Is(err, ErrTimedOut):
		return models.DetailTimeout, 0
	default:
		return models.DetailLaunch, 0
	}
}
