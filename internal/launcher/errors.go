package launcher

import (
	"errors"
	"fmt"
)

var (
	// ErrGeneration wraps template, proxy and write failures of a cycle.
	ErrGeneration = errors.New("generation failed")

	// ErrSubprocess wraps failures to start the launch or notify command.
	ErrSubprocess = errors.New("subprocess failed")
)

// ExitError carries the exit status of the supervised command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}
