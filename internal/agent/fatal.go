package agent

import (
	"context"
	"errors"

	"github.com/thejerf/suture/v4"

	"github.com/technosupport/ts-protect-backup/internal/config"
)

// ExitStatus is the process exit code the agent should terminate with.
type ExitStatus int

const (
	ExitSuccess ExitStatus = 0
	ExitError   ExitStatus = 1

	// ExitConfig reports problems an operator has to fix in the
	// configuration, like an rclone destination that does not exist.
	ExitConfig = ExitStatus(config.ExitCodeConfig)
)

func (s ExitStatus) AsInt() int {
	return int(s)
}

// FatalErr marks an error as unrecoverable. Returning one from a
// supervised service tears down the whole tree instead of restarting
// the service, and carries the exit status out to main.
type FatalErr struct {
	Err    error
	Status ExitStatus
}

// AsFatalErr wraps err as fatal with the given status. If err already
// carries a FatalErr somewhere in its chain it is returned unchanged.
func AsFatalErr(err error, status ExitStatus) *FatalErr {
	var ferr *FatalErr
	if errors.As(err, &ferr) {
		return ferr
	}
	return &FatalErr{
		Err:    err,
		Status: status,
	}
}

func (e *FatalErr) Error() string {
	return e.Err.Error()
}

func (e *FatalErr) Unwrap() error {
	return e.Err
}

func (e *FatalErr) Is(target error) bool {
	return target == suture.ErrTerminateSupervisorTree
}

// ExitStatusFor maps a supervisor error to the agent's exit code.
// Clean shutdown and plain context cancellation count as success.
func ExitStatusFor(err error) ExitStatus {
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitSuccess
	}
	var ferr *FatalErr
	if errors.As(err, &ferr) {
		return ferr.Status
	}
	return ExitError
}
