package vm

import (
	"errors"
	"fmt"
)

// Lifecycle errors
var (
	ErrInvalidStateTransition = errors.New("vm: invalid state transition")
	ErrOperationInProgress    = errors.New("vm: operation in progress")
	ErrAlreadyBusy            = errors.New("vm: already busy")
	ErrNotBusy                = errors.New("vm: not busy")
	ErrStopRefused            = errors.New("vm: guest declined to stop")
)

// Structural change errors
var (
	ErrStateNotStable    = errors.New("vm: machine state does not permit structural changes")
	ErrDriveNotRemovable = errors.New("vm: drive is not removable")
	ErrDriveInUse        = errors.New("vm: drive medium is in use by the guest")
)

// Library errors
var (
	ErrMachineNotFound = errors.New("vm: machine not found")
	ErrDuplicateName   = errors.New("vm: machine name already in use")
	ErrInvalidBundle   = errors.New("vm: invalid machine bundle")
)

// TransitionError reports an operation attempted from a state that does not
// allow it. It matches ErrInvalidStateTransition.
type TransitionError struct {
	Op    string
	State State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("vm: cannot %s while %s", e.Op, e.State)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}
