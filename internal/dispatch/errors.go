package dispatch

import "errors"

var (
	ErrUnknownCommand     = errors.New("dispatch: unknown command")
	ErrPreconditionNotMet = errors.New("dispatch: machine state does not allow command")
	ErrInvalidURL         = errors.New("dispatch: invalid command URL")
	ErrInvalidParameter   = errors.New("dispatch: invalid command parameter")
)
