package vmconfig

import "errors"

// Validation errors
var (
	ErrCapabilityMismatch   = errors.New("vmconfig: flag not supported by engine")
	ErrIndexOutOfRange      = errors.New("vmconfig: index out of range")
	ErrDuplicateResource    = errors.New("vmconfig: resource already present")
	ErrNotFound             = errors.New("vmconfig: resource not found")
	ErrInvalidConfiguration = errors.New("vmconfig: invalid configuration")
)

// Engine errors
var (
	ErrUnknownEngine = errors.New("vmconfig: unknown engine kind")
)
