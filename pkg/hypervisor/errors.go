package hypervisor

import "errors"

// Configuration errors
var (
	ErrEngineMismatch   = errors.New("hypervisor: configuration is for another engine")
	ErrMissingKernel    = errors.New("hypervisor: kernel path is required")
	ErrUnsupportedGuest = errors.New("hypervisor: guest operating system not supported by driver")
)

// Runtime errors
var (
	ErrNotRunning         = errors.New("hypervisor: VM is not running")
	ErrForeignHandle      = errors.New("hypervisor: handle belongs to another driver")
	ErrUnsupported        = errors.New("hypervisor: operation not supported by driver")
	ErrHotPlugUnsupported = errors.New("hypervisor: drive hot-plug not supported by driver")
	ErrGuestCrashed       = errors.New("hypervisor: guest crashed")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)
