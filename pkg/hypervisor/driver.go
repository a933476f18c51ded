// Package hypervisor provides a unified interface over the execution engines
// that run virtual machines: Apple Virtualization.framework (vz), QEMU through
// libvirt, and in-process Linux KVM.
//
// Engine state for a running guest lives in the Handle returned by Launch, so a
// single Driver may serve many machines.
package hypervisor

import (
	"context"
	"io"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// Driver is the engine collaborator consumed by the lifecycle state machine.
// Every method that changes guest state returns only after the engine has
// acknowledged the change or failed.
type Driver interface {
	Info() Info
	Capabilities() Capabilities

	// Validate checks that cfg can be launched by this driver.
	Validate(cfg *vmconfig.Configuration) error

	// Launch boots a guest for cfg. The returned Handle's Done channel
	// receives the exit result when the guest stops for any reason.
	Launch(ctx context.Context, cfg *vmconfig.Configuration) (Handle, error)

	// Terminate stops the guest. With force unset the guest may decline;
	// the bool reports whether the guest actually stopped.
	Terminate(ctx context.Context, h Handle, force bool) (bool, error)

	Pause(ctx context.Context, h Handle) error
	Resume(ctx context.Context, h Handle) error

	// Reset restarts the guest without tearing down the handle.
	Reset(ctx context.Context, h Handle) error

	AttachDrive(ctx context.Context, h Handle, d vmconfig.Drive) error
	DetachDrive(ctx context.Context, h Handle, d vmconfig.Drive) error

	// MediumInUse reports whether the guest still holds the drive's medium.
	MediumInUse(ctx context.Context, h Handle, d vmconfig.Drive) (bool, error)

	// Console returns the guest serial console streams.
	Console(h Handle) (in io.Writer, out io.Reader, err error)

	// Close releases driver-wide resources such as daemon connections.
	Close() error
}

// Handle identifies one running guest.
type Handle interface {
	ID() string
	// Done receives the guest exit result once, then is closed.
	Done() <-chan error
}

// TextSender is implemented by drivers that can type text into the guest.
type TextSender interface {
	SendText(ctx context.Context, h Handle, text string) error
}

// PointerInput is implemented by drivers that can inject pointer clicks.
type PointerInput interface {
	Click(ctx context.Context, h Handle, x, y int, button MouseButton) error
}

// DirectorySharer is implemented by drivers that can change shared
// directories while the guest runs.
type DirectorySharer interface {
	ShareDirectory(ctx context.Context, h Handle, dir vmconfig.SharedDirectory) error
	UnshareDirectory(ctx context.Context, h Handle, dir vmconfig.SharedDirectory) error
}

// MouseButton selects the button for PointerInput.Click.
type MouseButton int

const (
	MouseLeft MouseButton = iota
	MouseRight
	MouseMiddle
)

// Capabilities describes driver feature support.
// Used for early validation before issuing engine calls.
type Capabilities struct {
	Pause         bool // suspend and resume a running guest
	Reset         bool // hard reset without losing the handle
	GracefulStop  bool // guest may be asked to shut down
	HotPlugDrives bool // attach and detach drives while running
	SharedDirs    bool // virtio-fs or similar
	Console       bool // serial console streams
	Graphics      bool // virtual displays
}

// Info contains driver metadata.
type Info struct {
	Name    string // "vz", "libvirt" or "kvm"
	Engine  vmconfig.EngineKind
	Version string
	Arch    string
}
