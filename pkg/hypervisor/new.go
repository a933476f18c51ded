package hypervisor

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// DefaultStopGracePeriod bounds how long a graceful stop waits for the guest.
const DefaultStopGracePeriod = 30 * time.Second

// Options configure driver construction.
type Options struct {
	// LibvirtSocket selects the libvirt QEMU driver when set. Otherwise QEMU
	// configurations run on the in-process KVM driver (Linux only).
	LibvirtSocket string

	// StopGracePeriod bounds non-forced stops. Zero means DefaultStopGracePeriod.
	StopGracePeriod time.Duration

	// StateDir holds per-machine engine state such as EFI variable stores.
	StateDir string

	Logger *logrus.Entry
}

func (o Options) grace() time.Duration {
	if o.StopGracePeriod <= 0 {
		return DefaultStopGracePeriod
	}
	return o.StopGracePeriod
}

func (o Options) logger() *logrus.Entry {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// SupportedPlatform returns true if the current platform has a hypervisor driver.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// AppleVirtualizationSupported reports whether the Apple engine can run here.
func AppleVirtualizationSupported() bool {
	return runtime.GOOS == "darwin"
}

// MacGuestsSupported reports whether macOS guests can be virtualized here.
func MacGuestsSupported() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

// NewDriver creates the driver for an engine kind on the current platform.
func NewDriver(kind vmconfig.EngineKind, opts Options) (Driver, error) {
	switch kind {
	case vmconfig.EngineApple:
		return newAppleDriver(opts)
	case vmconfig.EngineQEMU:
		if opts.LibvirtSocket != "" {
			d, err := NewLibvirtDriver(opts)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
		return newKVMDriver(opts)
	default:
		return nil, fmt.Errorf("%w: %s", vmconfig.ErrUnknownEngine, kind)
	}
}

// checkKind rejects configurations meant for another engine.
func checkKind(cfg *vmconfig.Configuration, want vmconfig.EngineKind) error {
	if cfg.Kind != want {
		return fmt.Errorf("%w: %s driver given %s configuration", ErrEngineMismatch, want, cfg.Kind)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return nil
}
