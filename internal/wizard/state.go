package wizard

import (
	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// Defaults applied to a fresh State.
const (
	DefaultCPUCount   = 2
	DefaultMemoryMB   = 4096
	DefaultStorageGiB = 64
)

// State collects the choices made across all steps.
type State struct {
	// Start
	Engine            vmconfig.EngineKind
	UseVirtualization bool

	// OperatingSystem
	OperatingSystem vmconfig.OperatingSystem

	// MacBoot
	IPSW string

	// LinuxBoot
	LinuxKernel        string
	LinuxInitrd        string
	LinuxRootImage     string
	LinuxBootArguments string

	// LinuxBoot, WindowsBoot and OtherBoot
	BootImage     string
	SkipBootImage bool

	// Hardware
	Architecture string
	Target       string
	CPUCount     int
	MemoryMB     int
	GLEnabled    bool

	// Drives
	StorageGiB int

	// Sharing
	SharedDirectory string
	SharingReadOnly bool

	// Summary
	Name                      string
	OpenSettingsAfterCreation bool
}

// NewState returns a State with the default hardware and the QEMU engine.
func NewState() *State {
	return &State{
		Engine:            vmconfig.EngineQEMU,
		UseVirtualization: true,
		CPUCount:          DefaultCPUCount,
		MemoryMB:          DefaultMemoryMB,
		StorageGiB:        DefaultStorageGiB,
	}
}

// Host describes what the machine running the wizard can virtualize.
type Host struct {
	// AppleVirtualization is true when the Apple engine is available.
	AppleVirtualization bool
	// MacGuests is true when macOS guests can be installed.
	MacGuests bool
	// Architecture is the host CPU in QEMU naming.
	Architecture string
}

// CurrentHost describes the running platform.
func CurrentHost() Host {
	return Host{
		AppleVirtualization: hypervisor.AppleVirtualizationSupported(),
		MacGuests:           hypervisor.MacGuestsSupported(),
		Architecture:        vmconfig.HostArchitecture(),
	}
}

