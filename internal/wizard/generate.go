package wizard

import (
	"fmt"
	"strings"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// fallbackName is used when no NameSuggester is given and the OS has no
// name of its own.
const fallbackName = "Virtual Machine"

// NameSuggester returns a machine name derived from base that is not in
// use. An empty base asks for a generic name.
type NameSuggester func(base string) string

// GenerateConfig turns st into a validated configuration. It fails with
// ErrIncompleteWizardState when a choice required for the OS and engine is
// missing, and with ErrInvalidStepInput when a step's input is not
// acceptable. st is not modified.
func GenerateConfig(st *State, host Host, suggest NameSuggester) (*vmconfig.Configuration, error) {
	if err := complete(st); err != nil {
		return nil, err
	}
	for _, step := range Reachable(st, host) {
		if err := Validate(step, st, host); err != nil {
			return nil, err
		}
	}

	cfg := vmconfig.New(machineName(st, suggest), st.Engine)
	cfg.CPUCount = st.CPUCount
	cfg.MemoryMB = st.MemoryMB
	cfg.Boot = vmconfig.BootConfig{
		OperatingSystem: st.OperatingSystem,
		SkipImage:       st.SkipBootImage,
	}

	switch st.OperatingSystem {
	case vmconfig.OSMacOS:
		if !st.SkipBootImage {
			cfg.Boot.IPSW = st.IPSW
		}
	case vmconfig.OSLinux:
		cfg.Boot.Kernel = st.LinuxKernel
		cfg.Boot.Initrd = st.LinuxInitrd
		cfg.Boot.Cmdline = st.LinuxBootArguments
		cfg.Boot.RootImage = st.LinuxRootImage
	}
	if !st.SkipBootImage {
		cfg.Boot.Image = st.BootImage
	}

	if err := applyEngine(cfg, st, host); err != nil {
		return nil, err
	}
	addDrives(cfg, st)

	if st.SharedDirectory != "" && sharingAvailable(st) {
		if err := cfg.AddSharedDirectory(vmconfig.SharedDirectory{
			Path:     st.SharedDirectory,
			ReadOnly: st.SharingReadOnly,
		}); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// complete reports the first required choice that is missing.
func complete(st *State) error {
	missing := func(what string) error {
		return fmt.Errorf("%w: %s", ErrIncompleteWizardState, what)
	}
	switch st.OperatingSystem {
	case vmconfig.OSUnknown:
		return missing("operating system")
	case vmconfig.OSMacOS:
		if st.IPSW == "" && !st.SkipBootImage {
			return missing("macOS restore image")
		}
	case vmconfig.OSLinux:
		if st.LinuxKernel == "" {
			return missing("Linux kernel")
		}
	case vmconfig.OSWindows, vmconfig.OSOther:
		if st.BootImage == "" && !st.SkipBootImage {
			return missing("boot image")
		}
	}
	if st.StorageGiB < 1 {
		return missing("storage size")
	}
	return nil
}

func applyEngine(cfg *vmconfig.Configuration, st *State, host Host) error {
	var flags map[vmconfig.Flag]bool
	switch st.Engine {
	case vmconfig.EngineApple:
		flags = map[vmconfig.Flag]bool{
			vmconfig.FlagAudio:    true,
			vmconfig.FlagBalloon:  true,
			vmconfig.FlagEntropy:  true,
			vmconfig.FlagKeyboard: true,
			vmconfig.FlagPointing: true,
			vmconfig.FlagSerial:   st.OperatingSystem == vmconfig.OSLinux,
		}
	case vmconfig.EngineQEMU:
		arch := st.Architecture
		if arch == "" {
			arch = host.Architecture
		}
		if arch != "" {
			cfg.QEMU.Architecture = arch
			cfg.QEMU.Target = vmconfig.DefaultTarget(arch)
		}
		if st.Target != "" {
			cfg.QEMU.Target = st.Target
		}
		flags = map[vmconfig.Flag]bool{
			vmconfig.FlagHypervisor:     st.UseVirtualization,
			vmconfig.FlagGLAcceleration: st.GLEnabled && st.OperatingSystem == vmconfig.OSLinux,
			vmconfig.FlagUEFIBoot:       st.OperatingSystem == vmconfig.OSWindows,
			vmconfig.FlagRTCLocalTime:   st.OperatingSystem == vmconfig.OSWindows,
		}
	}
	for f, v := range flags {
		if err := cfg.SetFlag(f, v); err != nil {
			return err
		}
	}
	return nil
}

// addDrives lays out the drive list: the Linux root image if any, a new
// disk of the chosen size, then the installer as removable media.
func addDrives(cfg *vmconfig.Configuration, st *State) {
	iface := vmconfig.InterfaceVirtIO
	if st.Engine == vmconfig.EngineQEMU && st.OperatingSystem == vmconfig.OSWindows {
		iface = vmconfig.InterfaceNVMe
	}

	if st.OperatingSystem == vmconfig.OSLinux && st.LinuxRootImage != "" {
		cfg.AddDrive(vmconfig.NewFixedDrive(st.LinuxRootImage, vmconfig.InterfaceVirtIO))
	}

	disk := vmconfig.NewFixedDrive("", iface)
	disk.SizeMB = int64(st.StorageGiB) * 1024
	cfg.AddDrive(disk)

	if cfg.Boot.Image != "" {
		bus := vmconfig.InterfaceUSB
		if st.Engine == vmconfig.EngineApple {
			bus = vmconfig.InterfaceVirtIO
		}
		cfg.AddDrive(vmconfig.NewRemovableDrive(cfg.Boot.Image, bus))
	}
}

func machineName(st *State, suggest NameSuggester) string {
	if name := strings.TrimSpace(st.Name); name != "" {
		return name
	}
	base := ""
	if st.OperatingSystem != vmconfig.OSOther {
		base = string(st.OperatingSystem)
	}
	if suggest != nil {
		return suggest(base)
	}
	if base == "" {
		return fallbackName
	}
	return base
}
