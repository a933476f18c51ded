package wizard

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// Next returns the step that follows step for the choices in st. It checks
// step's predicate first and fails with ErrInvalidStepInput when the input
// on step is not acceptable. Next does not modify st.
func Next(step Step, st *State, host Host) (Step, error) {
	if err := Validate(step, st, host); err != nil {
		return step, err
	}
	return edge(step, st, host)
}

// edge is the transition function of the graph without the step
// predicates.
func edge(step Step, st *State, host Host) (Step, error) {
	switch step {
	case StepStart:
		return StepOperatingSystem, nil
	case StepOperatingSystem:
		return bootStep(st, host)
	case StepMacBoot, StepLinuxBoot, StepWindowsBoot, StepOtherBoot:
		return StepHardware, nil
	case StepHardware:
		return StepDrives, nil
	case StepDrives:
		if !sharingAvailable(st) {
			return StepSummary, nil
		}
		return StepSharing, nil
	case StepSharing:
		return StepSummary, nil
	case StepSummary:
		return step, ErrNoNextStep
	}
	return step, fmt.Errorf("%w: unknown step %d", ErrInvalidStepInput, int(step))
}

func bootStep(st *State, host Host) (Step, error) {
	switch st.OperatingSystem {
	case vmconfig.OSMacOS:
		if !host.MacGuests {
			return StepHardware, nil
		}
		return StepMacBoot, nil
	case vmconfig.OSLinux:
		return StepLinuxBoot, nil
	case vmconfig.OSWindows:
		return StepWindowsBoot, nil
	case vmconfig.OSOther:
		return StepOtherBoot, nil
	}
	return StepOperatingSystem, fmt.Errorf("%w: operating system not selected", ErrInvalidStepInput)
}

// sharingAvailable reports whether the Sharing step applies. macOS guests
// never get it; Apple Virtualization only shares with Linux.
func sharingAvailable(st *State) bool {
	if st.OperatingSystem == vmconfig.OSMacOS {
		return false
	}
	if st.Engine == vmconfig.EngineApple {
		return st.OperatingSystem == vmconfig.OSLinux
	}
	return true
}

// Reachable returns the steps on the path from StepStart to StepSummary
// for the branching choices in st, ignoring step predicates.
func Reachable(st *State, host Host) []Step {
	path := []Step{StepStart}
	for step := StepStart; step != StepSummary; {
		next, err := edge(step, st, host)
		if err != nil {
			break
		}
		path = append(path, next)
		step = next
	}
	return path
}

// Validate checks the input collected on step.
func Validate(step Step, st *State, host Host) error {
	if err := predicate(step, st, host); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidStepInput, step, err)
	}
	return nil
}

func predicate(step Step, st *State, host Host) error {
	switch step {
	case StepStart:
		switch st.Engine {
		case vmconfig.EngineQEMU:
		case vmconfig.EngineApple:
			if !host.AppleVirtualization {
				return errors.New("the Apple Virtualization engine is not available on this host")
			}
		default:
			return fmt.Errorf("unknown engine %d", int(st.Engine))
		}

	case StepOperatingSystem:
		switch st.OperatingSystem {
		case vmconfig.OSUnknown:
			return errors.New("operating system not selected")
		case vmconfig.OSMacOS:
			if st.Engine != vmconfig.EngineApple {
				return errors.New("macOS guests require Apple Virtualization")
			}
		case vmconfig.OSLinux:
		case vmconfig.OSWindows, vmconfig.OSOther:
			if st.Engine == vmconfig.EngineApple {
				return errors.New("only macOS and Linux run on Apple Virtualization")
			}
		default:
			return fmt.Errorf("unknown operating system %q", st.OperatingSystem)
		}

	case StepMacBoot:
		if st.IPSW == "" && !st.SkipBootImage {
			return errors.New("select a restore image")
		}

	case StepLinuxBoot:
		// Both engines boot Linux from a kernel. QEMU guests may carry an
		// installer image next to it.
		if st.LinuxKernel == "" {
			return errors.New("select a kernel")
		}
		if st.Engine == vmconfig.EngineApple && st.BootImage != "" {
			return errors.New("boot images are not used with Apple Virtualization Linux guests")
		}

	case StepWindowsBoot, StepOtherBoot:
		if st.BootImage == "" && !st.SkipBootImage {
			return errors.New("select a boot image")
		}

	case StepHardware:
		if st.CPUCount < 1 {
			return errors.New("at least one CPU is required")
		}
		minMem := vmconfig.MinMemoryMB
		if st.Engine == vmconfig.EngineApple {
			minMem = vmconfig.MinAppleMemoryMB
		}
		if st.MemoryMB < minMem {
			return fmt.Errorf("memory must be at least %d MiB", minMem)
		}

	case StepDrives:
		if st.StorageGiB < 1 {
			return errors.New("storage must be at least 1 GiB")
		}

	case StepSharing:
		if st.SharedDirectory != "" && !filepath.IsAbs(st.SharedDirectory) {
			return errors.New("shared directory must be an absolute path")
		}
	}
	return nil
}
