package wizard

import "fmt"

// Step is one page of the creation flow.
type Step int

const (
	StepStart Step = iota
	StepOperatingSystem
	StepMacBoot
	StepLinuxBoot
	StepWindowsBoot
	StepOtherBoot
	StepHardware
	StepDrives
	StepSharing
	StepSummary
)

var stepNames = [...]string{
	StepStart:           "start",
	StepOperatingSystem: "operating-system",
	StepMacBoot:         "macos-boot",
	StepLinuxBoot:       "linux-boot",
	StepWindowsBoot:     "windows-boot",
	StepOtherBoot:       "other-boot",
	StepHardware:        "hardware",
	StepDrives:          "drives",
	StepSharing:         "sharing",
	StepSummary:         "summary",
}

// Steps lists every step in declaration order.
var Steps = []Step{
	StepStart, StepOperatingSystem,
	StepMacBoot, StepLinuxBoot, StepWindowsBoot, StepOtherBoot,
	StepHardware, StepDrives, StepSharing, StepSummary,
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// Title is the heading shown for the step.
func (s Step) Title() string {
	switch s {
	case StepStart:
		return "Virtualization Engine"
	case StepOperatingSystem:
		return "Operating System"
	case StepMacBoot:
		return "macOS"
	case StepLinuxBoot:
		return "Linux"
	case StepWindowsBoot:
		return "Windows"
	case StepOtherBoot:
		return "Other"
	case StepHardware:
		return "Hardware"
	case StepDrives:
		return "Storage"
	case StepSharing:
		return "Shared Directory"
	case StepSummary:
		return "Summary"
	}
	return s.String()
}

// IsBoot reports whether s is one of the OS-specific boot steps.
func (s Step) IsBoot() bool {
	switch s {
	case StepMacBoot, StepLinuxBoot, StepWindowsBoot, StepOtherBoot:
		return true
	}
	return false
}
