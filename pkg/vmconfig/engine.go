package vmconfig

import (
	"fmt"
	"runtime"
	"strings"
)

// EngineKind selects the execution engine backing a machine.
// The two kinds have disjoint capability sets.
type EngineKind int

const (
	EngineQEMU EngineKind = iota
	EngineApple
)

func (k EngineKind) String() string {
	switch k {
	case EngineQEMU:
		return "qemu"
	case EngineApple:
		return "apple"
	default:
		return "unknown"
	}
}

// DisplayName returns the human-facing engine name.
func (k EngineKind) DisplayName() string {
	switch k {
	case EngineQEMU:
		return "QEMU"
	case EngineApple:
		return "Apple Virtualization"
	default:
		return "Unknown"
	}
}

// ParseEngineKind parses "qemu" or "apple" (case-insensitive).
func ParseEngineKind(s string) (EngineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "qemu":
		return EngineQEMU, nil
	case "apple", "vz":
		return EngineApple, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEngine, s)
	}
}

func (k EngineKind) MarshalText() ([]byte, error) {
	if k != EngineQEMU && k != EngineApple {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEngine, int(k))
	}
	return []byte(k.String()), nil
}

func (k *EngineKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEngineKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Flag names an engine-specific boolean toggle.
type Flag string

// Apple Virtualization flags.
const (
	FlagAudio          Flag = "audio"
	FlagBalloon        Flag = "balloon"
	FlagEntropy        Flag = "entropy"
	FlagKeyboard       Flag = "keyboard"
	FlagPointing       Flag = "pointing"
	FlagSerial         Flag = "serial"
	FlagConsoleDisplay Flag = "console-display"
)

// QEMU flags.
const (
	FlagHypervisor     Flag = "hypervisor"
	FlagGLAcceleration Flag = "gl-acceleration"
	FlagRTCLocalTime   Flag = "rtc-local-time"
	FlagDebugLog       Flag = "debug-log"
	FlagUEFIBoot       Flag = "uefi-boot"
	FlagRNG            Flag = "rng"
	FlagQEMUBalloon    Flag = "balloon-qemu"
	FlagSound          Flag = "sound"
)

// EngineSettings is implemented by each engine-specific settings variant.
// A Configuration holds exactly one variant, matching its EngineKind.
type EngineSettings interface {
	Kind() EngineKind
	// Capabilities lists every flag this engine understands.
	Capabilities() []Flag
	Flag(f Flag) (bool, error)
	SetFlag(f Flag, value bool) error
	Validate() error
}

// QEMUSettings holds QEMU-only options.
type QEMUSettings struct {
	Architecture   string `yaml:"architecture"`
	Target         string `yaml:"target,omitempty"`
	UseHypervisor  bool   `yaml:"use_hypervisor"`
	GLAcceleration bool   `yaml:"gl_acceleration"`
	RTCLocalTime   bool   `yaml:"rtc_local_time"`
	DebugLog       bool   `yaml:"debug_log"`
	UEFIBoot       bool   `yaml:"uefi_boot"`
	RNG            bool   `yaml:"rng"`
	Balloon        bool   `yaml:"balloon"`
	Sound          bool   `yaml:"sound"`
}

// DefaultQEMUSettings returns settings for the host architecture.
func DefaultQEMUSettings() *QEMUSettings {
	return &QEMUSettings{
		Architecture:  HostArchitecture(),
		Target:        DefaultTarget(HostArchitecture()),
		UseHypervisor: true,
		RNG:           true,
		Balloon:       true,
	}
}

var qemuFlags = []Flag{
	FlagHypervisor, FlagGLAcceleration, FlagRTCLocalTime, FlagDebugLog,
	FlagUEFIBoot, FlagRNG, FlagQEMUBalloon, FlagSound,
}

func (s *QEMUSettings) Kind() EngineKind { return EngineQEMU }

func (s *QEMUSettings) Capabilities() []Flag {
	return append([]Flag(nil), qemuFlags...)
}

func (s *QEMUSettings) field(f Flag) *bool {
	switch f {
	case FlagHypervisor:
		return &s.UseHypervisor
	case FlagGLAcceleration:
		return &s.GLAcceleration
	case FlagRTCLocalTime:
		return &s.RTCLocalTime
	case FlagDebugLog:
		return &s.DebugLog
	case FlagUEFIBoot:
		return &s.UEFIBoot
	case FlagRNG:
		return &s.RNG
	case FlagQEMUBalloon:
		return &s.Balloon
	case FlagSound:
		return &s.Sound
	}
	return nil
}

func (s *QEMUSettings) Flag(f Flag) (bool, error) {
	p := s.field(f)
	if p == nil {
		return false, fmt.Errorf("%w: %s on %s", ErrCapabilityMismatch, f, EngineQEMU)
	}
	return *p, nil
}

func (s *QEMUSettings) SetFlag(f Flag, value bool) error {
	p := s.field(f)
	if p == nil {
		return fmt.Errorf("%w: %s on %s", ErrCapabilityMismatch, f, EngineQEMU)
	}
	*p = value
	return nil
}

func (s *QEMUSettings) Validate() error {
	switch s.Architecture {
	case "x86_64", "aarch64", "i386", "arm", "riscv64", "ppc64", "s390x":
	case "":
		return fmt.Errorf("%w: qemu architecture is required", ErrInvalidConfiguration)
	default:
		return fmt.Errorf("%w: unsupported qemu architecture %q", ErrInvalidConfiguration, s.Architecture)
	}
	return nil
}

// AppleSettings holds Apple Virtualization-only options.
type AppleSettings struct {
	Audio          bool `yaml:"audio"`
	Balloon        bool `yaml:"balloon"`
	Entropy        bool `yaml:"entropy"`
	Keyboard       bool `yaml:"keyboard"`
	Pointing       bool `yaml:"pointing"`
	Serial         bool `yaml:"serial"`
	ConsoleDisplay bool `yaml:"console_display"`
}

// DefaultAppleSettings enables the standard device set.
func DefaultAppleSettings() *AppleSettings {
	return &AppleSettings{
		Audio:    true,
		Balloon:  true,
		Entropy:  true,
		Keyboard: true,
		Pointing: true,
	}
}

var appleFlags = []Flag{
	FlagAudio, FlagBalloon, FlagEntropy, FlagKeyboard,
	FlagPointing, FlagSerial, FlagConsoleDisplay,
}

func (s *AppleSettings) Kind() EngineKind { return EngineApple }

func (s *AppleSettings) Capabilities() []Flag {
	return append([]Flag(nil), appleFlags...)
}

func (s *AppleSettings) field(f Flag) *bool {
	switch f {
	case FlagAudio:
		return &s.Audio
	case FlagBalloon:
		return &s.Balloon
	case FlagEntropy:
		return &s.Entropy
	case FlagKeyboard:
		return &s.Keyboard
	case FlagPointing:
		return &s.Pointing
	case FlagSerial:
		return &s.Serial
	case FlagConsoleDisplay:
		return &s.ConsoleDisplay
	}
	return nil
}

func (s *AppleSettings) Flag(f Flag) (bool, error) {
	p := s.field(f)
	if p == nil {
		return false, fmt.Errorf("%w: %s on %s", ErrCapabilityMismatch, f, EngineApple)
	}
	return *p, nil
}

// SetFlag sets f. Turning on the console display also turns on the serial
// port, since the console is carried over it.
func (s *AppleSettings) SetFlag(f Flag, value bool) error {
	p := s.field(f)
	if p == nil {
		return fmt.Errorf("%w: %s on %s", ErrCapabilityMismatch, f, EngineApple)
	}
	*p = value
	if f == FlagConsoleDisplay && value {
		s.Serial = true
	}
	return nil
}

func (s *AppleSettings) Validate() error {
	if s.ConsoleDisplay && !s.Serial {
		return fmt.Errorf("%w: console display requires the serial port", ErrInvalidConfiguration)
	}
	return nil
}

// HostArchitecture maps GOARCH to the QEMU architecture name.
func HostArchitecture() string {
	switch runtime.GOARCH {
	case "arm64":
		return "aarch64"
	case "amd64":
		return "x86_64"
	case "386":
		return "i386"
	default:
		return runtime.GOARCH
	}
}

// DefaultTarget returns the QEMU machine type used for arch.
func DefaultTarget(arch string) string {
	switch arch {
	case "x86_64", "i386":
		return "q35"
	case "aarch64", "arm":
		return "virt"
	default:
		return ""
	}
}
