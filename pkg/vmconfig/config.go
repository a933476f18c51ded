// Package vmconfig holds the declarative description of a virtual machine:
// engine selection and settings, boot parameters, the ordered drive list,
// shared directories and displays.
//
// Every mutation here is synchronous and touches only the Configuration.
// Nothing in this package talks to a running engine.
package vmconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// OperatingSystem is the guest OS family.
type OperatingSystem string

const (
	OSUnknown OperatingSystem = ""
	OSMacOS   OperatingSystem = "macOS"
	OSLinux   OperatingSystem = "Linux"
	OSWindows OperatingSystem = "Windows"
	OSOther   OperatingSystem = "Other"
)

// ParseOperatingSystem accepts the OS names case-insensitively.
func ParseOperatingSystem(s string) (OperatingSystem, error) {
	for _, o := range []OperatingSystem{OSMacOS, OSLinux, OSWindows, OSOther} {
		if strings.EqualFold(string(o), strings.TrimSpace(s)) {
			return o, nil
		}
	}
	return OSUnknown, fmt.Errorf("%w: unknown operating system %q", ErrInvalidConfiguration, s)
}

// Minimum memory sizes in megabytes.
const (
	MinMemoryMB      = 128
	MinAppleMemoryMB = 512
)

// BootConfig describes how the guest boots.
type BootConfig struct {
	OperatingSystem OperatingSystem `yaml:"os"`

	// Kernel, Initrd and Cmdline drive direct Linux kernel boot.
	Kernel  string `yaml:"kernel,omitempty"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline,omitempty"`

	// RootImage is an optional root filesystem image for Linux guests.
	RootImage string `yaml:"root_image,omitempty"`

	// Image is an installer or live image (ISO) attached as removable media.
	Image string `yaml:"image,omitempty"`

	// IPSW is the macOS restore image.
	IPSW string `yaml:"ipsw,omitempty"`

	SkipImage bool `yaml:"skip_image,omitempty"`
}

// Configuration is the full description of one machine.
type Configuration struct {
	Name string     `yaml:"name"`
	Kind EngineKind `yaml:"engine"`

	// Exactly one of QEMU and Apple is set, matching Kind.
	QEMU  *QEMUSettings  `yaml:"qemu,omitempty"`
	Apple *AppleSettings `yaml:"apple,omitempty"`

	CPUCount int `yaml:"cpus"`
	MemoryMB int `yaml:"memory_mb"`

	Boot BootConfig `yaml:"boot"`

	Drives            []Drive           `yaml:"drives,omitempty"`
	SharedDirectories []SharedDirectory `yaml:"shared_directories,omitempty"`
	Displays          []Display         `yaml:"displays,omitempty"`

	Notes     string    `yaml:"notes,omitempty"`
	CreatedAt time.Time `yaml:"created_at,omitempty"`
}

// New returns a Configuration for the given engine with default settings.
func New(name string, kind EngineKind) *Configuration {
	c := &Configuration{
		Name:     name,
		Kind:     kind,
		CPUCount: 1,
		MemoryMB: 512,
	}
	switch kind {
	case EngineApple:
		c.Apple = DefaultAppleSettings()
		c.Displays = []Display{DefaultDisplay()}
	default:
		c.QEMU = DefaultQEMUSettings()
	}
	return c
}

// Settings returns the active engine settings, or nil if the
// configuration does not carry the variant matching Kind.
func (c *Configuration) Settings() EngineSettings {
	switch c.Kind {
	case EngineQEMU:
		if c.QEMU != nil {
			return c.QEMU
		}
	case EngineApple:
		if c.Apple != nil {
			return c.Apple
		}
	}
	return nil
}

// SetFlag sets an engine flag. It fails with ErrCapabilityMismatch when the
// flag does not belong to the configuration's engine.
func (c *Configuration) SetFlag(f Flag, value bool) error {
	s := c.Settings()
	if s == nil {
		return fmt.Errorf("%w: no %s settings", ErrInvalidConfiguration, c.Kind)
	}
	return s.SetFlag(f, value)
}

// Flag reads an engine flag.
func (c *Configuration) Flag(f Flag) (bool, error) {
	s := c.Settings()
	if s == nil {
		return false, fmt.Errorf("%w: no %s settings", ErrInvalidConfiguration, c.Kind)
	}
	return s.Flag(f)
}

// Capabilities lists the flags legal for this configuration's engine.
func (c *Configuration) Capabilities() []Flag {
	if s := c.Settings(); s != nil {
		return s.Capabilities()
	}
	return nil
}

// SharingSupported reports whether shared directories can be used.
// Apple Virtualization only shares directories with Linux guests.
func (c *Configuration) SharingSupported() bool {
	if c.Kind == EngineApple {
		return c.Boot.OperatingSystem == OSLinux
	}
	return true
}

// Validate checks the configuration as a whole and reports every problem.
func (c *Configuration) Validate() error {
	var result *multierror.Error

	if c.Name == "" {
		result = multierror.Append(result, fmt.Errorf("%w: name is required", ErrInvalidConfiguration))
	}
	if c.CPUCount < 1 {
		result = multierror.Append(result, fmt.Errorf("%w: cpu count must be at least 1", ErrInvalidConfiguration))
	}
	minMem := MinMemoryMB
	if c.Kind == EngineApple {
		minMem = MinAppleMemoryMB
	}
	if c.MemoryMB < minMem {
		result = multierror.Append(result, fmt.Errorf("%w: memory must be at least %dMB", ErrInvalidConfiguration, minMem))
	}

	switch {
	case c.Kind != EngineQEMU && c.Kind != EngineApple:
		result = multierror.Append(result, fmt.Errorf("%w: %d", ErrUnknownEngine, int(c.Kind)))
	case c.QEMU != nil && c.Apple != nil:
		result = multierror.Append(result, fmt.Errorf("%w: both qemu and apple settings present", ErrInvalidConfiguration))
	case c.Settings() == nil:
		result = multierror.Append(result, fmt.Errorf("%w: missing %s settings", ErrInvalidConfiguration, c.Kind))
	default:
		if err := c.Settings().Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for i, d := range c.Drives {
		if d.Index != i {
			result = multierror.Append(result, fmt.Errorf("%w: drive %d has index %d", ErrInvalidConfiguration, i, d.Index))
		}
		if d.Status == DriveFixed && d.Removable {
			result = multierror.Append(result, fmt.Errorf("%w: drive %d is removable but fixed", ErrInvalidConfiguration, i))
		}
	}

	seen := make(map[string]bool, len(c.SharedDirectories))
	for _, s := range c.SharedDirectories {
		key := s.key()
		if seen[key] {
			result = multierror.Append(result, fmt.Errorf("%w: shared directory %s", ErrDuplicateResource, s.Path))
		}
		seen[key] = true
	}
	if len(c.SharedDirectories) > 0 && !c.SharingSupported() {
		result = multierror.Append(result, fmt.Errorf("%w: %s does not share directories with %s guests",
			ErrInvalidConfiguration, c.Kind.DisplayName(), c.Boot.OperatingSystem))
	}

	for i, d := range c.Displays {
		if d.Width <= 0 || d.Height <= 0 {
			result = multierror.Append(result, fmt.Errorf("%w: display %d has no resolution", ErrInvalidConfiguration, i))
		}
	}

	return result.ErrorOrNil()
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}
	out := *c
	if c.QEMU != nil {
		q := *c.QEMU
		out.QEMU = &q
	}
	if c.Apple != nil {
		a := *c.Apple
		out.Apple = &a
	}
	out.Drives = append([]Drive(nil), c.Drives...)
	out.SharedDirectories = append([]SharedDirectory(nil), c.SharedDirectories...)
	out.Displays = append([]Display(nil), c.Displays...)
	return &out
}
