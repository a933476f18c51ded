package ui

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"

	"github.com/javanstorm/vmdeck/internal/wizard"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

type fieldKind int

const (
	choiceField fieldKind = iota
	toggleField
	textField
)

// field is one editable row of a step.
type field struct {
	label string
	kind  fieldKind

	// options lists the values of a choiceField.
	options []string
	// reroute marks choices that change which steps follow.
	reroute bool

	value func() string
	apply func(v string) error

	input textinput.Model
}

func (f *field) cycle(delta int) error {
	switch f.kind {
	case toggleField:
		if f.value() == "on" {
			return f.apply("off")
		}
		return f.apply("on")
	case choiceField:
		if len(f.options) == 0 {
			return nil
		}
		cur := -1
		for i, o := range f.options {
			if o == f.value() {
				cur = i
			}
		}
		next := cur + delta
		if cur < 0 && delta < 0 {
			next = len(f.options) - 1
		}
		next = (next + len(f.options)) % len(f.options)
		return f.apply(f.options[next])
	}
	return nil
}

func choice(label string, options []string, value func() string, apply func(string) error) *field {
	return &field{label: label, kind: choiceField, options: options, value: value, apply: apply}
}

func toggle(label string, b *bool) *field {
	return &field{
		label: label,
		kind:  toggleField,
		value: func() string { return onOff(*b) },
		apply: func(v string) error {
			*b = v == "on"
			return nil
		},
	}
}

func text(label, placeholder string, s *string) *field {
	f := &field{
		label: label,
		kind:  textField,
		value: func() string { return *s },
		apply: func(v string) error {
			*s = strings.TrimSpace(v)
			return nil
		},
	}
	f.input = newInput(placeholder, *s)
	return f
}

// path is a text field whose value is made absolute.
func path(label, placeholder string, s *string) *field {
	f := text(label, placeholder, s)
	f.apply = func(v string) error {
		v = strings.TrimSpace(v)
		if v == "" {
			*s = ""
			return nil
		}
		abs, err := filepath.Abs(v)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		*s = abs
		return nil
	}
	return f
}

func number(label string, n *int) *field {
	f := &field{
		label: label,
		kind:  textField,
		value: func() string { return strconv.Itoa(*n) },
		apply: func(v string) error {
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %q is not a number", label, v)
			}
			*n = i
			return nil
		},
	}
	f.input = newInput("", strconv.Itoa(*n))
	return f
}

func newInput(placeholder, value string) textinput.Model {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.CharLimit = 1024
	ti.Width = 48
	ti.Prompt = ""
	ti.SetValue(value)
	return ti
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// fieldsFor lays out the rows of step for the wizard's current choices.
func fieldsFor(w *wizard.Wizard, suggest wizard.NameSuggester) []*field {
	st := w.State()
	host := w.Host()
	qemu := st.Engine == vmconfig.EngineQEMU

	switch w.Current() {
	case wizard.StepStart:
		engines := []string{vmconfig.EngineQEMU.DisplayName()}
		if host.AppleVirtualization {
			engines = append(engines, vmconfig.EngineApple.DisplayName())
		}
		engine := choice("Engine", engines,
			func() string { return st.Engine.DisplayName() },
			func(v string) error {
				kind := vmconfig.EngineQEMU
				if v == vmconfig.EngineApple.DisplayName() {
					kind = vmconfig.EngineApple
				}
				w.SetEngine(kind)
				return nil
			})
		engine.reroute = true
		fields := []*field{engine}
		if qemu {
			fields = append(fields, toggle("Hardware virtualization", &st.UseVirtualization))
		}
		return fields

	case wizard.StepOperatingSystem:
		var systems []string
		if qemu {
			systems = []string{string(vmconfig.OSLinux), string(vmconfig.OSWindows), string(vmconfig.OSOther)}
		} else {
			if host.MacGuests {
				systems = append(systems, string(vmconfig.OSMacOS))
			}
			systems = append(systems, string(vmconfig.OSLinux))
		}
		guest := choice("Operating system", systems,
			func() string { return string(st.OperatingSystem) },
			func(v string) error {
				guest, err := vmconfig.ParseOperatingSystem(v)
				if err != nil {
					return err
				}
				w.SetOperatingSystem(guest)
				return nil
			})
		guest.reroute = true
		return []*field{guest}

	case wizard.StepMacBoot:
		return []*field{
			path("Restore image (IPSW)", "/path/to/restore.ipsw", &st.IPSW),
			toggle("Skip restore image", &st.SkipBootImage),
		}

	case wizard.StepLinuxBoot:
		fields := []*field{
			path("Kernel", "/path/to/vmlinuz", &st.LinuxKernel),
			path("Initial ramdisk", "optional", &st.LinuxInitrd),
			text("Boot arguments", "console=hvc0", &st.LinuxBootArguments),
			path("Root image", "optional", &st.LinuxRootImage),
		}
		if qemu {
			fields = append(fields, path("Installer image (ISO)", "optional", &st.BootImage))
		}
		return fields

	case wizard.StepWindowsBoot, wizard.StepOtherBoot:
		return []*field{
			path("Boot image (ISO)", "/path/to/installer.iso", &st.BootImage),
			toggle("Skip boot image", &st.SkipBootImage),
		}

	case wizard.StepHardware:
		var fields []*field
		if qemu {
			fields = append(fields,
				text("Architecture", host.Architecture, &st.Architecture),
				text("Machine type", "default for architecture", &st.Target),
			)
		}
		fields = append(fields,
			number("CPUs", &st.CPUCount),
			number("Memory (MB)", &st.MemoryMB),
		)
		if qemu && st.OperatingSystem == vmconfig.OSLinux {
			fields = append(fields, toggle("GL acceleration", &st.GLEnabled))
		}
		return fields

	case wizard.StepDrives:
		return []*field{number("Storage (GiB)", &st.StorageGiB)}

	case wizard.StepSharing:
		return []*field{
			path("Shared directory", "optional", &st.SharedDirectory),
			toggle("Read-only", &st.SharingReadOnly),
		}

	case wizard.StepSummary:
		return []*field{
			text("Name", suggestedName(st, suggest), &st.Name),
			toggle("Show settings afterwards", &st.OpenSettingsAfterCreation),
		}
	}
	return nil
}

// suggestedName is the name a blank Name field will produce.
func suggestedName(st *wizard.State, suggest wizard.NameSuggester) string {
	base := string(st.OperatingSystem)
	if st.OperatingSystem == vmconfig.OSOther {
		base = ""
	}
	if suggest != nil {
		return suggest(base)
	}
	if base == "" {
		return "Virtual Machine"
	}
	return base
}
