// Package wizard implements the guided creation flow: a graph of steps
// that collects choices into a State and turns them into a validated
// machine configuration.
package wizard

import (
	"slices"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// resetters clear the fields a step collects. They run when a branching
// change makes the step unreachable.
var resetters = map[Step]func(st *State){
	StepMacBoot: func(st *State) {
		st.IPSW = ""
		st.SkipBootImage = false
	},
	StepLinuxBoot: func(st *State) {
		st.LinuxKernel = ""
		st.LinuxInitrd = ""
		st.LinuxRootImage = ""
		st.LinuxBootArguments = ""
		st.BootImage = ""
		st.SkipBootImage = false
	},
	StepWindowsBoot: resetBootImage,
	StepOtherBoot:   resetBootImage,
	StepSharing: func(st *State) {
		st.SharedDirectory = ""
		st.SharingReadOnly = false
	},
}

func resetBootImage(st *State) {
	st.BootImage = ""
	st.SkipBootImage = false
}

// Wizard walks the step graph over one State. It is not safe for
// concurrent use.
type Wizard struct {
	host    Host
	state   *State
	cursor  Step
	history []Step
}

// New starts a wizard at StepStart. A nil st starts from NewState.
func New(host Host, st *State) *Wizard {
	if st == nil {
		st = NewState()
	}
	return &Wizard{host: host, state: st, cursor: StepStart}
}

// Current returns the step under the cursor.
func (w *Wizard) Current() Step { return w.cursor }

// State returns the collected choices. Fields that affect branching must
// be changed through SetEngine and SetOperatingSystem.
func (w *Wizard) State() *State { return w.state }

// Host returns the host the wizard was started for.
func (w *Wizard) Host() Host { return w.host }

// History returns the steps visited before the current one.
func (w *Wizard) History() []Step { return slices.Clone(w.history) }

// CanGoBack reports whether Back would move the cursor.
func (w *Wizard) CanGoBack() bool { return len(w.history) > 0 }

// Next validates the current step and advances the cursor. On error the
// cursor stays where it is.
func (w *Wizard) Next() (Step, error) {
	next, err := Next(w.cursor, w.state, w.host)
	if err != nil {
		return w.cursor, err
	}
	w.history = append(w.history, w.cursor)
	w.cursor = next
	return next, nil
}

// Back returns to the previous step.
func (w *Wizard) Back() (Step, error) {
	if len(w.history) == 0 {
		return w.cursor, ErrNoPreviousStep
	}
	w.cursor = w.history[len(w.history)-1]
	w.history = w.history[:len(w.history)-1]
	return w.cursor, nil
}

// SetEngine changes the virtualization engine. QEMU-only hardware choices
// are dropped when switching to Apple.
func (w *Wizard) SetEngine(kind vmconfig.EngineKind) {
	w.branch(func(st *State) {
		st.Engine = kind
		if kind == vmconfig.EngineApple {
			st.Architecture = ""
			st.Target = ""
			st.GLEnabled = false
			st.UseVirtualization = true
		}
	})
}

// SetOperatingSystem changes the guest OS.
func (w *Wizard) SetOperatingSystem(guest vmconfig.OperatingSystem) {
	w.branch(func(st *State) {
		st.OperatingSystem = guest
		if guest != vmconfig.OSLinux {
			st.GLEnabled = false
		}
	})
}

// branch applies a change that may reroute the graph, then clears what was
// collected on steps that are no longer on the path.
func (w *Wizard) branch(change func(st *State)) {
	before := Reachable(w.state, w.host)
	change(w.state)
	after := Reachable(w.state, w.host)

	for _, step := range before {
		if slices.Contains(after, step) {
			continue
		}
		if reset, ok := resetters[step]; ok {
			reset(w.state)
		}
	}

	// Keep only the history that still lies on the path.
	for i, step := range w.history {
		if !slices.Contains(after, step) {
			w.history = w.history[:i]
			break
		}
	}
	if !slices.Contains(after, w.cursor) {
		if len(w.history) == 0 {
			w.cursor = StepStart
		} else {
			w.cursor = w.history[len(w.history)-1]
			w.history = w.history[:len(w.history)-1]
		}
		return
	}

	// The cursor may now sit past steps the new path passes through but
	// the user never answered. Return to the first of them.
	at := slices.Index(after, w.cursor)
	for i, step := range after[:at] {
		if slices.Contains(w.history, step) {
			continue
		}
		w.cursor = step
		kept := w.history[:0]
		for _, visited := range w.history {
			if slices.Index(after, visited) < i {
				kept = append(kept, visited)
			}
		}
		w.history = kept
		return
	}
}

// Generate builds the configuration from the collected choices.
func (w *Wizard) Generate(suggest NameSuggester) (*vmconfig.Configuration, error) {
	return GenerateConfig(w.state, w.host, suggest)
}
