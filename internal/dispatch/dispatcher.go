// Package dispatch turns external command links into machine operations.
// Commands come from the vmdeck:// URL scheme, the /open endpoint of the
// daemon and MCP tools. Resolution failures are dropped after logging; the
// caller never sees them unless it asks through Resolve.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmdeck/internal/vm"
	"github.com/javanstorm/vmdeck/pkg/hypervisor"
)

// Library is the set of machines commands resolve against.
type Library interface {
	Lookup(nameOrID string) (*vm.Machine, error)
	List() []*vm.Machine
	Import(ctx context.Context, rawURL string) (*vm.Machine, error)
}

// action describes one command: the states its target must be in and the
// operation to run. A nil states slice means the command takes no target.
type action struct {
	states []vm.State
	check  func(cmd Command) error
	run    func(ctx context.Context, d *Dispatcher, m *vm.Machine, cmd Command) error
}

var actions = map[string]action{
	CmdStart: {
		states: []vm.State{vm.StateStopped},
		run: func(ctx context.Context, d *Dispatcher, m *vm.Machine, cmd Command) error {
			return awaitOp(m.Start(ctx))
		},
	},
	CmdStop: {
		states: []vm.State{vm.StateStarted},
		run: func(ctx context.Context, d *Dispatcher, m *vm.Machine, cmd Command) error {
			return awaitOp(m.RequestStop(ctx, true))
		},
	},
	CmdRestart: {
		states: []vm.State{vm.StateStarted},
		run: func(ctx context.Context, d *Dispatcher, m *vm.Machine, cmd Command) error {
			return awaitOp(m.Reset(ctx))
		},
	},
	CmdPause: {
		states: []vm.State{vm.StateStarted},
		run: func(ctx context.Context, d *Dispatcher, m *vm.Machine, cmd Command) error {
			return awaitOp(m.Pause(ctx))
		},
	},
	CmdResume: {
		states: []vm.State{vm.StatePaused},
		run: func(ctx context.Context, d *Dispatcher, m *vm.Machine, cmd Command) error {
			return awaitOp(m.Resume(ctx))
		},
	},
	CmdSendText: {
		states: []vm.State{vm.StateStarted},
		check: func(cmd Command) error {
			if cmd.Param("text") == "" {
				return fmt.Errorf("%w: text is required", ErrInvalidParameter)
			}
			return nil
		},
		run: func(ctx context.Context, d *Dispatcher, m *vm.Machine, cmd Command) error {
			return m.SendText(ctx, cmd.Param("text"))
		},
	},
	CmdClick: {
		states: []vm.State{vm.StateStarted},
		check: func(cmd Command) error {
			_, _, _, err := clickParams(cmd)
			return err
		},
		run: func(ctx context.Context, d *Dispatcher, m *vm.Machine, cmd Command) error {
			x, y, button, err := clickParams(cmd)
			if err != nil {
				return err
			}
			return m.Click(ctx, x, y, button)
		},
	},
	CmdDownloadVM: {
		check: func(cmd Command) error {
			if cmd.Param("url") == "" {
				return fmt.Errorf("%w: url is required", ErrInvalidParameter)
			}
			return nil
		},
		run: func(ctx context.Context, d *Dispatcher, m *vm.Machine, cmd Command) error {
			imported, err := d.lib.Import(ctx, cmd.Param("url"))
			if err != nil {
				return err
			}
			d.log.WithField("machine", imported.Name()).Info("Bundle imported")
			return nil
		},
	},
}

// Commands lists the recognised command names.
func Commands() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Options configure a Dispatcher.
type Options struct {
	// Scheme is the command link scheme. Defaults to DefaultScheme.
	Scheme string
	Logger *logrus.Entry
}

// Dispatcher resolves commands and runs them in the background.
type Dispatcher struct {
	lib    Library
	scheme string
	log    *logrus.Entry
	wg     sync.WaitGroup
}

// New returns a Dispatcher over lib.
func New(lib Library, opts Options) *Dispatcher {
	scheme := opts.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{lib: lib, scheme: scheme, log: log.WithField("component", "dispatch")}
}

// Scheme returns the link scheme the dispatcher accepts.
func (d *Dispatcher) Scheme() string { return d.scheme }

// Resolve checks cmd without running it: the command must be known, its
// parameters well formed, its target must exist and be in a state the
// command allows. The machine is nil for commands without a target.
func (d *Dispatcher) Resolve(cmd Command) (*vm.Machine, error) {
	a, ok := actions[cmd.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
	if a.check != nil {
		if err := a.check(cmd); err != nil {
			return nil, err
		}
	}
	if a.states == nil {
		return nil, nil
	}

	m, err := d.lib.Lookup(cmd.Target)
	if err != nil {
		return nil, err
	}
	if st := m.State(); !slices.Contains(a.states, st) {
		return nil, fmt.Errorf("%w: %s needs the machine %s, it is %s",
			ErrPreconditionNotMet, cmd.Name, statesList(a.states), st)
	}
	return m, nil
}

// Dispatch resolves cmd and starts it in the background. Commands that do
// not resolve are logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) {
	log := d.log.WithFields(logrus.Fields{"command": cmd.Name, "target": cmd.Target})

	m, err := d.Resolve(cmd)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		log.Debug("Ignoring unknown command")
		return
	case errors.Is(err, vm.ErrMachineNotFound), errors.Is(err, ErrPreconditionNotMet):
		log.WithError(err).Debug("Dropping command")
		return
	case err != nil:
		log.WithError(err).Warn("Dropping command")
		return
	}

	// The operation outlives the request that carried the command.
	ctx = context.WithoutCancel(ctx)
	run := actions[cmd.Name].run
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := run(ctx, d, m, cmd); err != nil {
			log.WithError(err).Warn("Command failed")
			return
		}
		log.Debug("Command completed")
	}()
}

// DispatchURL parses raw as a command link and dispatches it. Links that do
// not parse are logged and dropped.
func (d *Dispatcher) DispatchURL(ctx context.Context, raw string) {
	cmd, err := ParseURL(raw, d.scheme)
	if err != nil {
		d.log.WithError(err).Debug("Dropping command link")
		return
	}
	d.Dispatch(ctx, cmd)
}

// Wait blocks until every dispatched operation has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// awaitOp waits for an asynchronous machine operation.
func awaitOp(done <-chan error, err error) error {
	if err != nil {
		return err
	}
	return <-done
}

func clickParams(cmd Command) (x, y int, button hypervisor.MouseButton, err error) {
	x, err = strconv.Atoi(cmd.Param("x"))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: x: %v", ErrInvalidParameter, err)
	}
	y, err = strconv.Atoi(cmd.Param("y"))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: y: %v", ErrInvalidParameter, err)
	}
	button, err = parseButton(cmd.Param("button"))
	return x, y, button, err
}

func parseButton(s string) (hypervisor.MouseButton, error) {
	switch strings.ToLower(s) {
	case "", "left":
		return hypervisor.MouseLeft, nil
	case "right":
		return hypervisor.MouseRight, nil
	case "middle":
		return hypervisor.MouseMiddle, nil
	}
	return 0, fmt.Errorf("%w: unknown mouse button %q", ErrInvalidParameter, s)
}

func statesList(states []vm.State) string {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = st.String()
	}
	return strings.Join(names, " or ")
}
