package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/config"
	"github.com/javanstorm/vmdeck/internal/terminal"
	"github.com/javanstorm/vmdeck/internal/vm"
)

var runCmd = &cobra.Command{
	Use:   "run [name]",
	Short: "Run a machine in the foreground",
	Long: `Start a machine in this process and attach to its serial console.

Type the escape key twice quickly to leave the console; the machine is
stopped when vmdeck exits. Machines without a serial console run until
interrupted with Ctrl+C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

// Flags for run
var (
	runNoConsole bool
	runForceStop bool
	runStopWait  time.Duration
)

func init() {
	runCmd.Flags().BoolVar(&runNoConsole, "no-console", false, "Do not attach to the serial console")
	runCmd.Flags().BoolVar(&runForceStop, "force-stop", false, "Power off on exit instead of asking the guest to shut down")
	runCmd.Flags().DurationVar(&runStopWait, "stop-timeout", time.Minute, "How long to wait for the machine to stop on exit")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mg, err := openManager(ctx, vm.ManagerOptions{})
	if err != nil {
		return err
	}
	defer mg.Close()

	m, err := resolveMachine(mg, args)
	if err != nil {
		return err
	}
	if st, ok := liveStates(ctx)[m.ID()]; ok && st != vm.StateStopped.String() {
		return fmt.Errorf("machine '%s' is %s in the daemon; use 'vmdeck stop' first", m.Name(), st)
	}

	for _, w := range config.ValidateConfiguration(m.Configuration(), m.Capabilities()) {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w.Error())
	}

	fmt.Fprintf(os.Stderr, "Starting '%s' on %s...\n", m.Name(), m.DriverInfo().Name)
	done, err := m.Start(ctx)
	if err := await(ctx, done, err); err != nil {
		return fmt.Errorf("start machine: %w", err)
	}
	log.WithField("machine", m.Name()).Info("Machine started")

	runErr := attachOrWait(ctx, m)
	stop()

	if err := stopMachine(m); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, terminal.ErrEscapeSequence) {
		return runErr
	}
	return nil
}

// attachOrWait connects the terminal to the guest console, or waits for
// the guest to stop when there is no console to attach to.
func attachOrWait(ctx context.Context, m *vm.Machine) error {
	if !runNoConsole && m.Capabilities().Console {
		in, out, err := m.Console()
		if err == nil {
			console := terminal.Current(settings().EscapeByte())
			return console.Attach(ctx, in, out)
		}
		log.WithError(err).Warn("Console unavailable")
	}

	fmt.Fprintln(os.Stderr, "Machine running. Press Ctrl+C to stop.")
	st, err := m.WaitFor(ctx, vm.StateStopped, vm.StateError)
	if err != nil {
		return err
	}
	if st == vm.StateError {
		return m.LastError()
	}
	return nil
}

// stopMachine stops m if it is still running and waits for it to settle.
func stopMachine(m *vm.Machine) error {
	ctx, cancel := context.WithTimeout(context.Background(), runStopWait)
	defer cancel()

	switch m.State() {
	case vm.StateStarted, vm.StatePaused:
	default:
		// The guest shut itself down; give the monitor time to commit.
		st, _ := m.WaitFor(ctx, vm.StateStopped, vm.StateError)
		if st == vm.StateError {
			return fmt.Errorf("machine '%s' failed: %w", m.Name(), m.LastError())
		}
		return nil
	}

	fmt.Fprintf(os.Stderr, "Stopping '%s'...\n", m.Name())
	done, err := m.RequestStop(ctx, runForceStop)
	err = await(ctx, done, err)
	if errors.Is(err, vm.ErrStopRefused) {
		fmt.Fprintln(os.Stderr, "Guest refused to shut down, powering off")
		done, err = m.RequestStop(ctx, true)
		err = await(ctx, done, err)
	}
	if err != nil {
		return fmt.Errorf("stop machine: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Machine stopped")
	return nil
}
