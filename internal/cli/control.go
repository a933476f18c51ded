package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/dispatch"
	"github.com/javanstorm/vmdeck/internal/vm"
)

// control describes a lifecycle command sent to the daemon: the states the
// machine must be in and the state that marks completion.
type control struct {
	use     string
	short   string
	command string
	from    []vm.State
	to      vm.State
}

var controls = []control{
	{"start [name]", "Start a machine in the daemon", dispatch.CmdStart,
		[]vm.State{vm.StateStopped}, vm.StateStarted},
	{"stop [name]", "Power off a running machine", dispatch.CmdStop,
		[]vm.State{vm.StateStarted}, vm.StateStopped},
	{"pause [name]", "Pause a running machine", dispatch.CmdPause,
		[]vm.State{vm.StateStarted}, vm.StatePaused},
	{"resume [name]", "Resume a paused machine", dispatch.CmdResume,
		[]vm.State{vm.StatePaused}, vm.StateStarted},
	{"restart [name]", "Hard reset a running machine", dispatch.CmdRestart,
		[]vm.State{vm.StateStarted}, vm.StateStarted},
}

// controlCmds are built from controls.
var controlCmds []*cobra.Command

// Flags shared by the control commands
var (
	controlWait    bool
	controlTimeout time.Duration
)

var typeCmd = &cobra.Command{
	Use:   "type <text>",
	Short: "Type text into a running machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(cmd, dispatch.Command{
			Name:   dispatch.CmdSendText,
			Params: map[string]string{"text": args[0]},
		}, controlFor(dispatch.CmdSendText))
	},
}

var clickCmd = &cobra.Command{
	Use:   "click <x> <y>",
	Short: "Click at a position on a running machine's display",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, a := range args {
			if _, err := strconv.Atoi(a); err != nil {
				return fmt.Errorf("invalid coordinate %q", a)
			}
		}
		params := map[string]string{"x": args[0], "y": args[1]}
		if clickButton != "" {
			params["button"] = clickButton
		}
		return sendCommand(cmd, dispatch.Command{Name: dispatch.CmdClick, Params: params},
			controlFor(dispatch.CmdClick))
	},
}

var openCmd = &cobra.Command{
	Use:   "open <url>",
	Short: "Send a command link to the daemon",
	Long: `Send a vmdeck:// command link to the running daemon, for example:

  vmdeck open 'vmdeck://start?name=Ubuntu'
  vmdeck open 'vmdeck://sendText?name=Ubuntu&text=ls'`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

// Flags for input commands
var (
	inputMachine string
	clickButton  string
)

func init() {
	for _, c := range controls {
		c := c
		cmd := &cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				name, err := machineName(args)
				if err != nil {
					return err
				}
				return sendCommand(cmd, dispatch.Command{Name: c.command, Target: name}, c)
			},
		}
		addControlFlags(cmd)
		controlCmds = append(controlCmds, cmd)
	}

	for _, cmd := range []*cobra.Command{typeCmd, clickCmd} {
		cmd.Flags().StringVarP(&inputMachine, "machine", "m", "", "Machine name (default: active machine)")
		controlCmds = append(controlCmds, cmd)
	}
	clickCmd.Flags().StringVar(&clickButton, "button", "", "Mouse button (left, right, middle)")
}

func addControlFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&controlWait, "wait", "w", false, "Wait until the machine reaches the resulting state")
	cmd.Flags().DurationVar(&controlTimeout, "timeout", 2*time.Minute, "How long --wait waits")
}

// controlFor describes the input commands, which need a started machine
// and do not change its state.
func controlFor(command string) control {
	return control{command: command, from: []vm.State{vm.StateStarted}, to: vm.StateStarted}
}

// sendCommand checks the machine's state with the daemon, hands the command
// over as a link and optionally waits for the result.
func sendCommand(cmd *cobra.Command, c dispatch.Command, ctl control) error {
	ctx := cmd.Context()
	if c.Target == "" {
		name, err := machineName(nonEmpty(inputMachine))
		if err != nil {
			return err
		}
		c.Target = name
	}

	client := newDaemonClient(settings().ListenAddr)
	status, err := client.Machine(ctx, c.Target)
	if err != nil {
		if errors.Is(err, errDaemonUnavailable) {
			return fmt.Errorf("%w; start it with 'vmdeck serve'", err)
		}
		return err
	}
	if err := checkState(status, ctl); err != nil {
		return err
	}

	if err := client.Open(ctx, c.URL(settings().URLScheme)); err != nil {
		return err
	}
	log.WithField("command", c.String()).Debug("Command sent")

	wait := controlWait && ctl.command != dispatch.CmdSendText && ctl.command != dispatch.CmdClick
	if !wait {
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to '%s'\n", c.Name, status.Name)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	final, err := waitForState(ctx, client, status.ID, ctl.to)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Machine '%s' is %s\n", status.Name, final)
	return nil
}

func checkState(status *dispatch.MachineStatus, ctl control) error {
	for _, s := range ctl.from {
		if status.State == s.String() {
			return nil
		}
	}
	want := make([]string, 0, len(ctl.from))
	for _, s := range ctl.from {
		want = append(want, s.String())
	}
	return fmt.Errorf("machine '%s' is %s; %s needs it %s", status.Name, status.State, ctl.command, joinOr(want))
}

// waitForState polls the daemon until the machine reaches want or error.
func waitForState(ctx context.Context, client *daemonClient, id string, want vm.State) (string, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := client.Machine(ctx, id)
		if err != nil {
			return "", err
		}
		switch status.State {
		case want.String():
			return status.State, nil
		case vm.StateError.String():
			return "", fmt.Errorf("machine '%s' failed: %s", status.Name, status.LastError)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("machine '%s' still %s: %w", status.Name, status.State, ctx.Err())
		case <-ticker.C:
		}
	}
}

func runOpen(cmd *cobra.Command, args []string) error {
	scheme := settings().URLScheme
	c, err := dispatch.ParseURL(args[0], scheme)
	if err != nil {
		return err
	}
	if !slices.Contains(dispatch.Commands(), c.Name) {
		return fmt.Errorf("unknown command %q (known: %v)", c.Name, dispatch.Commands())
	}
	if err := newDaemonClient(settings().ListenAddr).Open(cmd.Context(), c.URL(scheme)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", c)
	return nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func joinOr(words []string) string {
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	}
	out := words[0]
	for _, w := range words[1 : len(words)-1] {
		out += ", " + w
	}
	return out + " or " + words[len(words)-1]
}
