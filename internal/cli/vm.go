package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/dispatch"
	"github.com/javanstorm/vmdeck/internal/terminal"
	"github.com/javanstorm/vmdeck/internal/vm"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all machines",
	Long: `List every machine in the library, marking the active one with *.
States come from the running daemon when it is reachable.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a machine",
	Long:  `Delete a stopped machine from the library and optionally its data.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var useCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set active machine",
	Long:  `Set the machine other commands act on when no name is given.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUse,
}

// Flags for delete
var (
	deleteData bool
	deleteYes  bool
)

func init() {
	deleteCmd.Flags().BoolVar(&deleteData, "data", false, "Also delete machine data (drive images, state)")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask before deleting data")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mg, err := openManager(ctx, vm.ManagerOptions{})
	if err != nil {
		return err
	}
	defer mg.Close()

	machines := mg.List()
	if len(machines) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No machines found. Create one with: vmdeck create")
		return nil
	}

	active, _ := mg.Library().Active()
	printMachineList(cmd.OutOrStdout(), machines, active, liveStates(ctx))
	return nil
}

// liveStates asks the daemon for machine states by ID. It returns nil when
// the daemon is not running.
func liveStates(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	statuses, err := newDaemonClient(settings().ListenAddr).Machines(ctx)
	if err != nil {
		if !errors.Is(err, errDaemonUnavailable) {
			log.WithError(err).Debug("Daemon status unavailable")
		}
		return nil
	}
	states := make(map[string]string, len(statuses))
	for _, s := range statuses {
		states[s.ID] = s.State
	}
	return states
}

func printMachineList(out io.Writer, machines []*vm.Machine, active string, live map[string]string) {
	fmt.Fprintln(out, "Machines:")
	for _, m := range machines {
		marker := " "
		if m.Name() == active {
			marker = "*"
		}
		s := dispatch.Status(m, false)
		state := "-"
		if live != nil {
			state = "stopped"
			if st, ok := live[s.ID]; ok {
				state = st
			}
		}
		fmt.Fprintf(out, "  %s %s (%s, %s, %d CPUs, %d MB) [%s]\n",
			marker, s.Name, engineName(m), osName(s.OS), s.CPUs, s.MemoryMB, state)
	}
}

func engineName(m *vm.Machine) string {
	return m.Configuration().Kind.DisplayName()
}

func osName(guest string) string {
	if guest == "" {
		return "unknown OS"
	}
	return guest
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mg, err := openManager(ctx, vm.ManagerOptions{})
	if err != nil {
		return err
	}
	defer mg.Close()

	m, err := mg.Lookup(args[0])
	if err != nil {
		return err
	}
	if st, ok := liveStates(ctx)[m.ID()]; ok && st != vm.StateStopped.String() && st != vm.StateError.String() {
		return fmt.Errorf("machine '%s' is %s in the daemon; stop it first", m.Name(), st)
	}
	name := m.Name()
	if deleteData && !deleteYes && terminal.IsTTY() && !confirm(fmt.Sprintf("Delete all data of '%s'?", name)) {
		return fmt.Errorf("aborted")
	}

	if err := mg.Remove(ctx, m.ID(), deleteData); err != nil {
		return fmt.Errorf("delete machine: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted machine '%s'\n", name)
	if !deleteData {
		fmt.Fprintf(cmd.OutOrStdout(), "Note: machine data still exists in %s. Use --data to delete it.\n", m.Dir())
	}
	return nil
}

func runUse(cmd *cobra.Command, args []string) error {
	mg, err := openManager(cmd.Context(), vm.ManagerOptions{})
	if err != nil {
		return err
	}
	defer mg.Close()

	m, err := mg.Lookup(args[0])
	if err != nil {
		return err
	}
	if err := mg.Library().SetActive(m.Name()); err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Active machine set to '%s'\n", m.Name())
	return nil
}

// confirm asks a yes/no question on stdin.
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	var answer string
	fmt.Fscanln(os.Stdin, &answer)
	return answer == "y" || answer == "Y" || answer == "yes"
}
