package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/vm"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Change the hardware of a stopped machine",
	Long: `Change CPU count, memory or notes of a stopped machine.

Only the flags given are changed. The configuration is validated before it
is saved; an invalid change leaves the machine untouched.`,
	Args: cobra.NoArgs,
	RunE: runEdit,
}

var flagCmd = &cobra.Command{
	Use:   "flag",
	Short: "Show or change engine flags",
	Long: `Show or change the engine-specific toggles of a machine, such as
"hypervisor" and "uefi-boot" for QEMU or "audio" and "serial" for Apple
Virtualization.`,
}

var flagListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List engine flags",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
			cfg := m.Configuration()
			for _, f := range cfg.Capabilities() {
				v, _ := cfg.Flag(f)
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", f, onOff(v))
			}
			return nil
		})
	},
}

var flagSetCmd = &cobra.Command{
	Use:   "set <flag> <on|off>",
	Short: "Change an engine flag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		f := vmconfig.Flag(strings.ToLower(args[0]))
		return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
			if err := m.Configure(func(cfg *vmconfig.Configuration) error {
				return cfg.SetFlag(f, value)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", f, onOff(value))
			return nil
		})
	},
}

var displayCmd = &cobra.Command{
	Use:   "display",
	Short: "Manage virtual displays",
}

var displaySetCmd = &cobra.Command{
	Use:   "set <WIDTHxHEIGHT>",
	Short: "Set the primary display resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := vmconfig.ParseResolution(args[0])
		if err != nil {
			return err
		}
		var hidpi *bool
		if cmd.Flags().Changed("hidpi") {
			hidpi = &displayHidpi
		}
		return editDisplays(cmd, func(cfg *vmconfig.Configuration) error {
			cfg.SetPrimaryDisplay(r, hidpi)
			return nil
		})
	},
}

var displayAddCmd = &cobra.Command{
	Use:   "add <WIDTHxHEIGHT>",
	Short: "Add a display",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := vmconfig.ParseResolution(args[0])
		if err != nil {
			return err
		}
		return editDisplays(cmd, func(cfg *vmconfig.Configuration) error {
			cfg.AddDisplay(vmconfig.NewDisplay(r, displayHidpi))
			return nil
		})
	},
}

var displayRemoveCmd = &cobra.Command{
	Use:     "remove <index>",
	Aliases: []string{"rm"},
	Short:   "Remove a display",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		i, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid display index %q", args[0])
		}
		return editDisplays(cmd, func(cfg *vmconfig.Configuration) error {
			return cfg.RemoveDisplay(i)
		})
	},
}

// Flags for edit, flag and display
var (
	editMachine  string
	editCPUs     int
	editMemoryMB int
	editNotes    string
	displayHidpi bool
)

func init() {
	editCmd.Flags().StringVarP(&editMachine, "machine", "m", "", "Machine name (default: active machine)")
	editCmd.Flags().IntVar(&editCPUs, "cpus", 0, "Number of CPUs")
	editCmd.Flags().IntVar(&editMemoryMB, "memory", 0, "Memory in MB")
	editCmd.Flags().StringVar(&editNotes, "notes", "", "Free-form notes")

	flagCmd.PersistentFlags().StringVarP(&editMachine, "machine", "m", "", "Machine name (default: active machine)")
	flagCmd.AddCommand(flagListCmd)
	flagCmd.AddCommand(flagSetCmd)

	displayCmd.PersistentFlags().StringVarP(&editMachine, "machine", "m", "", "Machine name (default: active machine)")
	displaySetCmd.Flags().BoolVar(&displayHidpi, "hidpi", false, "Use HiDPI pixel density")
	displayAddCmd.Flags().BoolVar(&displayHidpi, "hidpi", false, "Use HiDPI pixel density")
	displayCmd.AddCommand(displaySetCmd)
	displayCmd.AddCommand(displayAddCmd)
	displayCmd.AddCommand(displayRemoveCmd)
}

func runEdit(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if !flags.Changed("cpus") && !flags.Changed("memory") && !flags.Changed("notes") {
		return fmt.Errorf("nothing to change; use --cpus, --memory or --notes")
	}
	return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
		err := m.Configure(func(cfg *vmconfig.Configuration) error {
			if flags.Changed("cpus") {
				cfg.CPUCount = editCPUs
			}
			if flags.Changed("memory") {
				cfg.MemoryMB = editMemoryMB
			}
			if flags.Changed("notes") {
				cfg.Notes = editNotes
			}
			return nil
		})
		if err != nil {
			return err
		}
		cfg := m.Configuration()
		fmt.Fprintf(cmd.OutOrStdout(), "Machine '%s': %d CPUs, %d MB\n", m.Name(), cfg.CPUCount, cfg.MemoryMB)
		return nil
	})
}

func editDisplays(cmd *cobra.Command, fn func(cfg *vmconfig.Configuration) error) error {
	return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
		if err := m.Configure(fn); err != nil {
			return err
		}
		for i, d := range m.Configuration().Displays {
			hidpi := ""
			if d.Hidpi() {
				hidpi = " HiDPI"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d: %s%s\n", i, d.Resolution(), hidpi)
		}
		return nil
	})
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid value %q: want on or off", s)
}
