package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/dispatch"
	"github.com/javanstorm/vmdeck/internal/vm"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Manage machine drives",
	Long: `List and edit the ordered drive list of a stopped machine.

Drive indexes follow the boot order and are renumbered after every change.
Use --machine to pick a machine other than the active one.`,
}

var driveListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List drives",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
			printDrives(cmd.OutOrStdout(), dispatch.Status(m, true).Drives)
			return nil
		})
	},
}

var driveAddCmd = &cobra.Command{
	Use:   "add [image]",
	Short: "Add a drive",
	Long: `Add a drive at the end of the drive list.

A fixed disk without an image gets a new sparse image of --size GiB in the
machine directory. Removable drives may be added empty.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDriveAdd,
}

var driveRemoveCmd = &cobra.Command{
	Use:     "remove <index>",
	Aliases: []string{"rm"},
	Short:   "Remove a drive",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return driveOp(cmd, args, "Removed drive %d\n", func(ctx context.Context, m *vm.Machine, i int) (<-chan error, error) {
			return m.RemoveDrive(ctx, i)
		})
	},
}

var driveMoveCmd = &cobra.Command{
	Use:   "move <index> <up|down|position>",
	Short: "Move a drive in the boot order",
	Args:  cobra.ExactArgs(2),
	RunE:  runDriveMove,
}

var driveEjectCmd = &cobra.Command{
	Use:   "eject <index>",
	Short: "Eject the medium of a removable drive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return driveOp(cmd, args, "Ejected drive %d\n", func(ctx context.Context, m *vm.Machine, i int) (<-chan error, error) {
			return m.EjectDrive(ctx, i, driveForce)
		})
	},
}

var driveInsertCmd = &cobra.Command{
	Use:   "insert <index> <image>",
	Short: "Insert or replace the medium of a removable drive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		return driveOp(cmd, args[:1], "Inserted medium into drive %d\n", func(ctx context.Context, m *vm.Machine, i int) (<-chan error, error) {
			return m.ChangeMedium(ctx, i, image)
		})
	},
}

// Flags for drive
var (
	driveMachine   string
	driveInterface string
	driveRemovable bool
	driveReadOnly  bool
	driveSizeGiB   int
	driveForce     bool
)

func init() {
	driveCmd.PersistentFlags().StringVarP(&driveMachine, "machine", "m", "", "Machine name (default: active machine)")

	driveAddCmd.Flags().StringVar(&driveInterface, "interface", string(vmconfig.InterfaceVirtIO), "Drive interface (virtio, nvme, usb, ide, scsi, sd, floppy)")
	driveAddCmd.Flags().BoolVar(&driveRemovable, "removable", false, "Add a removable drive")
	driveAddCmd.Flags().BoolVar(&driveReadOnly, "read-only", false, "Attach the image read-only")
	driveAddCmd.Flags().IntVar(&driveSizeGiB, "size", 0, "Size in GiB of a new disk image")
	driveEjectCmd.Flags().BoolVar(&driveForce, "force", false, "Eject even if the guest holds the medium")

	driveCmd.AddCommand(driveListCmd)
	driveCmd.AddCommand(driveAddCmd)
	driveCmd.AddCommand(driveRemoveCmd)
	driveCmd.AddCommand(driveMoveCmd)
	driveCmd.AddCommand(driveEjectCmd)
	driveCmd.AddCommand(driveInsertCmd)
}

// withMachine opens the library and runs fn on the selected machine. It
// refuses machines the daemon is running, since the daemon owns their
// configuration until they stop.
func withMachine(cmd *cobra.Command, fn func(ctx context.Context, m *vm.Machine) error) error {
	ctx := cmd.Context()
	mg, err := openManager(ctx, vm.ManagerOptions{})
	if err != nil {
		return err
	}
	defer mg.Close()

	name := selectedMachine(cmd)
	m, err := resolveMachine(mg, nonEmpty(name))
	if err != nil {
		return err
	}
	if st, ok := liveStates(ctx)[m.ID()]; ok && st != vm.StateStopped.String() {
		return fmt.Errorf("machine '%s' is %s in the daemon; stop it before editing", m.Name(), st)
	}
	return fn(ctx, m)
}

// selectedMachine returns the --machine flag of cmd or its parents.
func selectedMachine(cmd *cobra.Command) string {
	if f := cmd.Flag("machine"); f != nil {
		return f.Value.String()
	}
	return ""
}

func driveOp(cmd *cobra.Command, args []string, done string,
	op func(ctx context.Context, m *vm.Machine, i int) (<-chan error, error)) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid drive index %q", args[0])
	}
	return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
		ch, err := op(ctx, m, index)
		if err := await(ctx, ch, err); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), done, index)
		return nil
	})
}

func runDriveAdd(cmd *cobra.Command, args []string) error {
	iface, err := parseInterface(driveInterface)
	if err != nil {
		return err
	}
	image := ""
	if len(args) > 0 {
		if image, err = filepath.Abs(args[0]); err != nil {
			return err
		}
	}

	var d vmconfig.Drive
	switch {
	case driveRemovable:
		d = vmconfig.NewRemovableDrive(image, iface)
	case image == "" && driveSizeGiB <= 0:
		return fmt.Errorf("a fixed drive needs an image or --size")
	default:
		d = vmconfig.NewFixedDrive(image, iface)
		d.ReadOnly = driveReadOnly
		if image == "" {
			d.SizeMB = int64(driveSizeGiB) * 1024
		}
	}

	return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
		ch, err := m.AddDrive(ctx, d)
		if err := await(ctx, ch, err); err != nil {
			return err
		}
		drives := m.Configuration().Drives
		fmt.Fprintf(cmd.OutOrStdout(), "Added drive %d\n", drives[len(drives)-1].Index)
		return nil
	})
}

func runDriveMove(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid drive index %q", args[0])
	}
	return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
		var (
			ch <-chan error
			to int
		)
		switch strings.ToLower(args[1]) {
		case "up":
			to = index - 1
			ch, err = m.MoveDriveUp(ctx, index)
		case "down":
			to = index + 1
			ch, err = m.MoveDriveDown(ctx, index)
		default:
			to, err = strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid position %q: want up, down or an index", args[1])
			}
			ch, err = m.MoveDrive(ctx, index, to)
		}
		if err := await(ctx, ch, err); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Moved drive %d to %d\n", index, to)
		return nil
	})
}

func parseInterface(s string) (vmconfig.DriveInterface, error) {
	for _, iface := range []vmconfig.DriveInterface{
		vmconfig.InterfaceVirtIO, vmconfig.InterfaceNVMe, vmconfig.InterfaceUSB,
		vmconfig.InterfaceIDE, vmconfig.InterfaceSCSI, vmconfig.InterfaceSD,
		vmconfig.InterfaceFloppy,
	} {
		if strings.EqualFold(s, string(iface)) {
			return iface, nil
		}
	}
	return "", fmt.Errorf("unknown drive interface %q", s)
}
