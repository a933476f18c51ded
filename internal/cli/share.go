package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/vm"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Manage shared directories",
	Long: `Share host directories with a machine. QEMU shares with every guest;
Apple Virtualization shares with Linux guests only.`,
}

var shareListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List shared directories",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
			shares := m.Configuration().SharedDirectories
			if len(shares) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No shared directories")
				return nil
			}
			for _, d := range shares {
				mode := "rw"
				if d.ReadOnly {
					mode = "ro"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", d.MountTag(), mode, d.Path)
			}
			return nil
		})
	},
}

var shareAddCmd = &cobra.Command{
	Use:   "add <directory>",
	Short: "Share a host directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runShareAdd,
}

var shareRemoveCmd = &cobra.Command{
	Use:     "remove <directory>",
	Aliases: []string{"rm"},
	Short:   "Stop sharing a host directory",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
			done, err := m.RemoveSharedDirectory(ctx, path)
			if err := await(ctx, done, err); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped sharing %s\n", path)
			return nil
		})
	},
}

// Flags for share
var (
	shareMachine  string
	shareReadOnly bool
	shareTag      string
)

func init() {
	shareCmd.PersistentFlags().StringVarP(&shareMachine, "machine", "m", "", "Machine name (default: active machine)")
	shareAddCmd.Flags().BoolVar(&shareReadOnly, "read-only", false, "Share read-only")
	shareAddCmd.Flags().StringVar(&shareTag, "tag", "", "Guest mount tag (default: directory name)")

	shareCmd.AddCommand(shareListCmd)
	shareCmd.AddCommand(shareAddCmd)
	shareCmd.AddCommand(shareRemoveCmd)
}

func runShareAdd(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	dir := vmconfig.SharedDirectory{Path: path, ReadOnly: shareReadOnly, Tag: shareTag}
	return withMachine(cmd, func(ctx context.Context, m *vm.Machine) error {
		done, err := m.AddSharedDirectory(ctx, dir)
		if err := await(ctx, done, err); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sharing %s as '%s'\n", path, dir.MountTag())
		return nil
	})
}
