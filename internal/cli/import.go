package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/terminal"
	"github.com/javanstorm/vmdeck/internal/vm"
)

var importCmd = &cobra.Command{
	Use:   "import <url>",
	Short: "Download and register a machine bundle",
	Long: `Download a zipped machine bundle over HTTP(S) and add it to the library.

The bundle holds a config.yaml and the drive images it references by
relative path. The machine gets the bundle's name, made unique if needed.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var importUse bool

func init() {
	importCmd.Flags().BoolVar(&importUse, "use", false, "Make the imported machine active")
}

func runImport(cmd *cobra.Command, args []string) error {
	opts := vm.ManagerOptions{}
	if terminal.IsTTY() {
		opts.Progress = os.Stderr
	}
	mg, err := openManager(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer mg.Close()

	m, err := mg.Import(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported machine '%s'\n", m.Name())

	if importUse {
		if err := mg.Library().SetActive(m.Name()); err != nil {
			return fmt.Errorf("set active: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Active machine set to '%s'\n", m.Name())
	}
	return nil
}
