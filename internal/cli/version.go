package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/version"
	"github.com/javanstorm/vmdeck/pkg/hypervisor"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit hash, build date and host engine support of vmdeck.",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "vmdeck %s\n", version.Version)
		fmt.Fprintf(out, "  Commit:     %s\n", version.Commit)
		fmt.Fprintf(out, "  Build Date: %s\n", version.BuildDate)
		fmt.Fprintf(out, "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "  Apple Virtualization: %s\n", yesNo(hypervisor.AppleVirtualizationSupported()))
		fmt.Fprintf(out, "  macOS guests:         %s\n", yesNo(hypervisor.MacGuestsSupported()))
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
