package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/config"
	"github.com/javanstorm/vmdeck/internal/dispatch"
	"github.com/javanstorm/vmdeck/internal/vm"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

var statusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show machine status and information",
	Long: `Display a machine's engine, hardware, drives, shared directories,
displays and boot history. The running state comes from the daemon when it
is reachable.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mg, err := openManager(ctx, vm.ManagerOptions{})
	if err != nil {
		return err
	}
	defer mg.Close()

	m, err := resolveMachine(mg, args)
	if err != nil {
		return err
	}

	var live *dispatch.MachineStatus
	if s, err := newDaemonClient(settings().ListenAddr).Machine(ctx, m.ID()); err == nil {
		live = s
	} else if !errors.Is(err, errDaemonUnavailable) {
		log.WithError(err).Debug("Daemon status unavailable")
	}

	printStatus(cmd.OutOrStdout(), mg, m, live)
	return nil
}

func printStatus(out io.Writer, mg *vm.Manager, m *vm.Machine, live *dispatch.MachineStatus) {
	cfg := m.Configuration()
	s := dispatch.Status(m, true)

	active, _ := mg.Library().Active()
	activeMarker := ""
	if m.Name() == active {
		activeMarker = " (active)"
	}
	fmt.Fprintf(out, "Machine: %s%s\n", m.Name(), activeMarker)
	fmt.Fprintf(out, "  ID: %s\n", m.ID())
	fmt.Fprintf(out, "  Directory: %s\n", m.Dir())
	fmt.Fprintln(out)

	switch {
	case live != nil:
		fmt.Fprintf(out, "State: %s\n", live.State)
		if live.LastError != "" {
			fmt.Fprintf(out, "  Last error: %s\n", live.LastError)
		}
	default:
		fmt.Fprintf(out, "State: %s (daemon not running)\n", s.State)
	}

	info := m.DriverInfo()
	if info.Name == "offline" {
		fmt.Fprintf(out, "Engine: %s (unavailable on this host)\n", cfg.Kind.DisplayName())
	} else {
		fmt.Fprintf(out, "Engine: %s via %s %s (%s)\n", cfg.Kind.DisplayName(), info.Name, info.Version, info.Arch)
	}
	if cfg.QEMU != nil && cfg.QEMU.Architecture != "" {
		fmt.Fprintf(out, "  Architecture: %s (%s)\n", cfg.QEMU.Architecture, cfg.QEMU.Target)
	}
	fmt.Fprintf(out, "OS: %s\n", osName(s.OS))
	fmt.Fprintf(out, "Hardware: %d CPUs, %d MB memory\n", s.CPUs, s.MemoryMB)
	if flags := enabledFlags(cfg); len(flags) > 0 {
		fmt.Fprintf(out, "  Flags: %s\n", strings.Join(flags, ", "))
	}
	fmt.Fprintln(out)

	printDrives(out, s.Drives)
	fmt.Fprintln(out)

	if len(cfg.SharedDirectories) > 0 {
		fmt.Fprintln(out, "Shared directories:")
		for _, d := range cfg.SharedDirectories {
			mode := "rw"
			if d.ReadOnly {
				mode = "ro"
			}
			fmt.Fprintf(out, "  %s (%s, tag %s)\n", d.Path, mode, d.MountTag())
		}
		fmt.Fprintln(out)
	}

	if len(cfg.Displays) > 0 {
		fmt.Fprintln(out, "Displays:")
		for i, d := range cfg.Displays {
			hidpi := ""
			if d.Hidpi() {
				hidpi = " HiDPI"
			}
			fmt.Fprintf(out, "  %d: %s%s\n", i, d.Resolution(), hidpi)
		}
		fmt.Fprintln(out)
	}

	if warnings := config.ValidateConfiguration(cfg, m.Capabilities()); len(warnings) > 0 && info.Name != "offline" {
		fmt.Fprint(out, config.FormatValidationErrors(warnings))
		fmt.Fprintln(out)
	}

	rec, err := m.BootRecord()
	switch {
	case err != nil:
		fmt.Fprintf(out, "History: error loading (%v)\n", err)
	case rec.BootCount == 0:
		fmt.Fprintln(out, "History: never booted")
	default:
		fmt.Fprintln(out, "History:")
		fmt.Fprintf(out, "  Boot count: %d\n", rec.BootCount)
		if !rec.LastBoot.IsZero() {
			fmt.Fprintf(out, "  Last boot: %s\n", rec.LastBoot.Format("2006-01-02 15:04:05"))
		}
		if !rec.LastShutdown.IsZero() {
			fmt.Fprintf(out, "  Last shutdown: %s\n", rec.LastShutdown.Format("2006-01-02 15:04:05"))
			if rec.CleanShutdown {
				fmt.Fprintln(out, "  Shutdown type: clean")
			} else {
				fmt.Fprintln(out, "  Shutdown type: unclean")
			}
		}
		if rec.LastError != "" {
			fmt.Fprintf(out, "  Last engine error: %s\n", rec.LastError)
		}
	}
}

func printDrives(out io.Writer, drives []dispatch.DriveStatus) {
	if len(drives) == 0 {
		fmt.Fprintln(out, "Drives: none")
		return
	}
	fmt.Fprintln(out, "Drives:")
	for _, d := range drives {
		image := d.Image
		if image == "" {
			image = "(no media)"
		}
		fmt.Fprintf(out, "  %d: %-7s %-8s %s\n", d.Index, d.Interface, d.Status, image)
	}
}

// enabledFlags lists the engine flags that are switched on.
func enabledFlags(cfg *vmconfig.Configuration) []string {
	var on []string
	for _, f := range cfg.Capabilities() {
		if v, err := cfg.Flag(f); err == nil && v {
			on = append(on, string(f))
		}
	}
	return on
}
