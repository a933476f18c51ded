package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/config"
	"github.com/javanstorm/vmdeck/internal/terminal"
	"github.com/javanstorm/vmdeck/internal/ui"
	"github.com/javanstorm/vmdeck/internal/vm"
	"github.com/javanstorm/vmdeck/internal/wizard"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new machine",
	Long: `Create a new machine with the setup wizard.

Without --os on a terminal the wizard runs interactively. Otherwise the
flags answer its questions and the machine is created directly:

  vmdeck create --os linux --kernel ./vmlinuz --root-image ./rootfs.img
  vmdeck create --os windows --image ./win11.iso --cpus 4 --memory 8192
  vmdeck create --engine apple --os macos --ipsw ./restore.ipsw`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

// Flags for create
var (
	createEngine      string
	createOS          string
	createKernel      string
	createInitrd      string
	createCmdline     string
	createRootImage   string
	createImage       string
	createIPSW        string
	createSkipImage   bool
	createArch        string
	createTarget      string
	createCPUs        int
	createMemoryMB    int
	createStorageGiB  int
	createShare       string
	createShareRO     bool
	createName        string
	createGL          bool
	createNoVirt      bool
	createInteractive bool
	createUse         bool
	createShow        bool
)

func init() {
	flags := createCmd.Flags()
	flags.StringVar(&createEngine, "engine", "qemu", "Engine (qemu, apple)")
	flags.StringVar(&createOS, "os", "", "Guest operating system (macos, linux, windows, other)")
	flags.StringVar(&createKernel, "kernel", "", "Linux kernel to boot")
	flags.StringVar(&createInitrd, "initrd", "", "Linux initial ramdisk")
	flags.StringVar(&createCmdline, "cmdline", "", "Linux boot arguments")
	flags.StringVar(&createRootImage, "root-image", "", "Linux root filesystem image")
	flags.StringVar(&createImage, "image", "", "Installer image (ISO) to boot")
	flags.StringVar(&createIPSW, "ipsw", "", "macOS restore image")
	flags.BoolVar(&createSkipImage, "skip-image", false, "Create without a boot image")
	flags.StringVar(&createArch, "arch", "", "QEMU guest architecture (default: host)")
	flags.StringVar(&createTarget, "target", "", "QEMU machine type")
	flags.IntVar(&createCPUs, "cpus", 0, "Number of CPUs (default from config)")
	flags.IntVar(&createMemoryMB, "memory", 0, "Memory in MB (default from config)")
	flags.IntVar(&createStorageGiB, "storage", 0, "Size of the new disk in GiB (default from config)")
	flags.StringVar(&createShare, "share", "", "Host directory to share with the guest")
	flags.BoolVar(&createShareRO, "share-ro", false, "Share the directory read-only")
	flags.StringVar(&createName, "name", "", "Machine name (default: derived from the OS)")
	flags.BoolVar(&createGL, "gl", false, "Enable GL acceleration (QEMU Linux guests)")
	flags.BoolVar(&createNoVirt, "no-virtualization", false, "Emulate instead of using hardware virtualization")
	flags.BoolVarP(&createInteractive, "interactive", "i", false, "Run the interactive wizard")
	flags.BoolVar(&createUse, "use", false, "Make the new machine active")
	flags.BoolVar(&createShow, "show", false, "Print the machine's settings after creating it")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := settings()

	mg, err := openManager(ctx, vm.ManagerOptions{})
	if err != nil {
		return err
	}
	defer mg.Close()

	st := wizard.NewState()
	if cfg.DefaultCPUs > 0 {
		st.CPUCount = cfg.DefaultCPUs
	}
	if cfg.DefaultMemoryMB > 0 {
		st.MemoryMB = cfg.DefaultMemoryMB
	}
	if cfg.DefaultStorageGiB > 0 {
		st.StorageGiB = cfg.DefaultStorageGiB
	}
	w := wizard.New(wizard.CurrentHost(), st)
	if err := applyCreateFlags(cmd, w); err != nil {
		return err
	}

	var mc *vmconfig.Configuration
	if createInteractive || (createOS == "" && terminal.IsTTY()) {
		mc, err = ui.Run(w, mg.NewDefaultName, os.Stdin, os.Stderr)
		if errors.Is(err, ui.ErrAborted) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Aborted.")
			return nil
		}
	} else {
		mc, err = walkWizard(w, mg.NewDefaultName)
	}
	if err != nil {
		return err
	}

	m, err := mg.Create(ctx, mc)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	for _, v := range config.ValidateConfiguration(m.Configuration(), m.Capabilities()) {
		if !v.Fatal {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", v.Error())
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created machine '%s' in %s\n", m.Name(), m.Dir())

	active, _ := mg.Library().Active()
	if active == "" || createUse {
		if err := mg.Library().SetActive(m.Name()); err != nil {
			return fmt.Errorf("set active: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Active machine set to '%s'\n", m.Name())
	}
	if w.State().OpenSettingsAfterCreation {
		fmt.Fprintln(cmd.OutOrStdout())
		printStatus(cmd.OutOrStdout(), mg, m, nil)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Start it with: vmdeck run %q\n", m.Name())
	return nil
}

// applyCreateFlags answers the wizard's questions from the command line.
func applyCreateFlags(cmd *cobra.Command, w *wizard.Wizard) error {
	flags := cmd.Flags()
	st := w.State()

	kind, err := vmconfig.ParseEngineKind(createEngine)
	if err != nil {
		return err
	}
	w.SetEngine(kind)
	if flags.Changed("no-virtualization") {
		st.UseVirtualization = !createNoVirt
	}
	if createOS != "" {
		guest, err := vmconfig.ParseOperatingSystem(createOS)
		if err != nil {
			return err
		}
		w.SetOperatingSystem(guest)
	}

	paths := []struct {
		value string
		dest  *string
	}{
		{createKernel, &st.LinuxKernel},
		{createInitrd, &st.LinuxInitrd},
		{createRootImage, &st.LinuxRootImage},
		{createImage, &st.BootImage},
		{createIPSW, &st.IPSW},
		{createShare, &st.SharedDirectory},
	}
	for _, p := range paths {
		if p.value == "" {
			continue
		}
		abs, err := filepath.Abs(p.value)
		if err != nil {
			return err
		}
		*p.dest = abs
	}

	st.LinuxBootArguments = createCmdline
	st.SkipBootImage = createSkipImage
	st.Architecture = createArch
	st.Target = createTarget
	st.GLEnabled = createGL
	st.SharingReadOnly = createShareRO
	st.Name = createName
	st.OpenSettingsAfterCreation = createShow
	if createCPUs > 0 {
		st.CPUCount = createCPUs
	}
	if createMemoryMB > 0 {
		st.MemoryMB = createMemoryMB
	}
	if createStorageGiB > 0 {
		st.StorageGiB = createStorageGiB
	}
	return nil
}

// walkWizard advances w to the summary and generates the configuration.
func walkWizard(w *wizard.Wizard, suggest wizard.NameSuggester) (*vmconfig.Configuration, error) {
	for w.Current() != wizard.StepSummary {
		if _, err := w.Next(); err != nil {
			return nil, fmt.Errorf("%s: %w", w.Current().Title(), err)
		}
	}
	return w.Generate(suggest)
}
