package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/javanstorm/vmdeck/internal/config"
	"github.com/javanstorm/vmdeck/internal/vm"
	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// settings returns the loaded configuration, or defaults for commands that
// skipped loading it.
func settings() *config.Config {
	if config.Global != nil {
		return config.Global
	}
	return config.DefaultConfig()
}

// driverFactory creates engine drivers from the application settings. An
// engine that cannot be reached yields a driver that refuses to launch, so
// its machines can still be listed and edited.
func driverFactory(cfg *config.Config) vm.DriverFactory {
	return func(kind vmconfig.EngineKind) (hypervisor.Driver, error) {
		opts := hypervisor.Options{
			LibvirtSocket:   cfg.LibvirtSocket,
			StopGracePeriod: cfg.StopGracePeriod,
			StateDir:        filepath.Join(cfg.DataDir, "engines"),
			Logger:          log.WithField("engine", kind.String()),
		}
		return hypervisor.NewDriverOrOffline(kind, opts), nil
	}
}

// openManager builds a Manager over the configured data directory and
// loads the library. Fields left zero in opts are filled from the
// settings. Machines that fail to load are reported and skipped.
func openManager(ctx context.Context, opts vm.ManagerOptions) (*vm.Manager, error) {
	cfg := settings()
	if opts.DataDir == "" {
		opts.DataDir = cfg.DataDir
	}
	if opts.Drivers == nil {
		opts.Drivers = driverFactory(cfg)
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	mg, err := vm.NewManager(opts)
	if err != nil {
		return nil, err
	}
	if err := mg.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return mg, nil
}

// resolveMachine finds the machine named by the first argument, or the
// active machine when no argument is given.
func resolveMachine(mg *vm.Manager, args []string) (*vm.Machine, error) {
	if len(args) > 0 && args[0] != "" {
		return mg.Lookup(args[0])
	}
	active, err := mg.Library().Active()
	if err != nil {
		return nil, err
	}
	if active == "" {
		return nil, fmt.Errorf("no machine given and no active machine; select one with 'vmdeck use <name>'")
	}
	return mg.Lookup(active)
}

// machineName returns the name argument, falling back to the active
// machine recorded in the library.
func machineName(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	lib := vm.NewLibrary(settings().DataDir)
	active, err := lib.Active()
	if err != nil {
		return "", err
	}
	if active == "" {
		return "", fmt.Errorf("no machine given and no active machine; select one with 'vmdeck use <name>'")
	}
	return active, nil
}

// await waits for an asynchronous machine operation.
func await(ctx context.Context, done <-chan error, err error) error {
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
