package vm

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// DefaultMachineName is the base name suggested when no OS is chosen.
const DefaultMachineName = "Virtual Machine"

// DriverFactory returns the driver for an engine kind.
type DriverFactory func(kind vmconfig.EngineKind) (hypervisor.Driver, error)

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// DataDir holds the library index and the machines/ directory.
	DataDir string

	// Drivers creates engine drivers. Each kind is created once and shared
	// by all machines of that kind.
	Drivers DriverFactory

	// Progress receives download progress bars during Import. Nil disables
	// them.
	Progress io.Writer

	Broker  *Broker
	Metrics *Metrics
	Logger  *logrus.Entry
}

// Manager owns the machine library: it loads persisted machines, creates
// and removes them, and resolves them by name or ID.
type Manager struct {
	opts    ManagerOptions
	library *Library
	log     *logrus.Entry

	mu       sync.RWMutex
	machines map[string]*Machine // by ID
	drivers  map[vmconfig.EngineKind]hypervisor.Driver

	// createMu serializes name checks with library registration.
	createMu sync.Mutex
}

// NewManager creates a manager over opts.DataDir. Call Load to pick up
// machines persisted by an earlier run.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("vm: manager data directory is required")
	}
	if opts.Drivers == nil {
		return nil, fmt.Errorf("vm: manager driver factory is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		opts:     opts,
		library:  NewLibrary(opts.DataDir),
		log:      log,
		machines: make(map[string]*Machine),
		drivers:  make(map[vmconfig.EngineKind]hypervisor.Driver),
	}, nil
}

// Library returns the on-disk index.
func (mg *Manager) Library() *Library {
	return mg.library
}

// Broker returns the event broker shared by all machines, which may be nil.
func (mg *Manager) Broker() *Broker {
	return mg.opts.Broker
}

// Load reads every machine in the library. Machines that fail to load are
// skipped; their errors are returned together.
func (mg *Manager) Load(ctx context.Context) error {
	entries, err := mg.library.List()
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
		loaded []*Machine
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, entry := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := mg.open(entry)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				mg.log.WithError(err).WithField("machine", entry.Name).Warn("Skipping machine")
				result = multierror.Append(result, fmt.Errorf("load %s: %w", entry.Name, err))
				return nil
			}
			loaded = append(loaded, m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	mg.mu.Lock()
	for _, m := range loaded {
		if _, ok := mg.machines[m.ID()]; !ok {
			mg.machines[m.ID()] = m
		}
	}
	mg.mu.Unlock()

	mg.log.WithField("count", len(loaded)).Debug("Library loaded")
	return result.ErrorOrNil()
}

func (mg *Manager) open(entry LibraryEntry) (*Machine, error) {
	store := vmconfig.NewFileStore(mg.library.ConfigPath(entry.Name))
	cfg, err := store.Load()
	if err != nil {
		return nil, err
	}
	cfg.Name = entry.Name
	return mg.newMachine(entry, cfg, store)
}

func (mg *Manager) newMachine(entry LibraryEntry, cfg *vmconfig.Configuration, store vmconfig.Store) (*Machine, error) {
	driver, err := mg.driver(cfg.Kind)
	if err != nil {
		return nil, err
	}
	dir := mg.library.MachineDir(entry.Name)
	return NewMachine(cfg, driver, MachineOptions{
		ID:      entry.ID,
		Dir:     dir,
		Store:   store,
		Records: NewStateFile(dir),
		Broker:  mg.opts.Broker,
		Metrics: mg.opts.Metrics,
		Logger:  mg.log,
	})
}

// driver returns the shared driver for kind, creating it on first use.
func (mg *Manager) driver(kind vmconfig.EngineKind) (hypervisor.Driver, error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if d, ok := mg.drivers[kind]; ok {
		return d, nil
	}
	d, err := mg.opts.Drivers(kind)
	if err != nil {
		return nil, fmt.Errorf("create %s driver: %w", kind.DisplayName(), err)
	}
	mg.drivers[kind] = d
	return d, nil
}

// Create registers a new machine for cfg. Drives with a size and no image
// get a sparse image in the machine directory.
func (mg *Manager) Create(ctx context.Context, cfg *vmconfig.Configuration) (*Machine, error) {
	if err := validName(cfg.Name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stored, err := mg.register(cfg.Name, cfg.CreatedAt)
	if err != nil {
		return nil, err
	}

	m, err := mg.install(*stored, cfg.Clone())
	if err != nil {
		mg.library.Delete(cfg.Name)
		mg.library.DeleteData(cfg.Name)
		return nil, err
	}
	mg.log.WithFields(logrus.Fields{"machine": m.Name(), "id": m.ID()}).Info("Machine created")
	return m, nil
}

// register checks name against the loaded machines and records it in the
// library. Concurrent callers see each other's registrations.
func (mg *Manager) register(name string, createdAt time.Time) (*LibraryEntry, error) {
	mg.createMu.Lock()
	defer mg.createMu.Unlock()
	return mg.registerLocked(name, createdAt)
}

func (mg *Manager) registerLocked(name string, createdAt time.Time) (*LibraryEntry, error) {
	if _, err := mg.Lookup(name); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	entry := LibraryEntry{ID: uuid.NewString(), Name: name, CreatedAt: createdAt}
	if err := mg.library.Add(entry); err != nil {
		return nil, err
	}
	return mg.library.Get(name)
}

// install writes cfg into the machine directory of entry and registers the
// resulting machine.
func (mg *Manager) install(entry LibraryEntry, cfg *vmconfig.Configuration) (*Machine, error) {
	dir := mg.library.MachineDir(entry.Name)
	images := NewImageManager(dir)
	for i, d := range cfg.Drives {
		if d.ImagePath != "" || d.SizeMB <= 0 {
			continue
		}
		path, err := images.NewDriveImage(d.SizeMB)
		if err != nil {
			return nil, err
		}
		cfg.Drives[i].ImagePath = path
		if d.Removable {
			cfg.Drives[i].Status = vmconfig.DriveAttached
		}
	}
	cfg.CreatedAt = entry.CreatedAt

	store := vmconfig.NewFileStore(mg.library.ConfigPath(entry.Name))
	if err := store.Save(cfg); err != nil {
		return nil, err
	}
	m, err := mg.newMachine(entry, cfg, store)
	if err != nil {
		return nil, err
	}

	mg.mu.Lock()
	mg.machines[m.ID()] = m
	mg.mu.Unlock()
	return m, nil
}

// Lookup resolves a machine by ID or name.
func (mg *Manager) Lookup(nameOrID string) (*Machine, error) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	if m, ok := mg.machines[nameOrID]; ok {
		return m, nil
	}
	for _, m := range mg.machines {
		if m.Name() == nameOrID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrMachineNotFound, nameOrID)
}

// List returns every machine sorted by name.
func (mg *Manager) List() []*Machine {
	mg.mu.RLock()
	out := make([]*Machine, 0, len(mg.machines))
	for _, m := range mg.machines {
		out = append(out, m)
	}
	mg.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Remove deletes a stopped or failed machine. With deleteData its
// directory, images included, is removed as well.
func (mg *Manager) Remove(ctx context.Context, nameOrID string, deleteData bool) error {
	m, err := mg.Lookup(nameOrID)
	if err != nil {
		return err
	}
	if err := m.acquire("remove"); err != nil {
		return err
	}
	defer m.guard.Release(1)

	if st := m.State(); !st.Terminal() {
		m.metrics.reject("remove", "invalid-state")
		return &TransitionError{Op: "remove", State: st}
	}

	name := m.Name()
	if err := mg.library.Delete(name); err != nil {
		return err
	}
	mg.mu.Lock()
	delete(mg.machines, m.ID())
	mg.mu.Unlock()

	if deleteData {
		if err := mg.library.DeleteData(name); err != nil {
			return err
		}
	}
	mg.log.WithFields(logrus.Fields{"machine": name, "id": m.ID()}).Info("Machine removed")
	return nil
}

// NewDefaultName returns base if no machine uses it, otherwise the first
// free "base N" for N >= 2. An empty base means DefaultMachineName.
func (mg *Manager) NewDefaultName(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultMachineName
	}
	taken := func(name string) bool {
		_, err := mg.Lookup(name)
		return err == nil
	}
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		name := fmt.Sprintf("%s %d", base, n)
		if !taken(name) {
			return name
		}
	}
}

// Shutdown stops every running machine in parallel and waits for each to
// settle. Paused machines are stopped as well.
func (mg *Manager) Shutdown(ctx context.Context, force bool) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range mg.List() {
		st := m.State()
		if st != StateStarted && st != StatePaused {
			continue
		}
		g.Go(func() error {
			err := stopAndWait(ctx, m, force)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("stop %s: %w", m.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return result.ErrorOrNil()
}

func stopAndWait(ctx context.Context, m *Machine, force bool) error {
	done, err := m.RequestStop(ctx, force)
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

// Close releases every driver created by the manager.
func (mg *Manager) Close() error {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	var result *multierror.Error
	for kind, d := range mg.drivers {
		if err := d.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s driver: %w", kind.DisplayName(), err))
		}
		delete(mg.drivers, kind)
	}
	return result.ErrorOrNil()
}

func validName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: name is required", vmconfig.ErrInvalidConfiguration)
	case name == "." || name == "..", strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: name %q cannot be used as a directory", vmconfig.ErrInvalidConfiguration, name)
	}
	return nil
}
