package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// engineStep is the live half of a structural change, run against the
// guest while the machine is Busy.
type engineStep func(ctx context.Context, h hypervisor.Handle) error

// rollback holds the undo actions of a structural change that is not
// committed. They run in reverse order.
type rollback []func()

func (r *rollback) add(f func()) { *r = append(*r, f) }

func (r rollback) run() {
	for i := len(r) - 1; i >= 0; i-- {
		r[i]()
	}
}

// partialCommit reports an engine step that failed after changing the
// guest. cfg describes what the guest now holds and is committed instead of
// the requested change.
type partialCommit struct {
	cfg *vmconfig.Configuration
	err error
}

func (p *partialCommit) Error() string { return p.err.Error() }
func (p *partialCommit) Unwrap() error { return p.err }

// structural applies a change to the drive list or shared directories.
// prepare edits a copy of the configuration and decides what the engine has
// to do; it may return a nil engineStep when the change only takes effect at
// next launch. A stopped machine commits at once. A running machine brackets
// the engine round-trip in StateBusy and commits only if the engine
// succeeds; engine failures leave the state and configuration unchanged
// unless the step reports a partialCommit. Actions prepare adds to undo run
// whenever the change is not committed.
func (m *Machine) structural(ctx context.Context, op string,
	prepare func(cfg *vmconfig.Configuration, running bool, undo *rollback) (engineStep, error)) (<-chan error, error) {
	if st := m.State(); !st.Stable() {
		m.metrics.reject(op, "not-stable")
		return nil, fmt.Errorf("%s: %w (%s)", op, ErrStateNotStable, st)
	}
	if err := m.acquire(op); err != nil {
		return nil, err
	}
	st := m.State()
	if !st.Stable() {
		m.guard.Release(1)
		m.metrics.reject(op, "not-stable")
		return nil, fmt.Errorf("%s: %w (%s)", op, ErrStateNotStable, st)
	}

	running := st != StateStopped
	next := m.cfg.Load().Clone()
	var undo rollback
	step, err := prepare(next, running, &undo)
	if err != nil {
		undo.run()
		m.guard.Release(1)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	done := make(chan error, 1)
	if !running || step == nil {
		if err := m.save(next); err != nil {
			undo.run()
			err = fmt.Errorf("%s: %w", op, err)
			m.complete(done, err)
			return done, nil
		}
		m.complete(done, nil)
		return done, nil
	}

	h := m.currentHandle()
	if err := m.beginBusy(op, false); err != nil {
		undo.run()
		m.guard.Release(1)
		return nil, err
	}
	go func() {
		began := time.Now()
		err := step(context.WithoutCancel(ctx), h)
		m.metrics.observe(op, began, err)
		m.endBusy()
		if err != nil {
			m.log.WithError(err).WithField("op", op).Warn("Live change failed")
			undo.run()
			var partial *partialCommit
			if errors.As(err, &partial) {
				if serr := m.save(partial.cfg); serr != nil {
					m.log.WithError(serr).WithField("op", op).Error("Failed to record partial change")
				}
			}
			m.complete(done, fmt.Errorf("%s: %w", op, err))
			return
		}
		if err := m.save(next); err != nil {
			undo.run()
			m.complete(done, fmt.Errorf("%s: %w", op, err))
			return
		}
		m.complete(done, nil)
	}()
	return done, nil
}

// EjectDrive removes the medium from a drive. Fixed drives fail with
// ErrDriveNotRemovable unless force is set. Without force a running guest
// is asked first whether it still holds the medium.
func (m *Machine) EjectDrive(ctx context.Context, index int, force bool) (<-chan error, error) {
	d, err := m.cfg.Load().Drive(index)
	if err != nil {
		return nil, err
	}
	if d.Status == vmconfig.DriveFixed && !force {
		m.metrics.reject("eject", "not-removable")
		return nil, fmt.Errorf("eject drive %d: %w", index, ErrDriveNotRemovable)
	}

	return m.structural(ctx, "eject drive", func(cfg *vmconfig.Configuration, running bool, undo *rollback) (engineStep, error) {
		before, err := cfg.Drive(index)
		if err != nil {
			return nil, err
		}
		if before.Status == vmconfig.DriveFixed && !force {
			return nil, ErrDriveNotRemovable
		}
		if err := cfg.UpdateDrive(index, func(d *vmconfig.Drive) {
			d.ImagePath = ""
			d.Status = vmconfig.DriveEjected
		}); err != nil {
			return nil, err
		}
		if !before.HasMedia() {
			return nil, nil
		}
		return func(ctx context.Context, h hypervisor.Handle) error {
			if !force {
				if err := m.checkMediumFree(ctx, h, before); err != nil {
					return err
				}
			}
			return m.driver.DetachDrive(ctx, h, before)
		}, nil
	})
}

// ChangeMedium swaps the medium of a removable drive for image. When the
// old medium cannot be ejected nothing is attached and the configuration
// is unchanged. When the new medium fails to attach after the old one was
// ejected, the drive is recorded as ejected.
func (m *Machine) ChangeMedium(ctx context.Context, index int, image string) (<-chan error, error) {
	if image == "" {
		return nil, fmt.Errorf("change medium: %w: image path is required", vmconfig.ErrInvalidConfiguration)
	}
	d, err := m.cfg.Load().Drive(index)
	if err != nil {
		return nil, err
	}
	if d.Status == vmconfig.DriveFixed {
		m.metrics.reject("change-medium", "not-removable")
		return nil, fmt.Errorf("change medium of drive %d: %w", index, ErrDriveNotRemovable)
	}

	return m.structural(ctx, "change medium", func(cfg *vmconfig.Configuration, running bool, undo *rollback) (engineStep, error) {
		before, err := cfg.Drive(index)
		if err != nil {
			return nil, err
		}
		if before.Status == vmconfig.DriveFixed {
			return nil, ErrDriveNotRemovable
		}
		ejected := cfg.Clone()
		if err := ejected.UpdateDrive(index, func(d *vmconfig.Drive) {
			d.ImagePath = ""
			d.Status = vmconfig.DriveEjected
		}); err != nil {
			return nil, err
		}
		if err := cfg.UpdateDrive(index, func(d *vmconfig.Drive) {
			d.ImagePath = image
			d.Status = vmconfig.DriveAttached
		}); err != nil {
			return nil, err
		}
		after, _ := cfg.Drive(index)
		return func(ctx context.Context, h hypervisor.Handle) error {
			if !before.HasMedia() {
				return m.driver.AttachDrive(ctx, h, after)
			}
			if err := m.checkMediumFree(ctx, h, before); err != nil {
				return err
			}
			if err := m.driver.DetachDrive(ctx, h, before); err != nil {
				return fmt.Errorf("eject: %w", err)
			}
			if err := m.driver.AttachDrive(ctx, h, after); err != nil {
				return &partialCommit{cfg: ejected, err: fmt.Errorf("attach: %w", err)}
			}
			return nil
		}, nil
	})
}

// AddDrive appends d. A drive with SizeMB set and no image gets a new
// sparse image in the machine directory. A running guest has the drive
// hot-plugged.
func (m *Machine) AddDrive(ctx context.Context, d vmconfig.Drive) (<-chan error, error) {
	return m.structural(ctx, "add drive", func(cfg *vmconfig.Configuration, running bool, undo *rollback) (engineStep, error) {
		if d.ImagePath == "" && d.SizeMB > 0 {
			if m.images == nil {
				return nil, fmt.Errorf("%w: machine has no data directory for new images", vmconfig.ErrInvalidConfiguration)
			}
			path, err := m.images.NewDriveImage(d.SizeMB)
			if err != nil {
				return nil, err
			}
			undo.add(func() {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					m.log.WithError(err).WithField("image", path).Warn("Failed to remove unused drive image")
				}
			})
			d.ImagePath = path
			if d.Removable {
				d.Status = vmconfig.DriveAttached
			}
		}
		added, _ := cfg.Drive(cfg.AddDrive(d))
		return func(ctx context.Context, h hypervisor.Handle) error {
			return m.driver.AttachDrive(ctx, h, added)
		}, nil
	})
}

// RemoveDrive deletes the drive at index from the list. Fixed drives can
// only be removed from a stopped machine. A removable drive removed while
// running has its medium ejected; the empty slot disappears at next launch.
func (m *Machine) RemoveDrive(ctx context.Context, index int) (<-chan error, error) {
	return m.structural(ctx, "remove drive", func(cfg *vmconfig.Configuration, running bool, undo *rollback) (engineStep, error) {
		removed, err := cfg.RemoveDrive(index)
		if err != nil {
			return nil, err
		}
		if !running {
			return nil, nil
		}
		if removed.Status == vmconfig.DriveFixed {
			return nil, ErrDriveNotRemovable
		}
		if !removed.HasMedia() {
			return nil, nil
		}
		return func(ctx context.Context, h hypervisor.Handle) error {
			if err := m.checkMediumFree(ctx, h, removed); err != nil {
				return err
			}
			return m.driver.DetachDrive(ctx, h, removed)
		}, nil
	})
}

// MoveDrive reorders the drive list. The new order is used at next launch.
func (m *Machine) MoveDrive(ctx context.Context, from, to int) (<-chan error, error) {
	return m.structural(ctx, "move drive", func(cfg *vmconfig.Configuration, running bool, undo *rollback) (engineStep, error) {
		return nil, cfg.MoveDrive(from, to)
	})
}

// MoveDriveUp moves the drive at index one place towards the front.
func (m *Machine) MoveDriveUp(ctx context.Context, index int) (<-chan error, error) {
	return m.MoveDrive(ctx, index, index-1)
}

// MoveDriveDown moves the drive at index one place towards the back.
func (m *Machine) MoveDriveDown(ctx context.Context, index int) (<-chan error, error) {
	return m.MoveDrive(ctx, index, index+1)
}

// AddSharedDirectory shares a host directory with the guest. Engines that
// cannot share live pick the directory up at next launch.
func (m *Machine) AddSharedDirectory(ctx context.Context, dir vmconfig.SharedDirectory) (<-chan error, error) {
	return m.structural(ctx, "share directory", func(cfg *vmconfig.Configuration, running bool, undo *rollback) (engineStep, error) {
		if !cfg.SharingSupported() {
			return nil, fmt.Errorf("%w: %s does not share directories with %s guests",
				vmconfig.ErrInvalidConfiguration, cfg.Kind.DisplayName(), cfg.Boot.OperatingSystem)
		}
		if err := cfg.AddSharedDirectory(dir); err != nil {
			return nil, err
		}
		added := cfg.SharedDirectories[len(cfg.SharedDirectories)-1]
		sharer, ok := m.liveSharer(running)
		if !ok {
			return nil, nil
		}
		return func(ctx context.Context, h hypervisor.Handle) error {
			return sharer.ShareDirectory(ctx, h, added)
		}, nil
	})
}

// RemoveSharedDirectory stops sharing path.
func (m *Machine) RemoveSharedDirectory(ctx context.Context, path string) (<-chan error, error) {
	return m.structural(ctx, "unshare directory", func(cfg *vmconfig.Configuration, running bool, undo *rollback) (engineStep, error) {
		removed, err := cfg.RemoveSharedDirectory(path)
		if err != nil {
			return nil, err
		}
		sharer, ok := m.liveSharer(running)
		if !ok {
			return nil, nil
		}
		return func(ctx context.Context, h hypervisor.Handle) error {
			return sharer.UnshareDirectory(ctx, h, removed)
		}, nil
	})
}

func (m *Machine) liveSharer(running bool) (hypervisor.DirectorySharer, bool) {
	if !running {
		return nil, false
	}
	sharer, ok := m.driver.(hypervisor.DirectorySharer)
	if !ok || !m.driver.Capabilities().SharedDirs {
		m.log.Info("Shared directory change applies at next launch")
		return nil, false
	}
	return sharer, true
}

func (m *Machine) checkMediumFree(ctx context.Context, h hypervisor.Handle, d vmconfig.Drive) error {
	inUse, err := m.driver.MediumInUse(ctx, h, d)
	if err != nil {
		return fmt.Errorf("query medium: %w", err)
	}
	if inUse {
		return fmt.Errorf("drive %d: %w", d.Index, ErrDriveInUse)
	}
	return nil
}
