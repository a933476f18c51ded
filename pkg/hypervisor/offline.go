package hypervisor

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// offlineDriver stands in for an engine that cannot be reached. It lets
// stopped machines be listed and edited; every guest operation fails with
// the reason the engine is missing.
type offlineDriver struct {
	kind   vmconfig.EngineKind
	reason error
}

// NewOffline returns a driver for kind that never launches guests. reason
// is returned, wrapped, from every operation that needs the engine.
func NewOffline(kind vmconfig.EngineKind, reason error) Driver {
	if reason == nil {
		reason = ErrUnsupportedPlatform
	}
	return &offlineDriver{kind: kind, reason: reason}
}

// NewDriverOrOffline creates the driver for kind, falling back to an
// offline driver when the engine is not available.
func NewDriverOrOffline(kind vmconfig.EngineKind, opts Options) Driver {
	d, err := NewDriver(kind, opts)
	if err != nil {
		opts.logger().WithError(err).Debug("Engine unavailable, machines stay offline")
		return NewOffline(kind, err)
	}
	return d
}

func (d *offlineDriver) Info() Info {
	return Info{Name: "offline", Engine: d.kind, Arch: runtime.GOARCH}
}

func (d *offlineDriver) Capabilities() Capabilities { return Capabilities{} }

func (d *offlineDriver) Validate(cfg *vmconfig.Configuration) error {
	return checkKind(cfg, d.kind)
}

func (d *offlineDriver) unavailable(op string) error {
	return fmt.Errorf("%s: %s engine unavailable: %w", op, d.kind.DisplayName(), d.reason)
}

func (d *offlineDriver) Launch(ctx context.Context, cfg *vmconfig.Configuration) (Handle, error) {
	return nil, d.unavailable("launch")
}

func (d *offlineDriver) Terminate(ctx context.Context, h Handle, force bool) (bool, error) {
	return false, ErrForeignHandle
}

func (d *offlineDriver) Pause(ctx context.Context, h Handle) error  { return ErrForeignHandle }
func (d *offlineDriver) Resume(ctx context.Context, h Handle) error { return ErrForeignHandle }
func (d *offlineDriver) Reset(ctx context.Context, h Handle) error  { return ErrForeignHandle }

func (d *offlineDriver) AttachDrive(ctx context.Context, h Handle, drive vmconfig.Drive) error {
	return ErrForeignHandle
}

func (d *offlineDriver) DetachDrive(ctx context.Context, h Handle, drive vmconfig.Drive) error {
	return ErrForeignHandle
}

func (d *offlineDriver) MediumInUse(ctx context.Context, h Handle, drive vmconfig.Drive) (bool, error) {
	return false, ErrForeignHandle
}

func (d *offlineDriver) Console(h Handle) (io.Writer, io.Reader, error) {
	return nil, nil, ErrForeignHandle
}

func (d *offlineDriver) Close() error { return nil }
