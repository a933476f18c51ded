//go:build linux

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	hypeos "github.com/c35s/hype/os/linux"
	"github.com/c35s/hype/virtio"
	"github.com/c35s/hype/vmm"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// kvmDriver implements Driver using Linux KVM via hype.
// It boots a Linux kernel directly with a virtio console and block devices.
type kvmDriver struct {
	opts Options
}

type kvmHandle struct {
	*runHandle
	cancel context.CancelFunc

	mu    sync.Mutex
	disks []*os.File
	// Raw pipe handles for the serial console.
	inputWriter  *os.File
	outputReader *os.File
}

func newKVMDriver(opts Options) (Driver, error) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return nil, fmt.Errorf("kvmDriver: /dev/kvm not accessible: %w", err)
	}
	return &kvmDriver{opts: opts}, nil
}

func (d *kvmDriver) Info() Info {
	return Info{
		Name:    "kvm",
		Engine:  vmconfig.EngineQEMU,
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

// Capabilities reports the narrow hype feature set: no pause, reset,
// hot-plug or shared directories.
func (d *kvmDriver) Capabilities() Capabilities {
	return Capabilities{
		Console: true,
	}
}

func (d *kvmDriver) Validate(cfg *vmconfig.Configuration) error {
	if err := checkKind(cfg, vmconfig.EngineQEMU); err != nil {
		return err
	}
	if cfg.Boot.OperatingSystem != vmconfig.OSLinux {
		return fmt.Errorf("%w: %s", ErrUnsupportedGuest, cfg.Boot.OperatingSystem)
	}
	if cfg.Boot.Kernel == "" {
		return ErrMissingKernel
	}
	if _, err := os.Stat(cfg.Boot.Kernel); err != nil {
		return fmt.Errorf("kvmDriver: kernel not found: %w", err)
	}
	return nil
}

func (d *kvmDriver) Launch(ctx context.Context, cfg *vmconfig.Configuration) (Handle, error) {
	if err := d.Validate(cfg); err != nil {
		return nil, err
	}
	log := d.opts.logger().WithField("machine", cfg.Name)

	kernel, err := os.ReadFile(cfg.Boot.Kernel)
	if err != nil {
		return nil, fmt.Errorf("kvmDriver: read kernel: %w", err)
	}
	var initrd []byte
	if cfg.Boot.Initrd != "" {
		initrd, err = os.ReadFile(cfg.Boot.Initrd)
		if err != nil {
			return nil, fmt.Errorf("kvmDriver: read initrd: %w", err)
		}
	}

	// inputReader is read by the VM (we write to inputWriter);
	// outputWriter is written by the VM (we read from outputReader).
	inputReader, inputWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("kvmDriver: create input pipe: %w", err)
	}
	outputReader, outputWriter, err := os.Pipe()
	if err != nil {
		inputReader.Close()
		inputWriter.Close()
		return nil, fmt.Errorf("kvmDriver: create output pipe: %w", err)
	}

	h := &kvmHandle{
		runHandle:    newRunHandle(uuid.NewString()),
		inputWriter:  inputWriter,
		outputReader: outputReader,
	}

	hypeCfg := vmm.Config{
		MemSize: cfg.MemoryMB * 1024 * 1024,
		Devices: []virtio.DeviceConfig{
			&virtio.ConsoleDevice{
				In:  inputReader,
				Out: outputWriter,
			},
		},
		Loader: &hypeos.Loader{
			Kernel:  kernel,
			Initrd:  initrd,
			Cmdline: cfg.Boot.Cmdline,
		},
	}

	for _, drive := range cfg.Drives {
		if !drive.HasMedia() {
			continue
		}
		if drive.Interface != vmconfig.InterfaceVirtIO {
			log.WithField("drive", drive.Index).Warnf("interface %s not supported, attaching as virtio", drive.Interface)
		}
		flag := os.O_RDWR
		if drive.ReadOnly {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(drive.ImagePath, flag, 0)
		if err != nil {
			h.release()
			return nil, fmt.Errorf("kvmDriver: open drive %d: %w", drive.Index, err)
		}
		h.disks = append(h.disks, f)
		hypeCfg.Devices = append(hypeCfg.Devices, &virtio.BlockDevice{
			Storage: &virtio.FileStorage{File: f},
		})
	}

	if len(cfg.SharedDirectories) > 0 {
		log.Warn("shared directories are not supported by the kvm driver, ignoring")
	}

	vm, err := vmm.New(hypeCfg)
	if err != nil {
		h.release()
		return nil, fmt.Errorf("kvmDriver: create VM: %w", err)
	}

	// The guest must outlive the request that launched it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	started := make(chan struct{})

	go func() {
		// VCPU ioctls must stay on one OS thread.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		close(started)
		err := vm.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		h.release()
		h.finish(err)
	}()

	<-started
	log.Info("kvm guest started")
	return h, nil
}

// release closes the console pipes and drive files.
func (h *kvmHandle) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var result *multierror.Error
	if h.inputWriter != nil {
		if err := h.inputWriter.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close input pipe: %w", err))
		}
		h.inputWriter = nil
	}
	if h.outputReader != nil {
		if err := h.outputReader.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close output pipe: %w", err))
		}
		h.outputReader = nil
	}
	for _, f := range h.disks {
		if err := f.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close drive: %w", err))
		}
	}
	h.disks = nil
	return result.ErrorOrNil()
}

func (d *kvmDriver) handle(h Handle) (*kvmHandle, error) {
	kh, ok := h.(*kvmHandle)
	if !ok || kh == nil {
		return nil, ErrForeignHandle
	}
	if kh.hasExited() {
		return nil, ErrNotRunning
	}
	return kh, nil
}

// Terminate cancels the run loop. hype has no ACPI power button, so a
// non-forced stop behaves like a forced one.
func (d *kvmDriver) Terminate(ctx context.Context, h Handle, force bool) (bool, error) {
	kh, err := d.handle(h)
	if err != nil {
		return false, err
	}
	kh.cancel()
	return kh.waitExit(ctx, d.opts.grace()), nil
}

func (d *kvmDriver) Pause(ctx context.Context, h Handle) error {
	return ErrUnsupported
}

func (d *kvmDriver) Resume(ctx context.Context, h Handle) error {
	return ErrUnsupported
}

func (d *kvmDriver) Reset(ctx context.Context, h Handle) error {
	return ErrUnsupported
}

func (d *kvmDriver) AttachDrive(ctx context.Context, h Handle, drive vmconfig.Drive) error {
	return ErrHotPlugUnsupported
}

func (d *kvmDriver) DetachDrive(ctx context.Context, h Handle, drive vmconfig.Drive) error {
	return ErrHotPlugUnsupported
}

func (d *kvmDriver) MediumInUse(ctx context.Context, h Handle, drive vmconfig.Drive) (bool, error) {
	if _, err := d.handle(h); err != nil {
		return false, err
	}
	return false, nil
}

func (d *kvmDriver) Console(h Handle) (io.Writer, io.Reader, error) {
	kh, err := d.handle(h)
	if err != nil {
		return nil, nil, err
	}
	kh.mu.Lock()
	defer kh.mu.Unlock()
	if kh.inputWriter == nil || kh.outputReader == nil {
		return nil, nil, fmt.Errorf("kvmDriver: console not initialized")
	}
	return kh.inputWriter, kh.outputReader, nil
}

// SendText writes text to the guest serial console.
func (d *kvmDriver) SendText(ctx context.Context, h Handle, text string) error {
	in, _, err := d.Console(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(in, text); err != nil {
		return fmt.Errorf("kvmDriver: send text: %w", err)
	}
	return nil
}

func (d *kvmDriver) Close() error { return nil }
