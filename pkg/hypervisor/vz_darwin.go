//go:build darwin

package hypervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
	"github.com/google/uuid"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// vzDriver implements Driver using macOS Virtualization.framework.
type vzDriver struct {
	opts Options
}

// vzHandle carries one running Virtualization.framework guest.
type vzHandle struct {
	*runHandle
	vm *vz.VirtualMachine

	mu        sync.Mutex
	resetting bool
	// Raw pipe handles for the serial console.
	inputWriter  *os.File
	outputReader *os.File
}

func newAppleDriver(opts Options) (Driver, error) {
	return &vzDriver{opts: opts}, nil
}

func (d *vzDriver) Info() Info {
	return Info{
		Name:    "vz",
		Engine:  vmconfig.EngineApple,
		Version: "3",
		Arch:    runtime.GOARCH,
	}
}

func (d *vzDriver) Capabilities() Capabilities {
	return Capabilities{
		Pause:        true,
		Reset:        true,
		GracefulStop: true,
		SharedDirs:   true,
		Console:      true,
		Graphics:     true,
	}
}

func (d *vzDriver) Validate(cfg *vmconfig.Configuration) error {
	if err := checkKind(cfg, vmconfig.EngineApple); err != nil {
		return err
	}
	// macOS guests need the restore-image installer flow, which this driver
	// does not drive.
	if cfg.Boot.OperatingSystem == vmconfig.OSMacOS {
		return fmt.Errorf("%w: %s", ErrUnsupportedGuest, cfg.Boot.OperatingSystem)
	}
	if cfg.Boot.Kernel != "" {
		if _, err := os.Stat(cfg.Boot.Kernel); err != nil {
			return fmt.Errorf("vzDriver: kernel not found: %w", err)
		}
	}
	return nil
}

func (d *vzDriver) Launch(ctx context.Context, cfg *vmconfig.Configuration) (Handle, error) {
	if err := d.Validate(cfg); err != nil {
		return nil, err
	}

	bootLoader, err := d.bootLoader(cfg)
	if err != nil {
		return nil, err
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(cfg.CPUCount),
		uint64(cfg.MemoryMB)*1024*1024,
	)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create VM config: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create platform config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	h := &vzHandle{runHandle: newRunHandle(uuid.NewString())}
	if err := h.attachConsole(vmCfg); err != nil {
		return nil, err
	}
	if err := configureNetwork(vmCfg); err != nil {
		h.closeConsole()
		return nil, err
	}
	if err := configureStorage(vmCfg, cfg.Drives); err != nil {
		h.closeConsole()
		return nil, err
	}
	if err := configureShares(vmCfg, cfg.SharedDirectories); err != nil {
		h.closeConsole()
		return nil, err
	}
	if err := configureDevices(vmCfg, cfg); err != nil {
		h.closeConsole()
		return nil, err
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		h.closeConsole()
		return nil, fmt.Errorf("vzDriver: invalid configuration: %w", err)
	}

	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		h.closeConsole()
		return nil, fmt.Errorf("vzDriver: create VM: %w", err)
	}
	h.vm = vm

	if err := vm.Start(); err != nil {
		h.closeConsole()
		return nil, fmt.Errorf("vzDriver: start VM: %w", err)
	}

	go h.monitor()
	return h, nil
}

// monitor watches engine state changes until the guest stops.
func (h *vzHandle) monitor() {
	for state := range h.vm.StateChangedNotify() {
		switch state {
		case vz.VirtualMachineStateStopped:
			h.mu.Lock()
			resetting := h.resetting
			h.mu.Unlock()
			if resetting {
				continue
			}
			h.closeConsole()
			h.finish(nil)
			return
		case vz.VirtualMachineStateError:
			h.closeConsole()
			h.finish(ErrGuestCrashed)
			return
		}
	}
}

func (d *vzDriver) bootLoader(cfg *vmconfig.Configuration) (vz.BootLoader, error) {
	if cfg.Boot.Kernel != "" {
		var opts []vz.LinuxBootLoaderOption
		if cfg.Boot.Cmdline != "" {
			opts = append(opts, vz.WithCommandLine(cfg.Boot.Cmdline))
		}
		if cfg.Boot.Initrd != "" {
			opts = append(opts, vz.WithInitrd(cfg.Boot.Initrd))
		}
		bl, err := vz.NewLinuxBootLoader(cfg.Boot.Kernel, opts...)
		if err != nil {
			return nil, fmt.Errorf("vzDriver: create boot loader: %w", err)
		}
		return bl, nil
	}

	dir := filepath.Join(d.opts.StateDir, cfg.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("vzDriver: create state dir: %w", err)
	}
	storePath := filepath.Join(dir, "efi-vars.fd")
	var store *vz.EFIVariableStore
	var err error
	if _, statErr := os.Stat(storePath); statErr == nil {
		store, err = vz.NewEFIVariableStore(storePath)
	} else {
		store, err = vz.NewEFIVariableStore(storePath, vz.WithCreatingEFIVariableStore())
	}
	if err != nil {
		return nil, fmt.Errorf("vzDriver: EFI variable store: %w", err)
	}
	bl, err := vz.NewEFIBootLoader(vz.WithEFIVariableStore(store))
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create EFI boot loader: %w", err)
	}
	return bl, nil
}

func (h *vzHandle) attachConsole(vmCfg *vz.VirtualMachineConfiguration) error {
	// inputReader is read by the VM (we write to inputWriter);
	// outputWriter is written by the VM (we read from outputReader).
	inputReader, inputWriter, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("vzDriver: create input pipe: %w", err)
	}
	outputReader, outputWriter, err := os.Pipe()
	if err != nil {
		inputReader.Close()
		inputWriter.Close()
		return fmt.Errorf("vzDriver: create output pipe: %w", err)
	}
	h.inputWriter = inputWriter
	h.outputReader = outputReader

	attachment, err := vz.NewFileHandleSerialPortAttachment(inputReader, outputWriter)
	if err != nil {
		return fmt.Errorf("vzDriver: create serial attachment: %w", err)
	}
	serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(attachment)
	if err != nil {
		return fmt.Errorf("vzDriver: create serial config: %w", err)
	}
	vmCfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{
		serialCfg,
	})
	return nil
}

func (h *vzHandle) closeConsole() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inputWriter != nil {
		h.inputWriter.Close()
		h.inputWriter = nil
	}
	if h.outputReader != nil {
		h.outputReader.Close()
		h.outputReader = nil
	}
}

func configureNetwork(vmCfg *vz.VirtualMachineConfiguration) error {
	natAttachment, err := vz.NewNATNetworkDeviceAttachment()
	if err != nil {
		return fmt.Errorf("vzDriver: create NAT attachment: %w", err)
	}
	netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
	if err != nil {
		return fmt.Errorf("vzDriver: create network config: %w", err)
	}
	macAddr, err := vz.NewRandomLocallyAdministeredMACAddress()
	if err != nil {
		return fmt.Errorf("vzDriver: generate random MAC: %w", err)
	}
	netConfig.SetMACAddress(macAddr)
	vmCfg.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{netConfig})
	return nil
}

func configureStorage(vmCfg *vz.VirtualMachineConfiguration, drives []vmconfig.Drive) error {
	var devices []vz.StorageDeviceConfiguration
	for _, drive := range drives {
		if !drive.HasMedia() {
			continue
		}
		attachment, err := vz.NewDiskImageStorageDeviceAttachment(drive.ImagePath, drive.ReadOnly)
		if err != nil {
			return fmt.Errorf("vzDriver: attach drive %d: %w", drive.Index, err)
		}
		if drive.Interface == vmconfig.InterfaceUSB {
			usb, err := vz.NewUSBMassStorageDeviceConfiguration(attachment)
			if err != nil {
				return fmt.Errorf("vzDriver: create usb drive %d: %w", drive.Index, err)
			}
			devices = append(devices, usb)
			continue
		}
		block, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vzDriver: create block device %d: %w", drive.Index, err)
		}
		devices = append(devices, block)
	}
	vmCfg.SetStorageDevicesVirtualMachineConfiguration(devices)
	return nil
}

func configureShares(vmCfg *vz.VirtualMachineConfiguration, shares []vmconfig.SharedDirectory) error {
	if len(shares) == 0 {
		return nil
	}
	var fsDevices []vz.DirectorySharingDeviceConfiguration
	for _, s := range shares {
		tag := s.MountTag()
		sharedDir, err := vz.NewSharedDirectory(s.Path, s.ReadOnly)
		if err != nil {
			return fmt.Errorf("vzDriver: create shared dir %s: %w", tag, err)
		}
		dirShare, err := vz.NewSingleDirectoryShare(sharedDir)
		if err != nil {
			return fmt.Errorf("vzDriver: create dir share %s: %w", tag, err)
		}
		fsConfig, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
		if err != nil {
			return fmt.Errorf("vzDriver: create fs config %s: %w", tag, err)
		}
		fsConfig.SetDirectoryShare(dirShare)
		fsDevices = append(fsDevices, fsConfig)
	}
	vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration(fsDevices)
	return nil
}

// configureDevices wires the optional devices selected by the Apple flags.
func configureDevices(vmCfg *vz.VirtualMachineConfiguration, cfg *vmconfig.Configuration) error {
	s := cfg.Apple

	if s.Entropy {
		entropy, err := vz.NewVirtioEntropyDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzDriver: create entropy device: %w", err)
		}
		vmCfg.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropy})
	}

	if s.Balloon {
		balloon, err := vz.NewVirtioTraditionalMemoryBalloonDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzDriver: create balloon device: %w", err)
		}
		vmCfg.SetMemoryBalloonDevicesVirtualMachineConfiguration([]vz.MemoryBalloonDeviceConfiguration{balloon})
	}

	if s.Audio {
		sound, err := vz.NewVirtioSoundDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzDriver: create sound device: %w", err)
		}
		output, err := vz.NewVirtioSoundDeviceHostOutputStreamConfiguration()
		if err != nil {
			return fmt.Errorf("vzDriver: create sound output: %w", err)
		}
		sound.SetStreams(output)
		vmCfg.SetAudioDevicesVirtualMachineConfiguration([]vz.AudioDeviceConfiguration{sound})
	}

	if s.Keyboard {
		keyboard, err := vz.NewUSBKeyboardConfiguration()
		if err != nil {
			return fmt.Errorf("vzDriver: create keyboard: %w", err)
		}
		vmCfg.SetKeyboardsVirtualMachineConfiguration([]vz.KeyboardConfiguration{keyboard})
	}

	if s.Pointing {
		pointer, err := vz.NewUSBScreenCoordinatePointingDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzDriver: create pointing device: %w", err)
		}
		vmCfg.SetPointingDevicesVirtualMachineConfiguration([]vz.PointingDeviceConfiguration{pointer})
	}

	if s.ConsoleDisplay || len(cfg.Displays) == 0 {
		return nil
	}
	graphics, err := vz.NewVirtioGraphicsDeviceConfiguration()
	if err != nil {
		return fmt.Errorf("vzDriver: create graphics device: %w", err)
	}
	var scanouts []*vz.VirtioGraphicsScanoutConfiguration
	for _, display := range cfg.Displays {
		scanout, err := vz.NewVirtioGraphicsScanoutConfiguration(int64(display.Width), int64(display.Height))
		if err != nil {
			return fmt.Errorf("vzDriver: create scanout: %w", err)
		}
		scanouts = append(scanouts, scanout)
	}
	graphics.SetScanouts(scanouts...)
	vmCfg.SetGraphicsDevicesVirtualMachineConfiguration([]vz.GraphicsDeviceConfiguration{graphics})
	return nil
}

func (d *vzDriver) handle(h Handle) (*vzHandle, error) {
	vh, ok := h.(*vzHandle)
	if !ok || vh == nil {
		return nil, ErrForeignHandle
	}
	if vh.hasExited() {
		return nil, ErrNotRunning
	}
	return vh, nil
}

func (d *vzDriver) Terminate(ctx context.Context, h Handle, force bool) (bool, error) {
	vh, err := d.handle(h)
	if err != nil {
		return false, err
	}

	if force {
		if err := vh.vm.Stop(); err != nil {
			return false, fmt.Errorf("vzDriver: force stop: %w", err)
		}
		vh.waitExit(ctx, d.opts.grace())
		return true, nil
	}

	ok, err := vh.vm.RequestStop()
	if err != nil {
		return false, fmt.Errorf("vzDriver: request stop: %w", err)
	}
	if !ok {
		return false, nil
	}
	return vh.waitExit(ctx, d.opts.grace()), nil
}

func (d *vzDriver) Pause(ctx context.Context, h Handle) error {
	vh, err := d.handle(h)
	if err != nil {
		return err
	}
	if err := vh.vm.Pause(); err != nil {
		return fmt.Errorf("vzDriver: pause: %w", err)
	}
	return nil
}

func (d *vzDriver) Resume(ctx context.Context, h Handle) error {
	vh, err := d.handle(h)
	if err != nil {
		return err
	}
	if err := vh.vm.Resume(); err != nil {
		return fmt.Errorf("vzDriver: resume: %w", err)
	}
	return nil
}

// Reset stops the guest and boots it again on the same configuration.
func (d *vzDriver) Reset(ctx context.Context, h Handle) error {
	vh, err := d.handle(h)
	if err != nil {
		return err
	}
	vh.mu.Lock()
	vh.resetting = true
	vh.mu.Unlock()
	defer func() {
		vh.mu.Lock()
		vh.resetting = false
		vh.mu.Unlock()
	}()

	if err := vh.vm.Stop(); err != nil {
		return fmt.Errorf("vzDriver: reset stop: %w", err)
	}
	if err := vh.vm.Start(); err != nil {
		return fmt.Errorf("vzDriver: reset start: %w", err)
	}
	return nil
}

func (d *vzDriver) AttachDrive(ctx context.Context, h Handle, drive vmconfig.Drive) error {
	return ErrHotPlugUnsupported
}

func (d *vzDriver) DetachDrive(ctx context.Context, h Handle, drive vmconfig.Drive) error {
	return ErrHotPlugUnsupported
}

// MediumInUse always reports false: the framework exposes no guest mount state.
func (d *vzDriver) MediumInUse(ctx context.Context, h Handle, drive vmconfig.Drive) (bool, error) {
	if _, err := d.handle(h); err != nil {
		return false, err
	}
	return false, nil
}

func (d *vzDriver) Console(h Handle) (io.Writer, io.Reader, error) {
	vh, err := d.handle(h)
	if err != nil {
		return nil, nil, err
	}
	vh.mu.Lock()
	defer vh.mu.Unlock()
	if vh.inputWriter == nil || vh.outputReader == nil {
		return nil, nil, fmt.Errorf("vzDriver: console not initialized")
	}
	return vh.inputWriter, vh.outputReader, nil
}

// SendText writes text to the guest serial console.
func (d *vzDriver) SendText(ctx context.Context, h Handle, text string) error {
	in, _, err := d.Console(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(in, text); err != nil {
		return fmt.Errorf("vzDriver: send text: %w", err)
	}
	return nil
}

func (d *vzDriver) Close() error { return nil }
