package hypervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

const (
	// libvirt flag values, kept untyped so they fit every generated signature.
	deviceModifyLive  = 1
	monitorCommandHMP = 1
	keycodeSetLinux   = 0

	libvirtPollInterval = 500 * time.Millisecond
)

// LibvirtDriver runs QEMU guests as transient libvirt domains through the
// daemon's Unix socket.
type LibvirtDriver struct {
	opts Options
	l    *libvirt.Libvirt

	mu      sync.Mutex
	version string
}

type libvirtHandle struct {
	*runHandle
	dom      libvirt.Domain
	stop     chan struct{}
	stopOnce sync.Once

	consoleOnce sync.Once
	consoleIn   io.Writer
	consoleOut  io.Reader
	consoleErr  error
}

// NewLibvirtDriver dials the libvirt socket in opts and performs the
// connect handshake.
func NewLibvirtDriver(opts Options) (*LibvirtDriver, error) {
	if opts.LibvirtSocket == "" {
		return nil, fmt.Errorf("libvirt socket path must not be empty")
	}
	conn, err := net.Dial("unix", opts.LibvirtSocket)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %q: %w", opts.LibvirtSocket, err)
	}
	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("libvirt connect: %w", err)
	}
	d := &LibvirtDriver{opts: opts, l: l}
	if v, err := l.ConnectGetLibVersion(); err == nil {
		d.version = fmt.Sprintf("%d.%d.%d", v/1000000, (v/1000)%1000, v%1000)
	}
	return d, nil
}

func (d *LibvirtDriver) Info() Info {
	return Info{
		Name:    "libvirt",
		Engine:  vmconfig.EngineQEMU,
		Version: d.version,
		Arch:    runtime.GOARCH,
	}
}

func (d *LibvirtDriver) Capabilities() Capabilities {
	return Capabilities{
		Pause:         true,
		Reset:         true,
		GracefulStop:  true,
		HotPlugDrives: true,
		SharedDirs:    true,
		Console:       true,
		Graphics:      true,
	}
}

func (d *LibvirtDriver) Validate(cfg *vmconfig.Configuration) error {
	if err := checkKind(cfg, vmconfig.EngineQEMU); err != nil {
		return err
	}
	if cfg.Boot.OperatingSystem == vmconfig.OSMacOS {
		return fmt.Errorf("%w: %s", ErrUnsupportedGuest, cfg.Boot.OperatingSystem)
	}
	if cfg.Boot.OperatingSystem == vmconfig.OSLinux && cfg.Boot.Kernel == "" && len(cfg.Drives) == 0 {
		return ErrMissingKernel
	}
	return nil
}

func (d *LibvirtDriver) Launch(ctx context.Context, cfg *vmconfig.Configuration) (Handle, error) {
	if err := d.Validate(cfg); err != nil {
		return nil, err
	}
	log := d.opts.logger().WithField("machine", cfg.Name)

	domainXML, err := DomainXML(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.QEMU.DebugLog {
		log.WithField("xml", domainXML).Debug("creating libvirt domain")
	}

	dom, err := d.l.DomainCreateXML(domainXML, 0)
	if err != nil {
		return nil, fmt.Errorf("create domain %s: %w", DomainName(cfg.Name), err)
	}

	h := &libvirtHandle{
		runHandle: newRunHandle(fmt.Sprintf("%x", dom.UUID)),
		dom:       dom,
		stop:      make(chan struct{}),
	}
	go d.watch(h)

	log.WithField("domain", dom.Name).Info("libvirt domain started")
	return h, nil
}

// watch polls the domain state until it shuts off or disappears.
// Transient domains vanish from libvirt once they stop.
func (d *LibvirtDriver) watch(h *libvirtHandle) {
	ticker := time.NewTicker(libvirtPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			h.finish(nil)
			return
		case <-ticker.C:
		}
		state, _, err := d.l.DomainGetState(h.dom, 0)
		if err != nil {
			h.finish(nil)
			return
		}
		switch libvirt.DomainState(state) {
		case libvirt.DomainShutoff:
			h.finish(nil)
			return
		case libvirt.DomainCrashed:
			h.finish(ErrGuestCrashed)
			return
		}
	}
}

func (d *LibvirtDriver) handle(h Handle) (*libvirtHandle, error) {
	lh, ok := h.(*libvirtHandle)
	if !ok || lh == nil {
		return nil, ErrForeignHandle
	}
	if lh.hasExited() {
		return nil, ErrNotRunning
	}
	return lh, nil
}

func (d *LibvirtDriver) Terminate(ctx context.Context, h Handle, force bool) (bool, error) {
	lh, err := d.handle(h)
	if err != nil {
		return false, err
	}
	if force {
		if err := d.l.DomainDestroy(lh.dom); err != nil {
			return false, fmt.Errorf("destroy domain %s: %w", lh.dom.Name, err)
		}
		if !lh.waitExit(ctx, d.opts.grace()) {
			lh.stopOnce.Do(func() { close(lh.stop) })
			lh.waitExit(ctx, time.Second)
		}
		return true, nil
	}
	if err := d.l.DomainShutdown(lh.dom); err != nil {
		return false, fmt.Errorf("shutdown domain %s: %w", lh.dom.Name, err)
	}
	return lh.waitExit(ctx, d.opts.grace()), nil
}

func (d *LibvirtDriver) Pause(ctx context.Context, h Handle) error {
	lh, err := d.handle(h)
	if err != nil {
		return err
	}
	if err := d.l.DomainSuspend(lh.dom); err != nil {
		return fmt.Errorf("suspend domain %s: %w", lh.dom.Name, err)
	}
	return nil
}

func (d *LibvirtDriver) Resume(ctx context.Context, h Handle) error {
	lh, err := d.handle(h)
	if err != nil {
		return err
	}
	if err := d.l.DomainResume(lh.dom); err != nil {
		return fmt.Errorf("resume domain %s: %w", lh.dom.Name, err)
	}
	return nil
}

func (d *LibvirtDriver) Reset(ctx context.Context, h Handle) error {
	lh, err := d.handle(h)
	if err != nil {
		return err
	}
	if err := d.l.DomainReset(lh.dom, 0); err != nil {
		return fmt.Errorf("reset domain %s: %w", lh.dom.Name, err)
	}
	return nil
}

// AttachDrive inserts media into a removable drive, or hot-plugs a fixed one.
func (d *LibvirtDriver) AttachDrive(ctx context.Context, h Handle, drive vmconfig.Drive) error {
	lh, err := d.handle(h)
	if err != nil {
		return err
	}
	diskXML, err := DiskXML(drive)
	if err != nil {
		return err
	}
	if drive.Removable {
		err = d.l.DomainUpdateDeviceFlags(lh.dom, diskXML, deviceModifyLive)
	} else {
		err = d.l.DomainAttachDeviceFlags(lh.dom, diskXML, deviceModifyLive)
	}
	if err != nil {
		return fmt.Errorf("attach drive %d: %w", drive.Index, err)
	}
	return nil
}

// DetachDrive ejects a removable drive's media, or unplugs a fixed drive.
func (d *LibvirtDriver) DetachDrive(ctx context.Context, h Handle, drive vmconfig.Drive) error {
	lh, err := d.handle(h)
	if err != nil {
		return err
	}
	if drive.Removable {
		ejected := drive
		ejected.ImagePath = ""
		ejected.Status = vmconfig.DriveEjected
		diskXML, err := DiskXML(ejected)
		if err != nil {
			return err
		}
		if err := d.l.DomainUpdateDeviceFlags(lh.dom, diskXML, deviceModifyLive); err != nil {
			return fmt.Errorf("eject drive %d: %w", drive.Index, err)
		}
		return nil
	}
	diskXML, err := DiskXML(drive)
	if err != nil {
		return err
	}
	if err := d.l.DomainDetachDeviceFlags(lh.dom, diskXML, deviceModifyLive); err != nil {
		return fmt.Errorf("detach drive %d: %w", drive.Index, err)
	}
	return nil
}

// MediumInUse asks the QEMU monitor whether the guest locked the drive's tray.
func (d *LibvirtDriver) MediumInUse(ctx context.Context, h Handle, drive vmconfig.Drive) (bool, error) {
	lh, err := d.handle(h)
	if err != nil {
		return false, err
	}
	out, err := d.l.QEMUDomainMonitorCommand(lh.dom, "info block", monitorCommandHMP)
	if err != nil {
		return false, fmt.Errorf("query block devices: %w", err)
	}
	_, locked := mediumLocked(out, DriveAlias(drive))
	return locked, nil
}

// Console opens the domain's serial console on first use. libvirt streams
// console output only, so writes to the input side fail with
// ErrUnsupported.
func (d *LibvirtDriver) Console(h Handle) (io.Writer, io.Reader, error) {
	lh, err := d.handle(h)
	if err != nil {
		return nil, nil, err
	}
	lh.consoleOnce.Do(func() {
		outR, outW := io.Pipe()
		lh.consoleIn, lh.consoleOut = outputOnlyConsole{}, outR
		go func() {
			err := d.l.DomainOpenConsole(lh.dom, nil, outW, 0)
			outW.CloseWithError(err)
		}()
	})
	return lh.consoleIn, lh.consoleOut, lh.consoleErr
}

// outputOnlyConsole is the input side of a console that takes no input.
type outputOnlyConsole struct{}

func (outputOnlyConsole) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("console input: %w", ErrUnsupported)
}

// SendText types text through the guest keyboard.
func (d *LibvirtDriver) SendText(ctx context.Context, h Handle, text string) error {
	lh, err := d.handle(h)
	if err != nil {
		return err
	}
	for _, r := range text {
		if err := ctx.Err(); err != nil {
			return err
		}
		codes, err := keyCodes(r)
		if err != nil {
			return err
		}
		if err := d.l.DomainSendKey(lh.dom, keycodeSetLinux, 0, codes, 0); err != nil {
			return fmt.Errorf("send key %q: %w", r, err)
		}
	}
	return nil
}

// Click moves the tablet pointer to (x, y) and clicks button.
func (d *LibvirtDriver) Click(ctx context.Context, h Handle, x, y int, button MouseButton) error {
	lh, err := d.handle(h)
	if err != nil {
		return err
	}
	cmds := []string{
		fmt.Sprintf("mouse_move %d %d", x, y),
		fmt.Sprintf("mouse_button %d", mouseButtonMask(button)),
		"mouse_button 0",
	}
	for _, cmd := range cmds {
		if _, err := d.l.QEMUDomainMonitorCommand(lh.dom, cmd, monitorCommandHMP); err != nil {
			return fmt.Errorf("monitor %q: %w", cmd, err)
		}
	}
	return nil
}

func (d *LibvirtDriver) ShareDirectory(ctx context.Context, h Handle, dir vmconfig.SharedDirectory) error {
	lh, err := d.handle(h)
	if err != nil {
		return err
	}
	fsXML, err := FilesystemXML(dir)
	if err != nil {
		return err
	}
	if err := d.l.DomainAttachDeviceFlags(lh.dom, fsXML, deviceModifyLive); err != nil {
		return fmt.Errorf("share %s: %w", dir.Path, err)
	}
	return nil
}

func (d *LibvirtDriver) UnshareDirectory(ctx context.Context, h Handle, dir vmconfig.SharedDirectory) error {
	lh, err := d.handle(h)
	if err != nil {
		return err
	}
	fsXML, err := FilesystemXML(dir)
	if err != nil {
		return err
	}
	if err := d.l.DomainDetachDeviceFlags(lh.dom, fsXML, deviceModifyLive); err != nil {
		return fmt.Errorf("unshare %s: %w", dir.Path, err)
	}
	return nil
}

// Close disconnects from the libvirt daemon.
func (d *LibvirtDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.l.Disconnect(); err != nil {
		return fmt.Errorf("libvirt disconnect: %w", err)
	}
	return nil
}
