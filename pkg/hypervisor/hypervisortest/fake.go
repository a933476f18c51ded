// Package hypervisortest provides a programmable in-memory hypervisor.Driver
// for tests of code that drives machine lifecycles.
package hypervisortest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// AllCapabilities enables every driver feature.
var AllCapabilities = hypervisor.Capabilities{
	Pause:         true,
	Reset:         true,
	GracefulStop:  true,
	HotPlugDrives: true,
	SharedDirs:    true,
	Console:       true,
	Graphics:      true,
}

// Fake is a hypervisor.Driver whose outcomes are set by the test.
// The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	Caps   hypervisor.Capabilities
	Engine vmconfig.EngineKind

	// Injected failures, returned by the matching operation when set.
	ValidateErr  error
	LaunchErr    error
	TerminateErr error
	PauseErr     error
	ResumeErr    error
	ResetErr     error
	AttachErr    error
	DetachErr    error
	SendTextErr  error
	ClickErr     error

	// Refuse makes a non-forced Terminate report that the guest declined.
	Refuse bool

	// InUse marks drive indexes whose medium the guest holds.
	InUse map[int]bool

	// Gate, when non-nil, blocks every state-changing operation until a
	// value is received or the channel is closed.
	Gate chan struct{}

	// Entered, when non-nil, receives each operation name as it starts.
	// Sends never block.
	Entered chan string

	calls   []string
	typed   []string
	clicks  [][2]int
	handles []*Handle
	seq     int
}

// New returns a Fake for kind with every capability enabled.
func New(kind vmconfig.EngineKind) *Fake {
	return &Fake{
		Caps:   AllCapabilities,
		Engine: kind,
		InUse:  make(map[int]bool),
	}
}

// Handle is the guest handle issued by Fake.
type Handle struct {
	id      string
	done    chan error
	once    sync.Once
	console bytes.Buffer
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Done() <-chan error { return h.done }

// Exit simulates the guest exiting on its own with err.
func (h *Handle) Exit(err error) {
	h.once.Do(func() {
		h.done <- err
		close(h.done)
	})
}

// Calls returns the operations performed so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Typed returns the text sent with SendText.
func (f *Fake) Typed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.typed...)
}

// Clicks returns the coordinates passed to Click.
func (f *Fake) Clicks() [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int(nil), f.clicks...)
}

// LastHandle returns the most recently launched handle, or nil.
func (f *Fake) LastHandle() *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

// SetErr sets an injected failure under the Fake's lock.
func (f *Fake) SetErr(target *error, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*target = err
}

// SetInUse marks a drive's medium as held by the guest.
func (f *Fake) SetInUse(index int, inUse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InUse[index] = inUse
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	gate, entered := f.Gate, f.Entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- op:
		default:
		}
	}
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) injected(err *error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *err
}

func (f *Fake) handle(h hypervisor.Handle) (*Handle, error) {
	fh, ok := h.(*Handle)
	if !ok || fh == nil {
		return nil, hypervisor.ErrForeignHandle
	}
	return fh, nil
}

func (f *Fake) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Engine: f.Engine, Version: "test"}
}

func (f *Fake) Capabilities() hypervisor.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Caps
}

func (f *Fake) Validate(cfg *vmconfig.Configuration) error {
	if err := f.injected(&f.ValidateErr); err != nil {
		return err
	}
	if cfg.Kind != f.Engine {
		return hypervisor.ErrEngineMismatch
	}
	return nil
}

func (f *Fake) Launch(ctx context.Context, cfg *vmconfig.Configuration) (hypervisor.Handle, error) {
	if err := f.enter(ctx, "launch"); err != nil {
		return nil, err
	}
	if err := f.Validate(cfg); err != nil {
		return nil, err
	}
	if err := f.injected(&f.LaunchErr); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	h := &Handle{id: fmt.Sprintf("fake-%d", f.seq), done: make(chan error, 1)}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *Fake) Terminate(ctx context.Context, h hypervisor.Handle, force bool) (bool, error) {
	op := "terminate"
	if force {
		op = "terminate-force"
	}
	if err := f.enter(ctx, op); err != nil {
		return false, err
	}
	fh, err := f.handle(h)
	if err != nil {
		return false, err
	}
	if err := f.injected(&f.TerminateErr); err != nil {
		return false, err
	}
	f.mu.Lock()
	refuse := f.Refuse
	f.mu.Unlock()
	if !force && refuse {
		return false, nil
	}
	fh.Exit(nil)
	return true, nil
}

func (f *Fake) Pause(ctx context.Context, h hypervisor.Handle) error {
	if err := f.enter(ctx, "pause"); err != nil {
		return err
	}
	if _, err := f.handle(h); err != nil {
		return err
	}
	return f.injected(&f.PauseErr)
}

func (f *Fake) Resume(ctx context.Context, h hypervisor.Handle) error {
	if err := f.enter(ctx, "resume"); err != nil {
		return err
	}
	if _, err := f.handle(h); err != nil {
		return err
	}
	return f.injected(&f.ResumeErr)
}

func (f *Fake) Reset(ctx context.Context, h hypervisor.Handle) error {
	if err := f.enter(ctx, "reset"); err != nil {
		return err
	}
	if _, err := f.handle(h); err != nil {
		return err
	}
	return f.injected(&f.ResetErr)
}

func (f *Fake) AttachDrive(ctx context.Context, h hypervisor.Handle, d vmconfig.Drive) error {
	if err := f.enter(ctx, fmt.Sprintf("attach:%d", d.Index)); err != nil {
		return err
	}
	if _, err := f.handle(h); err != nil {
		return err
	}
	return f.injected(&f.AttachErr)
}

func (f *Fake) DetachDrive(ctx context.Context, h hypervisor.Handle, d vmconfig.Drive) error {
	if err := f.enter(ctx, fmt.Sprintf("detach:%d", d.Index)); err != nil {
		return err
	}
	if _, err := f.handle(h); err != nil {
		return err
	}
	return f.injected(&f.DetachErr)
}

func (f *Fake) MediumInUse(ctx context.Context, h hypervisor.Handle, d vmconfig.Drive) (bool, error) {
	if _, err := f.handle(h); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.InUse[d.Index], nil
}

func (f *Fake) Console(h hypervisor.Handle) (io.Writer, io.Reader, error) {
	fh, err := f.handle(h)
	if err != nil {
		return nil, nil, err
	}
	return &fh.console, bytes.NewReader(nil), nil
}

func (f *Fake) SendText(ctx context.Context, h hypervisor.Handle, text string) error {
	if err := f.enter(ctx, "send-text"); err != nil {
		return err
	}
	if _, err := f.handle(h); err != nil {
		return err
	}
	if err := f.injected(&f.SendTextErr); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, text)
	return nil
}

func (f *Fake) Click(ctx context.Context, h hypervisor.Handle, x, y int, button hypervisor.MouseButton) error {
	if err := f.enter(ctx, "click"); err != nil {
		return err
	}
	if _, err := f.handle(h); err != nil {
		return err
	}
	if err := f.injected(&f.ClickErr); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, [2]int{x, y})
	return nil
}

func (f *Fake) ShareDirectory(ctx context.Context, h hypervisor.Handle, dir vmconfig.SharedDirectory) error {
	if err := f.enter(ctx, "share:"+dir.Path); err != nil {
		return err
	}
	_, err := f.handle(h)
	return err
}

func (f *Fake) UnshareDirectory(ctx context.Context, h hypervisor.Handle, dir vmconfig.SharedDirectory) error {
	if err := f.enter(ctx, "unshare:"+dir.Path); err != nil {
		return err
	}
	_, err := f.handle(h)
	return err
}

func (f *Fake) Close() error { return nil }

var (
	_ hypervisor.Driver          = (*Fake)(nil)
	_ hypervisor.TextSender      = (*Fake)(nil)
	_ hypervisor.PointerInput    = (*Fake)(nil)
	_ hypervisor.DirectorySharer = (*Fake)(nil)
)
