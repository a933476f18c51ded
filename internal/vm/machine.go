package vm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// MachineOptions holds the collaborators of a Machine. Every field is
// optional.
type MachineOptions struct {
	// ID defaults to a random UUID.
	ID string

	// Dir is the machine's data directory. New drive images are created here.
	Dir string

	Store   vmconfig.Store
	Records *StateFile
	Broker  *Broker
	Metrics *Metrics
	Logger  *logrus.Entry
}

// Machine is one virtual machine: a configuration, a lifecycle state and the
// engine handle of the running guest.
//
// State-changing operations are single-flight. A second operation started
// while one is in flight fails with ErrOperationInProgress instead of
// waiting. Operations that reach the engine return a channel that receives
// the outcome once the new state is committed.
type Machine struct {
	id      string
	dir     string
	driver  hypervisor.Driver
	store   vmconfig.Store
	records *StateFile
	broker  *Broker
	metrics *Metrics
	log     *logrus.Entry
	images  *ImageManager

	guard *semaphore.Weighted
	state atomic.Int32
	cfg   atomic.Pointer[vmconfig.Configuration]

	// mu guards the fields below and serializes commits.
	mu           sync.Mutex
	handle       hypervisor.Handle
	lastErr      error
	busyOpen     bool
	busyExternal bool
	busyPrior    State
	changed      chan struct{}
}

// NewMachine returns a stopped machine for cfg driven by driver.
func NewMachine(cfg *vmconfig.Configuration, driver hypervisor.Driver, opts MachineOptions) (*Machine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", vmconfig.ErrInvalidConfiguration)
	}
	if driver == nil {
		return nil, fmt.Errorf("vm: machine %q has no driver", cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Machine{
		id:      id,
		dir:     opts.Dir,
		driver:  driver,
		store:   opts.Store,
		records: opts.Records,
		broker:  opts.Broker,
		metrics: opts.Metrics,
		log:     log.WithFields(logrus.Fields{"machine": cfg.Name, "id": id}),
		guard:   semaphore.NewWeighted(1),
		changed: make(chan struct{}),
	}
	if opts.Dir != "" {
		m.images = NewImageManager(opts.Dir)
	}
	m.cfg.Store(cfg.Clone())
	m.state.Store(int32(StateStopped))
	return m, nil
}

// ID returns the machine's stable identifier.
func (m *Machine) ID() string { return m.id }

// Name returns the configured machine name.
func (m *Machine) Name() string { return m.cfg.Load().Name }

// Dir returns the machine's data directory, which may be empty.
func (m *Machine) Dir() string { return m.dir }

// State returns the last committed state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Configuration returns a copy of the last committed configuration.
func (m *Machine) Configuration() *vmconfig.Configuration {
	return m.cfg.Load().Clone()
}

// DriverInfo describes the engine running this machine.
func (m *Machine) DriverInfo() hypervisor.Info {
	return m.driver.Info()
}

// Capabilities reports what the machine's engine supports.
func (m *Machine) Capabilities() hypervisor.Capabilities {
	return m.driver.Capabilities()
}

// LastError returns the engine error that moved the machine to StateError.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// BootRecord returns the persisted boot and shutdown history.
func (m *Machine) BootRecord() (*BootRecord, error) {
	return m.records.Load()
}

// WaitFor blocks until the machine reaches one of states or ctx is done.
// It returns the state observed last.
func (m *Machine) WaitFor(ctx context.Context, states ...State) (State, error) {
	for {
		m.mu.Lock()
		changed := m.changed
		m.mu.Unlock()

		cur := m.State()
		for _, s := range states {
			if cur == s {
				return cur, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// Start boots the guest: Stopped, Starting, then Started. A launch failure
// moves the machine to StateError.
func (m *Machine) Start(ctx context.Context) (<-chan error, error) {
	if err := m.acquire("start"); err != nil {
		return nil, err
	}
	if !m.commit(StateStopped, StateStarting, nil, nil) {
		return nil, m.reject("start", m.State())
	}

	cfg := m.cfg.Load()
	done := make(chan error, 1)
	go func() {
		began := time.Now()
		h, err := m.driver.Launch(context.WithoutCancel(ctx), cfg)
		m.metrics.observe("start", began, err)
		if err != nil {
			err = fmt.Errorf("start: %w", err)
			m.fail(StateStarting, err)
			m.complete(done, err)
			return
		}

		m.commit(StateStarting, StateStarted, nil, func() {
			m.handle = h
			m.lastErr = nil
		})
		if err := m.records.RecordBoot(); err != nil {
			m.log.WithError(err).Warn("Failed to record boot")
		}
		go m.monitor(h)
		m.complete(done, nil)
	}()
	return done, nil
}

// RequestStop stops a started or paused guest. Without force the guest may
// decline, in which case the prior state is restored and the channel
// receives ErrStopRefused. A forced stop always ends in StateStopped; an
// engine error is logged and delivered on the channel.
func (m *Machine) RequestStop(ctx context.Context, force bool) (<-chan error, error) {
	if err := m.acquire("stop"); err != nil {
		return nil, err
	}
	prior := m.State()
	if prior != StateStarted && prior != StatePaused {
		return nil, m.reject("stop", prior)
	}
	if !m.commit(prior, StateStopping, nil, nil) {
		return nil, m.reject("stop", m.State())
	}

	h := m.currentHandle()
	done := make(chan error, 1)
	go func() {
		began := time.Now()
		stopped, err := m.driver.Terminate(context.WithoutCancel(ctx), h, force)
		m.metrics.observe("stop", began, err)

		switch {
		case force:
			if err != nil {
				err = fmt.Errorf("force stop: %w", err)
				m.log.WithError(err).Warn("Engine reported an error during forced stop")
			}
			m.commit(StateStopping, StateStopped, err, m.dropHandle(h))
			m.recordShutdown(err)
		case err != nil:
			err = fmt.Errorf("stop: %w", err)
			m.fail(StateStopping, err)
		case !stopped:
			m.log.Info("Guest declined to stop")
			m.commit(StateStopping, prior, nil, nil)
			err = ErrStopRefused
		default:
			m.commit(StateStopping, StateStopped, nil, m.dropHandle(h))
			m.recordShutdown(nil)
		}
		m.complete(done, err)
	}()
	return done, nil
}

// Pause suspends a started guest.
func (m *Machine) Pause(ctx context.Context) (<-chan error, error) {
	return m.suspendResume(ctx, "pause", StateStarted, StatePausing, StatePaused, m.driver.Pause)
}

// Resume continues a paused guest.
func (m *Machine) Resume(ctx context.Context) (<-chan error, error) {
	return m.suspendResume(ctx, "resume", StatePaused, StateResuming, StateStarted, m.driver.Resume)
}

func (m *Machine) suspendResume(ctx context.Context, op string, from, via, to State,
	call func(context.Context, hypervisor.Handle) error) (<-chan error, error) {
	if err := m.acquire(op); err != nil {
		return nil, err
	}
	if st := m.State(); st != from {
		return nil, m.reject(op, st)
	}
	if !m.driver.Capabilities().Pause {
		m.guard.Release(1)
		m.metrics.reject(op, "unsupported")
		return nil, fmt.Errorf("%s: %w", op, hypervisor.ErrUnsupported)
	}
	if !m.commit(from, via, nil, nil) {
		return nil, m.reject(op, m.State())
	}

	h := m.currentHandle()
	done := make(chan error, 1)
	go func() {
		began := time.Now()
		err := call(context.WithoutCancel(ctx), h)
		m.metrics.observe(op, began, err)
		if err != nil {
			err = fmt.Errorf("%s: %w", op, err)
			m.fail(via, err)
		} else {
			m.commit(via, to, nil, nil)
		}
		m.complete(done, err)
	}()
	return done, nil
}

// Reset restarts a started guest in place. The state stays Started unless
// the engine fails.
func (m *Machine) Reset(ctx context.Context) (<-chan error, error) {
	if err := m.acquire("reset"); err != nil {
		return nil, err
	}
	if st := m.State(); st != StateStarted {
		return nil, m.reject("reset", st)
	}
	if !m.driver.Capabilities().Reset {
		m.guard.Release(1)
		m.metrics.reject("reset", "unsupported")
		return nil, fmt.Errorf("reset: %w", hypervisor.ErrUnsupported)
	}

	h := m.currentHandle()
	done := make(chan error, 1)
	go func() {
		began := time.Now()
		err := m.driver.Reset(context.WithoutCancel(ctx), h)
		m.metrics.observe("reset", began, err)
		if err != nil {
			err = fmt.Errorf("reset: %w", err)
			m.fail(StateStarted, err)
		} else {
			m.log.Info("Guest reset")
		}
		m.complete(done, err)
	}()
	return done, nil
}

// EnterBusy takes exclusive ownership of the machine until ExitBusy. It is
// legal from a stable state and fails with ErrAlreadyBusy when a bracket
// is already open.
func (m *Machine) EnterBusy() error {
	m.mu.Lock()
	open := m.busyOpen
	m.mu.Unlock()
	if open {
		m.metrics.reject("busy", "already-busy")
		return ErrAlreadyBusy
	}
	if err := m.acquire("busy"); err != nil {
		return err
	}
	if err := m.beginBusy("enter busy", true); err != nil {
		m.guard.Release(1)
		return err
	}
	return nil
}

// ExitBusy closes the bracket opened by EnterBusy and restores the prior
// state.
func (m *Machine) ExitBusy() error {
	m.mu.Lock()
	external := m.busyOpen && m.busyExternal
	m.mu.Unlock()
	if !external {
		return ErrNotBusy
	}
	m.endBusy()
	m.guard.Release(1)
	return nil
}

// RunExclusive runs fn inside a busy bracket. The channel receives fn's
// result after the prior state is restored.
func (m *Machine) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) (<-chan error, error) {
	m.mu.Lock()
	open := m.busyOpen
	m.mu.Unlock()
	if open {
		m.metrics.reject("exclusive", "already-busy")
		return nil, ErrAlreadyBusy
	}
	if err := m.acquire("exclusive"); err != nil {
		return nil, err
	}
	if err := m.beginBusy("run exclusive", false); err != nil {
		m.guard.Release(1)
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		err := fn(ctx)
		m.endBusy()
		m.complete(done, err)
	}()
	return done, nil
}

// ClearError acknowledges an engine failure and returns the machine from
// StateError to StateStopped.
func (m *Machine) ClearError() error {
	if err := m.acquire("clear-error"); err != nil {
		return err
	}
	defer m.guard.Release(1)

	ok := m.commit(StateError, StateStopped, nil, func() {
		m.handle = nil
		m.lastErr = nil
	})
	if !ok {
		st := m.State()
		m.metrics.reject("clear-error", "invalid-state")
		return &TransitionError{Op: "clear error", State: st}
	}
	return nil
}

// Configure edits the configuration of a stopped machine. fn works on a
// copy; nothing is committed if it or validation fails.
func (m *Machine) Configure(fn func(cfg *vmconfig.Configuration) error) error {
	if err := m.acquire("configure"); err != nil {
		return err
	}
	defer m.guard.Release(1)

	if st := m.State(); st != StateStopped {
		m.metrics.reject("configure", "invalid-state")
		return &TransitionError{Op: "configure", State: st}
	}
	next := m.cfg.Load().Clone()
	if err := fn(next); err != nil {
		return err
	}
	return m.save(next)
}

// Console returns the serial console streams of a running guest.
func (m *Machine) Console() (io.Writer, io.Reader, error) {
	st := m.State()
	if st != StateStarted && st != StatePaused {
		return nil, nil, &TransitionError{Op: "open console", State: st}
	}
	h := m.currentHandle()
	if h == nil {
		return nil, nil, hypervisor.ErrNotRunning
	}
	return m.driver.Console(h)
}

// SendText types text into a started guest.
func (m *Machine) SendText(ctx context.Context, text string) error {
	sender, ok := m.driver.(hypervisor.TextSender)
	if !ok {
		return fmt.Errorf("send text: %w", hypervisor.ErrUnsupported)
	}
	h, err := m.startedHandle("send text")
	if err != nil {
		return err
	}
	return sender.SendText(ctx, h, text)
}

// Click injects a pointer click at x, y in a started guest.
func (m *Machine) Click(ctx context.Context, x, y int, button hypervisor.MouseButton) error {
	pointer, ok := m.driver.(hypervisor.PointerInput)
	if !ok {
		return fmt.Errorf("click: %w", hypervisor.ErrUnsupported)
	}
	h, err := m.startedHandle("click")
	if err != nil {
		return err
	}
	return pointer.Click(ctx, h, x, y, button)
}

func (m *Machine) startedHandle(op string) (hypervisor.Handle, error) {
	if st := m.State(); st != StateStarted {
		return nil, &TransitionError{Op: op, State: st}
	}
	h := m.currentHandle()
	if h == nil {
		return nil, hypervisor.ErrNotRunning
	}
	return h, nil
}

// monitor commits the guest exiting on its own. Exits observed during a
// stop, or for a handle that is no longer current, are left to whoever
// owns the transition.
func (m *Machine) monitor(h hypervisor.Handle) {
	err, _ := <-h.Done()

	for {
		cur := m.State()
		if cur == StateStopping || cur.Terminal() {
			return
		}
		if m.currentHandle() != h {
			return
		}

		to := StateStopped
		if err != nil {
			to = StateError
		}
		ok := m.commit(cur, to, err, func() {
			m.handle = nil
			if err != nil {
				m.lastErr = err
			}
		})
		if ok {
			if err != nil {
				m.log.WithError(err).Error("Guest exited with error")
			} else {
				m.log.Info("Guest exited")
			}
			m.recordShutdown(err)
			return
		}
	}
}

func (m *Machine) currentHandle() hypervisor.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// dropHandle returns a commit hook that forgets h if it is still current.
func (m *Machine) dropHandle(h hypervisor.Handle) func() {
	return func() {
		if m.handle == h {
			m.handle = nil
		}
	}
}

func (m *Machine) recordShutdown(cause error) {
	if err := m.records.RecordShutdown(cause); err != nil {
		m.log.WithError(err).Warn("Failed to record shutdown")
	}
}

// acquire takes the single-flight guard without waiting.
func (m *Machine) acquire(op string) error {
	if !m.guard.TryAcquire(1) {
		m.metrics.reject(op, "in-progress")
		m.log.WithField("op", op).Debug("Operation rejected: another operation is in progress")
		return ErrOperationInProgress
	}
	return nil
}

// reject releases the guard and reports op as illegal in st.
func (m *Machine) reject(op string, st State) error {
	m.guard.Release(1)
	m.metrics.reject(op, "invalid-state")
	m.log.WithFields(logrus.Fields{"op": op, "state": st}).Debug("Operation rejected")
	return &TransitionError{Op: op, State: st}
}

// complete releases the guard and then delivers err.
func (m *Machine) complete(done chan<- error, err error) {
	m.guard.Release(1)
	done <- err
	close(done)
}

// fail moves the machine from from to StateError and records err.
func (m *Machine) fail(from State, err error) {
	m.log.WithError(err).Error("Engine operation failed")
	m.commit(from, StateError, err, func() {
		m.lastErr = err
	})
}

// commit moves the state from from to to. apply runs under mu before the
// change is visible to waiters. Subscribers are notified only when the
// transition happened.
func (m *Machine) commit(from, to State, cause error, apply func()) bool {
	m.mu.Lock()
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		m.mu.Unlock()
		return false
	}
	if apply != nil {
		apply()
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	m.metrics.transition(from, to)
	m.log.WithFields(logrus.Fields{"from": from, "to": to}).Info("State changed")
	m.broker.Publish(Event{
		MachineID: m.id,
		Name:      m.Name(),
		Old:       from,
		New:       to,
		Err:       cause,
		Time:      time.Now(),
	})
	return true
}

// beginBusy moves a stable machine to StateBusy. The caller holds the guard.
func (m *Machine) beginBusy(op string, external bool) error {
	prior := m.State()
	if !prior.Stable() {
		return m.busyRejected(op, prior)
	}
	ok := m.commit(prior, StateBusy, nil, func() {
		m.busyOpen = true
		m.busyExternal = external
		m.busyPrior = prior
	})
	if !ok {
		return m.busyRejected(op, m.State())
	}
	return nil
}

func (m *Machine) busyRejected(op string, st State) error {
	m.metrics.reject(op, "invalid-state")
	return &TransitionError{Op: op, State: st}
}

// endBusy restores the state recorded by beginBusy. If the guest exited
// meanwhile the exit state is kept.
func (m *Machine) endBusy() {
	m.mu.Lock()
	prior := m.busyPrior
	m.mu.Unlock()

	m.commit(StateBusy, prior, nil, nil)

	m.mu.Lock()
	m.busyOpen = false
	m.busyExternal = false
	m.mu.Unlock()
}

// save validates, persists and publishes cfg as the committed
// configuration.
func (m *Machine) save(cfg *vmconfig.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.Save(cfg); err != nil {
			return fmt.Errorf("save configuration: %w", err)
		}
	}
	m.cfg.Store(cfg)
	return nil
}
