package vm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/hypervisor/hypervisortest"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

const testTimeout = 5 * time.Second

// testConfig is a Linux QEMU machine with a fixed disk at index 0 and an
// installer in a removable drive at index 1.
func testConfig(name string) *vmconfig.Configuration {
	cfg := vmconfig.New(name, vmconfig.EngineQEMU)
	cfg.QEMU.Architecture = "x86_64"
	cfg.Boot.OperatingSystem = vmconfig.OSLinux
	cfg.AddDrive(vmconfig.NewFixedDrive("/images/root.img", vmconfig.InterfaceVirtIO))
	cfg.AddDrive(vmconfig.NewRemovableDrive("/images/install.iso", vmconfig.InterfaceUSB))
	return cfg
}

type machineFixture struct {
	m     *Machine
	fake  *hypervisortest.Fake
	dir   string
	store *vmconfig.FileStore
}

func newFixture(t *testing.T) *machineFixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, broker *Broker) *machineFixture {
	t.Helper()

	dir := t.TempDir()
	fake := hypervisortest.New(vmconfig.EngineQEMU)
	store := vmconfig.NewFileStore(filepath.Join(dir, "config.yaml"))
	cfg := testConfig("test")
	require.NoError(t, store.Save(cfg))

	logger, _ := logtest.NewNullLogger()
	m, err := NewMachine(cfg, fake, MachineOptions{
		ID:      "machine-1",
		Dir:     dir,
		Store:   store,
		Records: NewStateFile(dir),
		Broker:  broker,
		Logger:  logrus.NewEntry(logger),
	})
	require.NoError(t, err)
	return &machineFixture{m: m, fake: fake, dir: dir, store: store}
}

// await returns the outcome delivered on done.
func await(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("operation did not complete")
		return nil
	}
}

// run performs op and requires it to be accepted and to succeed.
func run(t *testing.T, op func() (<-chan error, error)) {
	t.Helper()
	done, err := op()
	require.NoError(t, err)
	require.NoError(t, await(t, done))
}

func (f *machineFixture) start(t *testing.T) {
	t.Helper()
	run(t, func() (<-chan error, error) { return f.m.Start(context.Background()) })
	require.Equal(t, StateStarted, f.m.State())
}

func (f *machineFixture) pause(t *testing.T) {
	t.Helper()
	run(t, func() (<-chan error, error) { return f.m.Pause(context.Background()) })
	require.Equal(t, StatePaused, f.m.State())
}

func (f *machineFixture) waitFor(t *testing.T, states ...State) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	st, err := f.m.WaitFor(ctx, states...)
	require.NoError(t, err, "machine stuck in %s", st)
	return st
}

func TestNewMachineDefaults(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "machine-1", f.m.ID())
	assert.Equal(t, "test", f.m.Name())
	assert.Equal(t, StateStopped, f.m.State())
	assert.NoError(t, f.m.LastError())
	assert.Equal(t, "fake", f.m.DriverInfo().Name)
}

func TestNewMachineRejectsInvalidConfiguration(t *testing.T) {
	cfg := testConfig("")
	_, err := NewMachine(cfg, hypervisortest.New(vmconfig.EngineQEMU), MachineOptions{})
	assert.ErrorIs(t, err, vmconfig.ErrInvalidConfiguration)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	rec, err := f.m.BootRecord()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.BootCount)

	run(t, func() (<-chan error, error) { return f.m.RequestStop(context.Background(), false) })
	assert.Equal(t, StateStopped, f.m.State())
	assert.Equal(t, []string{"launch", "terminate"}, f.fake.Calls())

	rec, err = f.m.BootRecord()
	require.NoError(t, err)
	assert.True(t, rec.CleanShutdown)
}

func TestStartFromWrongState(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.m.Start(context.Background())
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	var se *TransitionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateStarted, se.State)
	assert.Equal(t, StateStarted, f.m.State())
}

func TestStartFailureMovesToError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("no kvm")
	f.fake.SetErr(&f.fake.LaunchErr, boom)

	done, err := f.m.Start(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, done), boom)
	assert.Equal(t, StateError, f.m.State())
	assert.ErrorIs(t, f.m.LastError(), boom)

	// Error is only left through ClearError.
	_, err = f.m.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	require.NoError(t, f.m.ClearError())
	assert.Equal(t, StateStopped, f.m.State())
	assert.NoError(t, f.m.LastError())

	f.fake.SetErr(&f.fake.LaunchErr, nil)
	f.start(t)
}

func TestClearErrorOnlyFromError(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.m.ClearError(), ErrInvalidStateTransition)
	assert.Equal(t, StateStopped, f.m.State())
}

func TestConcurrentStartRejected(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	entered := make(chan string, 4)
	f.fake.Gate = gate
	f.fake.Entered = entered

	done, err := f.m.Start(context.Background())
	require.NoError(t, err)
	select {
	case op := <-entered:
		require.Equal(t, "launch", op)
	case <-time.After(testTimeout):
		t.Fatal("launch never reached the engine")
	}
	assert.Equal(t, StateStarting, f.m.State())

	_, err = f.m.Start(context.Background())
	assert.ErrorIs(t, err, ErrOperationInProgress)
	_, err = f.m.RequestStop(context.Background(), true)
	assert.ErrorIs(t, err, ErrOperationInProgress)
	_, err = f.m.EjectDrive(context.Background(), 1, false)
	assert.ErrorIs(t, err, ErrStateNotStable)

	close(gate)
	require.NoError(t, await(t, done))
	assert.Equal(t, StateStarted, f.m.State())
	assert.Equal(t, []string{"launch"}, f.fake.Calls())
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	before := f.m.Configuration()

	f.pause(t)
	run(t, func() (<-chan error, error) { return f.m.Resume(context.Background()) })

	assert.Equal(t, StateStarted, f.m.State())
	assert.Equal(t, before, f.m.Configuration())
	assert.Equal(t, []string{"launch", "pause", "resume"}, f.fake.Calls())
}

func TestPauseResumeInvalidStates(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Pause(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = f.m.Resume(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, StateStopped, f.m.State())

	f.start(t)
	_, err = f.m.Resume(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, StateStarted, f.m.State())

	f.pause(t)
	_, err = f.m.Pause(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, StatePaused, f.m.State())
}

func TestPauseUnsupported(t *testing.T) {
	f := newFixture(t)
	f.fake.Caps.Pause = false
	f.start(t)

	_, err := f.m.Pause(context.Background())
	assert.ErrorIs(t, err, hypervisor.ErrUnsupported)
	assert.Equal(t, StateStarted, f.m.State())

	// The guard was released.
	run(t, func() (<-chan error, error) { return f.m.RequestStop(context.Background(), false) })
}

func TestPauseEngineErrorMovesToError(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	boom := errors.New("suspend failed")
	f.fake.SetErr(&f.fake.PauseErr, boom)

	done, err := f.m.Pause(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, done), boom)
	assert.Equal(t, StateError, f.m.State())
	assert.ErrorIs(t, f.m.LastError(), boom)
}

func TestStopRefusedRevertsToPriorState(t *testing.T) {
	for _, prior := range []State{StateStarted, StatePaused} {
		t.Run(prior.String(), func(t *testing.T) {
			f := newFixture(t)
			f.start(t)
			if prior == StatePaused {
				f.pause(t)
			}
			f.fake.Refuse = true

			done, err := f.m.RequestStop(context.Background(), false)
			require.NoError(t, err)
			assert.ErrorIs(t, await(t, done), ErrStopRefused)
			assert.Equal(t, prior, f.m.State())
			assert.NoError(t, f.m.LastError())
		})
	}
}

func TestForceStopIsUnconditional(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	boom := errors.New("domain destroy failed")
	f.fake.SetErr(&f.fake.TerminateErr, boom)

	done, err := f.m.RequestStop(context.Background(), true)
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, done), boom)
	assert.Equal(t, StateStopped, f.m.State())
	assert.Contains(t, f.fake.Calls(), "terminate-force")

	// A new run starts cleanly.
	f.fake.SetErr(&f.fake.TerminateErr, nil)
	f.start(t)
}

func TestForceStopFromPaused(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.pause(t)
	f.fake.Refuse = true

	run(t, func() (<-chan error, error) { return f.m.RequestStop(context.Background(), true) })
	assert.Equal(t, StateStopped, f.m.State())
}

func TestStopEngineErrorMovesToError(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	boom := errors.New("libvirt connection lost")
	f.fake.SetErr(&f.fake.TerminateErr, boom)

	done, err := f.m.RequestStop(context.Background(), false)
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, done), boom)
	assert.Equal(t, StateError, f.m.State())
}

func TestStopFromStopped(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.RequestStop(context.Background(), true)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestGuestExit(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		f := newFixture(t)
		f.start(t)
		f.fake.LastHandle().Exit(nil)

		assert.Equal(t, StateStopped, f.waitFor(t, StateStopped, StateError))
		assert.NoError(t, f.m.LastError())
	})

	t.Run("crash", func(t *testing.T) {
		f := newFixture(t)
		f.start(t)
		f.fake.LastHandle().Exit(hypervisor.ErrGuestCrashed)

		assert.Equal(t, StateError, f.waitFor(t, StateStopped, StateError))
		assert.ErrorIs(t, f.m.LastError(), hypervisor.ErrGuestCrashed)

		require.Eventually(t, func() bool {
			rec, err := f.m.BootRecord()
			return err == nil && rec.LastError != "" && !rec.CleanShutdown
		}, testTimeout, 10*time.Millisecond)
	})

	t.Run("while paused", func(t *testing.T) {
		f := newFixture(t)
		f.start(t)
		f.pause(t)
		f.fake.LastHandle().Exit(nil)

		assert.Equal(t, StateStopped, f.waitFor(t, StateStopped, StateError))
	})
}

func TestReset(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Reset(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	f.start(t)
	run(t, func() (<-chan error, error) { return f.m.Reset(context.Background()) })
	assert.Equal(t, StateStarted, f.m.State())
	assert.Contains(t, f.fake.Calls(), "reset")

	boom := errors.New("reset failed")
	f.fake.SetErr(&f.fake.ResetErr, boom)
	done, err := f.m.Reset(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, done), boom)
	assert.Equal(t, StateError, f.m.State())
}

func TestResetUnsupported(t *testing.T) {
	f := newFixture(t)
	f.fake.Caps.Reset = false
	f.start(t)

	_, err := f.m.Reset(context.Background())
	assert.ErrorIs(t, err, hypervisor.ErrUnsupported)
	assert.Equal(t, StateStarted, f.m.State())
}

func TestBusyBracket(t *testing.T) {
	for _, prior := range []State{StateStopped, StateStarted, StatePaused} {
		t.Run(prior.String(), func(t *testing.T) {
			f := newFixture(t)
			if prior != StateStopped {
				f.start(t)
			}
			if prior == StatePaused {
				f.pause(t)
			}

			require.NoError(t, f.m.EnterBusy())
			assert.Equal(t, StateBusy, f.m.State())

			assert.ErrorIs(t, f.m.EnterBusy(), ErrAlreadyBusy)
			_, err := f.m.Start(context.Background())
			assert.ErrorIs(t, err, ErrOperationInProgress)
			_, err = f.m.AddSharedDirectory(context.Background(), vmconfig.SharedDirectory{Path: t.TempDir()})
			assert.ErrorIs(t, err, ErrStateNotStable)

			require.NoError(t, f.m.ExitBusy())
			assert.Equal(t, prior, f.m.State())
			assert.ErrorIs(t, f.m.ExitBusy(), ErrNotBusy)
		})
	}
}

func TestEnterBusyFromUnstableState(t *testing.T) {
	f := newFixture(t)
	f.fake.SetErr(&f.fake.LaunchErr, errors.New("boom"))
	done, err := f.m.Start(context.Background())
	require.NoError(t, err)
	await(t, done)
	require.Equal(t, StateError, f.m.State())

	assert.ErrorIs(t, f.m.EnterBusy(), ErrInvalidStateTransition)
	// The guard is free again.
	assert.NoError(t, f.m.ClearError())
}

func TestRunExclusive(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	boom := errors.New("install failed")
	var seen State
	done, err := f.m.RunExclusive(context.Background(), func(ctx context.Context) error {
		seen = f.m.State()
		if err := f.m.EnterBusy(); !errors.Is(err, ErrAlreadyBusy) {
			t.Errorf("nested EnterBusy = %v, want ErrAlreadyBusy", err)
		}
		if err := f.m.ExitBusy(); !errors.Is(err, ErrNotBusy) {
			t.Errorf("ExitBusy inside RunExclusive = %v, want ErrNotBusy", err)
		}
		return boom
	})
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, done), boom)
	assert.Equal(t, StateBusy, seen)
	assert.Equal(t, StateStarted, f.m.State())
}

func TestConfigure(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.m.Configure(func(cfg *vmconfig.Configuration) error {
		cfg.CPUCount = 4
		return cfg.SetFlag(vmconfig.FlagSound, true)
	}))
	assert.Equal(t, 4, f.m.Configuration().CPUCount)

	saved, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, saved.CPUCount)
	assert.True(t, saved.QEMU.Sound)

	// Invalid edits are discarded.
	err = f.m.Configure(func(cfg *vmconfig.Configuration) error {
		cfg.MemoryMB = 1
		return nil
	})
	assert.ErrorIs(t, err, vmconfig.ErrInvalidConfiguration)
	assert.Equal(t, 512, f.m.Configuration().MemoryMB)

	f.start(t)
	err = f.m.Configure(func(cfg *vmconfig.Configuration) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestConfigurationIsACopy(t *testing.T) {
	f := newFixture(t)
	cfg := f.m.Configuration()
	cfg.Drives[0].ImagePath = "/elsewhere.img"
	assert.Equal(t, "/images/root.img", f.m.Configuration().Drives[0].ImagePath)
}

func TestSendTextAndClick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.m.SendText(ctx, "root\n"), ErrInvalidStateTransition)

	f.start(t)
	require.NoError(t, f.m.SendText(ctx, "root\n"))
	require.NoError(t, f.m.Click(ctx, 10, 20, hypervisor.MouseLeft))
	assert.Equal(t, []string{"root\n"}, f.fake.Typed())
	assert.Equal(t, [][2]int{{10, 20}}, f.fake.Clicks())

	f.pause(t)
	assert.ErrorIs(t, f.m.Click(ctx, 1, 1, hypervisor.MouseLeft), ErrInvalidStateTransition)
}

func TestConsole(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.m.Console()
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	f.start(t)
	in, out, err := f.m.Console()
	require.NoError(t, err)
	assert.NotNil(t, in)
	assert.NotNil(t, out)
}

func TestWaitForHonorsContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	st, err := f.m.WaitFor(ctx, StateStarted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, st)
}

func TestEventsFollowCommits(t *testing.T) {
	broker := NewBroker(nil)
	f := newFixtureWith(t, broker)
	events, cancel := broker.Subscribe(16)
	defer cancel()

	// Rejected operations publish nothing.
	_, err := f.m.Pause(context.Background())
	require.Error(t, err)

	f.start(t)
	f.fake.Refuse = true
	done, err := f.m.RequestStop(context.Background(), false)
	require.NoError(t, err)
	await(t, done)

	want := [][2]State{
		{StateStopped, StateStarting},
		{StateStarting, StateStarted},
		{StateStarted, StateStopping},
		{StateStopping, StateStarted},
	}
	for i, w := range want {
		select {
		case ev := <-events:
			assert.Equal(t, "machine-1", ev.MachineID, "event %d", i)
			assert.Equal(t, "test", ev.Name, "event %d", i)
			assert.Equal(t, w[0], ev.Old, "event %d", i)
			assert.Equal(t, w[1], ev.New, "event %d", i)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(testTimeout):
			t.Fatalf("missing event %d", i)
		}
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s -> %s", ev.Old, ev.New)
	default:
	}
}

func TestErrorEventCarriesCause(t *testing.T) {
	broker := NewBroker(nil)
	f := newFixtureWith(t, broker)
	events, cancel := broker.Subscribe(16)
	defer cancel()

	boom := errors.New("no kvm")
	f.fake.SetErr(&f.fake.LaunchErr, boom)
	done, err := f.m.Start(context.Background())
	require.NoError(t, err)
	await(t, done)

	<-events // Stopped -> Starting
	ev := <-events
	assert.Equal(t, StateError, ev.New)
	assert.ErrorIs(t, ev.Err, boom)
}
