package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmdeck/internal/vm"
	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/hypervisor/hypervisortest"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

const testTimeout = 5 * time.Second

type fixture struct {
	d    *Dispatcher
	mg   *vm.Manager
	fake *hypervisortest.Fake
	hook *logtest.Hook
	m    *vm.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	fake := hypervisortest.New(vmconfig.EngineQEMU)

	mg, err := vm.NewManager(vm.ManagerOptions{
		DataDir: t.TempDir(),
		Drivers: func(kind vmconfig.EngineKind) (hypervisor.Driver, error) {
			if kind != vmconfig.EngineQEMU {
				return nil, hypervisor.ErrUnsupported
			}
			return fake, nil
		},
		Logger: logrus.NewEntry(logger),
	})
	require.NoError(t, err)
	t.Cleanup(func() { mg.Close() })

	cfg := vmconfig.New("alpha", vmconfig.EngineQEMU)
	cfg.QEMU.Architecture = "x86_64"
	cfg.Boot.OperatingSystem = vmconfig.OSLinux
	cfg.AddDrive(vmconfig.NewFixedDrive("/images/root.img", vmconfig.InterfaceVirtIO))
	m, err := mg.Create(context.Background(), cfg)
	require.NoError(t, err)

	return &fixture{
		d:    New(mg, Options{Logger: logrus.NewEntry(logger)}),
		mg:   mg,
		fake: fake,
		hook: hook,
		m:    m,
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	done, err := f.m.Start(context.Background())
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("start did not complete")
	}
	require.Equal(t, vm.StateStarted, f.m.State())
}

// dispatch runs cmd and waits for the background operation.
func (f *fixture) dispatch(t *testing.T, cmd Command) {
	t.Helper()
	f.d.Dispatch(context.Background(), cmd)
	waitDone(t, f.d)
}

func waitDone(t *testing.T, d *Dispatcher) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("dispatched commands did not finish")
	}
}

func (f *fixture) messages() []string {
	var out []string
	for _, e := range f.hook.AllEntries() {
		out = append(out, e.Message)
	}
	return out
}

func (f *fixture) entry(msg string) *logrus.Entry {
	for _, e := range f.hook.AllEntries() {
		if e.Message == msg {
			return e
		}
	}
	return nil
}

func TestCommandsSorted(t *testing.T) {
	assert.Equal(t, []string{
		"click", "downloadVM", "pause", "restart", "resume", "sendText", "start", "stop",
	}, Commands())
}

func TestResolve(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		cmd  Command
		err  error
	}{
		{"unknown", Command{Name: "explode", Target: "alpha"}, ErrUnknownCommand},
		{"missing machine", Command{Name: CmdStop, Target: "nonexistent"}, vm.ErrMachineNotFound},
		{"wrong state", Command{Name: CmdStop, Target: "alpha"}, ErrPreconditionNotMet},
		{"resume while stopped", Command{Name: CmdResume, Target: "alpha"}, ErrPreconditionNotMet},
		{"text missing", Command{Name: CmdSendText, Target: "alpha"}, ErrInvalidParameter},
		{"bad x", Command{Name: CmdClick, Target: "alpha", Params: map[string]string{"x": "left", "y": "1"}}, ErrInvalidParameter},
		{"bad button", Command{Name: CmdClick, Target: "alpha", Params: map[string]string{"x": "1", "y": "1", "button": "fourth"}}, ErrInvalidParameter},
		{"url missing", Command{Name: CmdDownloadVM}, ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := f.d.Resolve(tt.cmd)
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, m)
		})
	}

	m, err := f.d.Resolve(Command{Name: CmdStart, Target: "alpha"})
	require.NoError(t, err)
	assert.Same(t, f.m, m)

	byID, err := f.d.Resolve(Command{Name: CmdStart, Target: f.m.ID()})
	require.NoError(t, err)
	assert.Same(t, f.m, byID)

	m, err = f.d.Resolve(Command{Name: CmdDownloadVM, Params: map[string]string{"url": "https://example.com/a.zip"}})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDispatchStart(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, Command{Name: CmdStart, Target: "alpha"})

	assert.Equal(t, vm.StateStarted, f.m.State())
	assert.Equal(t, []string{"launch"}, f.fake.Calls())
	assert.Contains(t, f.messages(), "Command completed")
}

func TestDispatchOutlivesCallerContext(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.d.Dispatch(ctx, Command{Name: CmdStart, Target: "alpha"})
	waitDone(t, f.d)

	assert.Equal(t, vm.StateStarted, f.m.State())
}

func TestDispatchDropsMissingMachine(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, Command{Name: CmdStop, Target: "nonexistent"})

	assert.Empty(t, f.fake.Calls())
	assert.Equal(t, vm.StateStopped, f.m.State())
	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Dropping command", entry.Message)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
}

func TestDispatchIgnoresUnknownCommand(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, Command{Name: "format", Target: "alpha"})

	assert.Empty(t, f.fake.Calls())
	require.NotNil(t, f.hook.LastEntry())
	assert.Equal(t, "Ignoring unknown command", f.hook.LastEntry().Message)
}

func TestDispatchChecksPrecondition(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, Command{Name: CmdPause, Target: "alpha"})

	assert.Empty(t, f.fake.Calls())
	assert.Equal(t, vm.StateStopped, f.m.State())
}

func TestDispatchStopIsForced(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.fake.Refuse = true

	f.dispatch(t, Command{Name: CmdStop, Target: "alpha"})

	assert.Equal(t, vm.StateStopped, f.m.State())
	assert.Contains(t, f.fake.Calls(), "terminate-force")
}

func TestDispatchPauseResumeRestart(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.dispatch(t, Command{Name: CmdPause, Target: "alpha"})
	assert.Equal(t, vm.StatePaused, f.m.State())

	f.dispatch(t, Command{Name: CmdRestart, Target: "alpha"})
	assert.Equal(t, vm.StatePaused, f.m.State(), "restart needs a started machine")

	f.dispatch(t, Command{Name: CmdResume, Target: "alpha"})
	assert.Equal(t, vm.StateStarted, f.m.State())

	f.dispatch(t, Command{Name: CmdRestart, Target: "alpha"})
	assert.Equal(t, vm.StateStarted, f.m.State())

	assert.Equal(t, []string{"launch", "pause", "resume", "reset"}, f.fake.Calls())
}

func TestDispatchInput(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.dispatch(t, Command{Name: CmdSendText, Target: "alpha", Params: map[string]string{"text": "uname -a\n"}})
	f.dispatch(t, Command{Name: CmdClick, Target: "alpha", Params: map[string]string{"x": "10", "y": "20", "button": "right"}})
	f.dispatch(t, Command{Name: CmdClick, Target: "alpha", Params: map[string]string{"x": "5"}})

	assert.Equal(t, []string{"uname -a\n"}, f.fake.Typed())
	assert.Equal(t, [][2]int{{10, 20}}, f.fake.Clicks(), "click without y is dropped")
}

func TestDispatchLogsFailures(t *testing.T) {
	f := newFixture(t)
	f.fake.SetErr(&f.fake.LaunchErr, assert.AnError)

	f.dispatch(t, Command{Name: CmdStart, Target: "alpha"})

	assert.Equal(t, vm.StateError, f.m.State())
	entry := f.entry("Command failed")
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), assert.AnError)
}

func TestDispatchDownloadFailure(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f.dispatch(t, Command{Name: CmdDownloadVM, Params: map[string]string{"url": srv.URL + "/vm.zip"}})

	assert.Len(t, f.mg.List(), 1)
	assert.Contains(t, f.messages(), "Command failed")
}

func TestDispatchURL(t *testing.T) {
	f := newFixture(t)

	f.d.DispatchURL(context.Background(), "https://start?name=alpha")
	f.d.DispatchURL(context.Background(), "vmdeck://start?name=alpha")
	waitDone(t, f.d)

	assert.Equal(t, vm.StateStarted, f.m.State())
	assert.Contains(t, f.messages(), "Dropping command link")
}

func TestOpenHandler(t *testing.T) {
	f := newFixture(t)
	h := f.d.OpenHandler()

	link := url.QueryEscape("vmdeck://start?name=alpha")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open?url="+link, nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	waitDone(t, f.d)
	assert.Equal(t, vm.StateStarted, f.m.State())

	// Accepted even though the machine is not paused.
	form := strings.NewReader("url=" + url.QueryEscape("vmdeck://resume?name=alpha"))
	req := httptest.NewRequest(http.MethodPost, "/open", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	waitDone(t, f.d)
	assert.Equal(t, vm.StateStarted, f.m.State())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open?url=ftp://start", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/open", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}

func TestStatusHandler(t *testing.T) {
	f := newFixture(t)
	h := f.d.StatusHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var list []MachineStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "alpha", list[0].Name)

	f.start(t)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?name="+f.m.ID(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var one MachineStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "started", one.State)
	assert.Len(t, one.Drives, 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?name=ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
