package vm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmdeck/pkg/hypervisor/hypervisortest"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

func TestNewMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.transition(StateStopped, StateStarting)
		m.reject("start", "in-progress")
		m.droppedEvent()
	})
}

func TestMachineRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	dir := t.TempDir()
	fake := hypervisortest.New(vmconfig.EngineQEMU)
	logger, _ := logtest.NewNullLogger()
	m, err := NewMachine(testConfig("metered"), fake, MachineOptions{
		Dir:     dir,
		Store:   vmconfig.NewFileStore(filepath.Join(dir, "config.yaml")),
		Metrics: metrics,
		Logger:  logrus.NewEntry(logger),
	})
	require.NoError(t, err)
	ctx := context.Background()

	run(t, func() (<-chan error, error) { return m.Start(ctx) })
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.transitions.WithLabelValues("stopped", "starting")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.transitions.WithLabelValues("starting", "started")))

	_, err = m.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rejected.WithLabelValues("start", "invalid-state")))

	_, err = m.EjectDrive(ctx, 0, false)
	require.ErrorIs(t, err, ErrDriveNotRemovable)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rejected.WithLabelValues("eject", "not-removable")))

	fake.SetErr(&fake.PauseErr, errors.New("boom"))
	done, err := m.Pause(ctx)
	require.NoError(t, err)
	require.Error(t, await(t, done))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.transitions.WithLabelValues("pausing", "error")))

	assert.Equal(t, 2, testutil.CollectAndCount(metrics.opDuration))
}
