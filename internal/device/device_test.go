package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ct-bic/internal/model"
)

type recordingListener struct {
	mu        sync.Mutex
	batches   [][]float64
	counters  []int64
	measuring []bool
}

func (l *recordingListener) OnData(flat []float64, counter int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, flat)
	l.counters = append(l.counters, counter)
}

func (l *recordingListener) OnMeasurementStateChanged(m bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.measuring = append(l.measuring, m)
}

func (l *recordingListener) snapshot() ([][]float64, []int64, []bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]float64(nil), l.batches...), append([]int64(nil), l.counters...), append([]bool(nil), l.measuring...)
}

func TestSimulatorBatchShape(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	sim := NewSimulator(cfg, zap.NewNop())

	flat := sim.Batch(0, 4)
	assert.Len(t, flat, 4*cfg.Channels)
	// Deterministic for the same sample index.
	assert.Equal(t, flat, sim.Batch(0, 4))
}

func TestSimulatorDeliversBatchesWithGaps(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.Channels = 2
	cfg.BatchSize = 10
	cfg.DropEvery = 3
	sim := NewSimulator(cfg, nil)

	l := &recordingListener{}
	sim.RegisterListener(l)

	require.NoError(t, sim.StartMeasurement(nil, Amplification57_5dB, true))
	assert.ErrorIs(t, sim.StartMeasurement(nil, Amplification57_5dB, true), ErrAlreadyMeasuring)

	require.Eventually(t, func() bool {
		_, counters, _ := l.snapshot()
		return len(counters) >= 5
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sim.StopMeasurement())
	assert.ErrorIs(t, sim.StopMeasurement(), ErrNotMeasuring)

	batches, counters, measuring := l.snapshot()
	for i, b := range batches {
		assert.Len(t, b, 20)
		assert.NotZero(t, counters[i]%3, "counter %d should have been dropped", counters[i])
	}
	assert.Equal(t, []bool{true, false}, measuring)
}

func TestSimulatorStimulation(t *testing.T) {
	sim := NewSimulator(DefaultSimulatorConfig(), nil)

	assert.ErrorIs(t, sim.StartStimulation(), ErrNoStimulation)
	require.NoError(t, sim.EnqueueStimulation(StimulationCommand{Name: "single_pulse"}, StimModePersistentPreloading))
	require.NoError(t, sim.StartStimulation())
	require.NoError(t, sim.StopStimulation())
	assert.Equal(t, 1, sim.Stimulations())

	tel, err := sim.Telemetry()
	require.NoError(t, err)
	assert.Equal(t, 1, tel.Stimulations)

	require.NoError(t, sim.SetPower(false))
	assert.ErrorIs(t, sim.StartStimulation(), ErrPoweredOff)
	_, err = sim.Telemetry()
	assert.ErrorIs(t, err, ErrPoweredOff)
}

func TestSimulatorArtifactAfterStimulation(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.Channels = 1
	cfg.Amplitude = 0
	sim := NewSimulator(cfg, nil)

	require.NoError(t, sim.EnqueueStimulation(StimulationCommand{Name: "p"}, StimModeOneShot))
	require.NoError(t, sim.StartStimulation())

	// Pick a sample index far from the ECG bump so only the artifact remains.
	flat := sim.Batch(0, cfg.ArtifactSamples+1)
	for i := 0; i < cfg.ArtifactSamples; i++ {
		assert.InDelta(t, cfg.StimArtifact, flat[i], 1e-6)
	}
	assert.InDelta(t, 0, flat[cfg.ArtifactSamples], 1e-6)
}

func TestReplayGroupsByCounter(t *testing.T) {
	samples := []model.Sample{
		{Values: []float64{1, 2}, Counter: 5},
		{Values: []float64{3, 4}, Counter: 5},
		{Values: []float64{5, 6}, Counter: 7},
	}
	r := NewReplay(samples, 1000, false, nil)
	l := &recordingListener{}
	r.RegisterListener(l)

	require.NoError(t, r.StartMeasurement(nil, Amplification39_5dB, false))
	require.Eventually(t, func() bool {
		_, counters, _ := l.snapshot()
		return len(counters) == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, r.StopMeasurement())

	batches, counters, _ := l.snapshot()
	assert.Equal(t, []int64{5, 7}, counters)
	assert.Equal(t, [][]float64{{1, 2, 3, 4}, {5, 6}}, batches)
	assert.Equal(t, 2, r.ChannelCount())
}

func TestControlPattern(t *testing.T) {
	p := ControlPattern(100, 150)
	require.Len(t, p, 1000)

	assert.Zero(t, p[0])
	assert.Zero(t, p[199])
	assert.Equal(t, 150.0, p[200])
	assert.Equal(t, 150.0, p[299])
	assert.Zero(t, p[300])
	assert.Equal(t, 150.0, p[800])
	assert.Equal(t, 150.0, p[899])
	assert.Zero(t, p[900])
}

func TestSinglePulse(t *testing.T) {
	cmd := SinglePulse(DefaultPulse())
	assert.Equal(t, "single_pulse", cmd.Name)
	assert.Equal(t, 3060.0, cmd.Params["amplitude_ua"])
	assert.Equal(t, 1.0, cmd.Params["return_channel"])
}
