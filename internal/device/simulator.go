package device

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// SimulatorConfig shapes the synthetic recording.
type SimulatorConfig struct {
	Channels   int
	SampleRate float64
	// BatchSize is the number of samples delivered per OnData call.
	BatchSize int
	// DropEvery skips delivery of every n-th batch (counter gap); 0 disables.
	DropEvery int
	// Amplitude of the per-channel sinusoids, in µV.
	Amplitude float64
	// StimArtifact is added to every channel for ArtifactSamples samples
	// after a stimulation starts.
	StimArtifact    float64
	ArtifactSamples int
}

// DefaultSimulatorConfig matches the implant: 32 channels at 1 kHz.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Channels:        32,
		SampleRate:      1000,
		BatchSize:       8,
		Amplitude:       50,
		StimArtifact:    500,
		ArtifactSamples: 5,
	}
}

// Simulator is an in-process implant producing a deterministic signal:
// one sinusoid per channel plus a periodic ECG-like bump.
type Simulator struct {
	base
	cfg    SimulatorConfig
	logger *zap.Logger

	artifactLeft int
	lastStims    int
}

func NewSimulator(cfg SimulatorConfig, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	s := &Simulator{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "simulator")),
	}
	s.channels = cfg.Channels
	s.powered = true
	return s
}

func (s *Simulator) StartMeasurement(refChannels []int, amp Amplification, useGround bool) error {
	if err := s.startLoop(s.loop); err != nil {
		return err
	}
	s.logger.Info("measurement started",
		zap.Ints("ref_channels", refChannels),
		zap.Stringer("amplification", amp),
		zap.Bool("use_ground", useGround))
	return nil
}

func (s *Simulator) StopMeasurement() error {
	if err := s.stopLoop(); err != nil {
		return err
	}
	s.logger.Info("measurement stopped")
	return nil
}

func (s *Simulator) Telemetry() (Telemetry, error) {
	t := s.telemetry()
	if !t.PoweredOn {
		return t, ErrPoweredOff
	}
	t.Humidity = 12.5
	t.Temperature = 36.9
	t.VoltageV = 3.3
	return t, nil
}

func (s *Simulator) loop(ctx context.Context) {
	period := time.Duration(float64(s.cfg.BatchSize) / s.cfg.SampleRate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var (
		n       int64 // sample index
		counter int64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		counter++
		flat := s.Batch(n, s.cfg.BatchSize)
		n += int64(s.cfg.BatchSize)

		if s.cfg.DropEvery > 0 && counter%int64(s.cfg.DropEvery) == 0 {
			continue
		}
		s.emit(flat, counter)
	}
}

// Batch renders size samples starting at sample index n, channel-interleaved.
func (s *Simulator) Batch(n int64, size int) []float64 {
	if stims := s.Stimulations(); stims != s.lastStims {
		s.lastStims = stims
		s.artifactLeft = s.cfg.ArtifactSamples
	}

	c := s.cfg.Channels
	flat := make([]float64, size*c)
	for i := 0; i < size; i++ {
		t := float64(n+int64(i)) / s.cfg.SampleRate
		bump := ecgBump(t)
		artifact := 0.0
		if s.artifactLeft > 0 {
			artifact = s.cfg.StimArtifact
			s.artifactLeft--
		}
		for ch := 0; ch < c; ch++ {
			f := 2 + float64(ch)*0.5
			flat[i*c+ch] = s.cfg.Amplitude*math.Sin(2*math.Pi*f*t) + bump + artifact
		}
	}
	return flat
}

// ecgBump is a gaussian R-wave at 72 bpm.
func ecgBump(t float64) float64 {
	const hz = 72.0 / 60.0
	phase := t*hz - math.Floor(t*hz)
	z := (phase - 0.32) / 0.008
	return 20 * math.Exp(-0.5*z*z)
}
