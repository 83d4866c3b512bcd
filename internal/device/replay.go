package device

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ct-bic/internal/model"
)

// Replay plays back a recorded session through the listener seam. Runs of
// samples sharing a counter are re-delivered as one batch, so counter gaps
// in the recording reappear unchanged.
type Replay struct {
	base
	batches    []replayBatch
	sampleRate float64
	loop       bool
	logger     *zap.Logger
}

type replayBatch struct {
	flat    []float64
	counter int64
	size    int
}

// NewReplay groups samples into device batches. With loop set the recording
// restarts from the beginning after the last batch.
func NewReplay(samples []model.Sample, sampleRate float64, loop bool, logger *zap.Logger) *Replay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Replay{
		sampleRate: sampleRate,
		loop:       loop,
		logger:     logger.With(zap.String("component", "replay")),
	}
	if len(samples) > 0 {
		r.channels = len(samples[0].Values)
	}
	r.powered = true

	for i := 0; i < len(samples); {
		j := i
		var flat []float64
		for j < len(samples) && samples[j].Counter == samples[i].Counter {
			flat = append(flat, samples[j].Values...)
			j++
		}
		r.batches = append(r.batches, replayBatch{flat: flat, counter: samples[i].Counter, size: j - i})
		i = j
	}
	return r
}

func (r *Replay) StartMeasurement(_ []int, _ Amplification, _ bool) error {
	if err := r.startLoop(r.run); err != nil {
		return err
	}
	r.logger.Info("replay started", zap.Int("batches", len(r.batches)))
	return nil
}

func (r *Replay) StopMeasurement() error {
	return r.stopLoop()
}

func (r *Replay) Telemetry() (Telemetry, error) {
	t := r.telemetry()
	if !t.PoweredOn {
		return t, ErrPoweredOff
	}
	return t, nil
}

func (r *Replay) run(ctx context.Context) {
	if len(r.batches) == 0 {
		return
	}
	for {
		for _, b := range r.batches {
			wait := time.Duration(float64(b.size) / r.sampleRate * float64(time.Second))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			r.emit(b.flat, b.counter)
		}
		if !r.loop {
			r.logger.Info("replay finished")
			return
		}
	}
}
