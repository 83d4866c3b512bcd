package device

import (
	"context"
	"sync"
)

// base carries the listener list, power and stimulation bookkeeping shared
// by the in-process devices. Measurement goroutines are started through
// startLoop and joined by stopLoop.
type base struct {
	mu        sync.Mutex
	listeners []Listener
	powered   bool
	enqueued  *StimulationCommand
	stimming  bool
	stimCount int
	channels  int

	cancel context.CancelFunc
	done   chan struct{}
}

func (b *base) RegisterListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *base) ChannelCount() int { return b.channels }

func (b *base) EnqueueStimulation(cmd StimulationCommand, _ StimulationMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.powered {
		return ErrPoweredOff
	}
	c := cmd
	b.enqueued = &c
	return nil
}

func (b *base) StartStimulation() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.powered {
		return ErrPoweredOff
	}
	if b.enqueued == nil {
		return ErrNoStimulation
	}
	b.stimming = true
	b.stimCount++
	return nil
}

func (b *base) StopStimulation() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stimming = false
	return nil
}

func (b *base) SetPower(on bool) error {
	if !on {
		_ = b.stopLoop()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.powered = on
	if !on {
		b.stimming = false
	}
	return nil
}

// Stimulations returns how many times StartStimulation succeeded.
func (b *base) Stimulations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stimCount
}

func (b *base) telemetry() Telemetry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Telemetry{
		Stimulating:  b.stimming,
		Measuring:    b.cancel != nil,
		PoweredOn:    b.powered,
		Stimulations: b.stimCount,
	}
}

func (b *base) snapshotListeners() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Listener(nil), b.listeners...)
}

func (b *base) emit(flat []float64, counter int64) {
	for _, l := range b.snapshotListeners() {
		l.OnData(flat, counter)
	}
}

func (b *base) notifyMeasuring(on bool) {
	for _, l := range b.snapshotListeners() {
		l.OnMeasurementStateChanged(on)
	}
}

func (b *base) startLoop(loop func(ctx context.Context)) error {
	b.mu.Lock()
	if !b.powered {
		b.mu.Unlock()
		return ErrPoweredOff
	}
	if b.cancel != nil {
		b.mu.Unlock()
		return ErrAlreadyMeasuring
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	b.notifyMeasuring(true)
	go func() {
		defer close(done)
		loop(ctx)
	}()
	return nil
}

func (b *base) stopLoop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return ErrNotMeasuring
	}
	cancel()
	<-done
	b.notifyMeasuring(false)
	return nil
}
