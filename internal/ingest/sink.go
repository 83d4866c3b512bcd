package ingest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"ct-bic/internal/metrics"
	"ct-bic/internal/model"
	"ct-bic/internal/state"
)

// ErrMalformedBatch is returned when a batch length is zero or not a
// multiple of the channel count. Nothing from such a batch is written.
var ErrMalformedBatch = errors.New("ingest: malformed sample batch")

// Sink adapts device batches into ring buffer writes and exposes the
// samples that arrived since the previous drain.
//
// One goroutine calls OnBatch (the device callback), one calls DrainNew
// (the republisher). The drain cursor is the ring buffer's write cursor at
// the last drain, so "new count" = Written() - cursor.
type Sink struct {
	buf     *state.RingBuffer
	logger  *zap.Logger
	metrics *metrics.Collector

	drainMu sync.Mutex
	cursor  uint64

	lastCounter atomic.Int64
	haveCounter atomic.Bool

	measuring atomic.Bool
	batches   atomic.Uint64
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

func WithSinkLogger(l *zap.Logger) SinkOption {
	return func(s *Sink) { s.logger = l }
}

func WithSinkMetrics(m *metrics.Collector) SinkOption {
	return func(s *Sink) { s.metrics = m }
}

func NewSink(buf *state.RingBuffer, opts ...SinkOption) *Sink {
	s := &Sink{buf: buf, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "ingest_sink"))
	return s
}

// OnBatch splits flat into width-C samples tagged with counter and appends
// them in order.
func (s *Sink) OnBatch(flat []float64, counter int64) error {
	c := s.buf.Channels()
	if len(flat) == 0 || len(flat)%c != 0 {
		s.metrics.IncMalformedBatch()
		return fmt.Errorf("%w: %d values for %d channels (counter %d)", ErrMalformedBatch, len(flat), c, counter)
	}

	m := len(flat) / c
	samples := make([]model.Sample, m)
	values := make([]float64, len(flat))
	copy(values, flat)
	for i := range samples {
		samples[i] = model.Sample{Values: values[i*c : (i+1)*c : (i+1)*c], Counter: counter}
	}

	if err := s.buf.Append(samples); err != nil {
		return err
	}
	s.batches.Add(1)
	s.metrics.AddSamplesIngested(m)
	s.trackCounter(counter)
	return nil
}

// trackCounter reports gaps in the batch counter. Counters are never
// rewritten; the gap is only counted and logged.
func (s *Sink) trackCounter(counter int64) {
	prev := s.lastCounter.Swap(counter)
	if !s.haveCounter.Swap(true) {
		return
	}
	if missing := CounterGap(prev, counter); missing > 0 {
		s.metrics.AddCounterGap(missing)
		s.logger.Debug("counter gap",
			zap.Int64("previous", prev),
			zap.Int64("counter", counter),
			zap.Int64("missing_batches", missing))
	}
}

// CounterGap is the number of batches missing between two consecutive
// counters. Repeated or decreasing counters report no gap.
func CounterGap(prev, next int64) int64 {
	if next <= prev {
		return 0
	}
	return next - prev - 1
}

// OnData implements device.Listener. Malformed batches are logged and
// skipped; ingestion keeps running.
func (s *Sink) OnData(flat []float64, counter int64) {
	if err := s.OnBatch(flat, counter); err != nil {
		s.logger.Warn("dropping batch", zap.Error(err))
	}
}

// OnMeasurementStateChanged implements device.Listener.
func (s *Sink) OnMeasurementStateChanged(measuring bool) {
	s.measuring.Store(measuring)
	s.metrics.SetMeasuring(measuring)
	s.logger.Info("measurement state changed", zap.Bool("measuring", measuring))
}

// Measuring reports the last measurement state the device announced.
func (s *Sink) Measuring() bool { return s.measuring.Load() }

// DrainNew returns the samples appended since the previous drain, oldest
// first. Samples overwritten before they could be drained are lost.
func (s *Sink) DrainNew() []model.Sample {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	prev := s.cursor
	samples, next := s.buf.ReadSince(prev)
	if next >= prev {
		if overrun := next - prev - uint64(len(samples)); overrun > 0 {
			s.metrics.AddDrainOverrun(overrun)
		}
	}
	s.cursor = next
	return samples
}

// Pending is the number of samples appended since the previous drain,
// capped at the buffer capacity.
func (s *Sink) Pending() int {
	s.drainMu.Lock()
	cursor := s.cursor
	s.drainMu.Unlock()

	written := s.buf.Written()
	if cursor > written {
		cursor = 0
	}
	n := written - cursor
	if n > uint64(s.buf.Cap()) {
		return s.buf.Cap()
	}
	return int(n)
}

// Batches is the number of batches accepted so far.
func (s *Sink) Batches() uint64 { return s.batches.Load() }

// Reset clears the ring buffer and the drain cursor for a new session.
func (s *Sink) Reset() error {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	if err := s.buf.Reset(); err != nil {
		return err
	}
	s.cursor = 0
	s.haveCounter.Store(false)
	return nil
}
