// Package republish forwards newly ingested samples to a stream outlet at the
// stream's nominal sample rate.
package republish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ct-bic/internal/metrics"
	"ct-bic/internal/model"
)

var (
	ErrAlreadyRunning = errors.New("republish: already running")
	ErrNotRunning     = errors.New("republish: not running")
)

// Drainer is the ingestion side: how many samples are waiting, and the
// samples themselves, oldest first. Each sample is returned once.
type Drainer interface {
	Pending() int
	DrainNew() []model.Sample
}

// StreamSink receives forwarded samples.
type StreamSink interface {
	PushSample(model.Sample) error
}

// MultiSink pushes each sample to every sink in order. All sinks are tried;
// the errors are joined.
type MultiSink []StreamSink

func (m MultiSink) PushSample(s model.Sample) error {
	var errs []error
	for _, sink := range m {
		if err := sink.PushSample(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Republisher runs at most one forwarding task at a time.
type Republisher struct {
	src      Drainer
	sink     StreamSink
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	forwarded atomic.Uint64
}

// Option configures a Republisher.
type Option func(*Republisher)

func WithLogger(l *zap.Logger) Option {
	return func(r *Republisher) { r.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(r *Republisher) { r.metrics = c }
}

// New ticks once per nominal sample period (1/sampleRate). A non-positive
// rate falls back to 1 ms.
func New(src Drainer, sink StreamSink, sampleRate float64, opts ...Option) *Republisher {
	interval := time.Millisecond
	if sampleRate > 0 {
		interval = time.Duration(float64(time.Second) / sampleRate)
		if interval <= 0 {
			interval = time.Nanosecond
		}
	}
	r := &Republisher{
		src:      src,
		sink:     sink,
		interval: interval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "republisher"))
	return r
}

// Start launches the forwarding loop. It stops when Stop is called or ctx
// is cancelled.
func (r *Republisher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		select {
		case <-r.done:
			// previous loop ended on its own (ctx cancelled)
		default:
			return ErrAlreadyRunning
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)

	r.logger.Info("republisher started", zap.Duration("interval", r.interval))
	return nil
}

// Stop cancels the loop and waits for it. No PushSample call happens after
// Stop returns.
func (r *Republisher) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done == nil {
		return ErrNotRunning
	}
	select {
	case <-r.done:
		r.cancel()
		r.done, r.cancel = nil, nil
		return ErrNotRunning
	default:
	}

	r.cancel()
	<-r.done
	r.done, r.cancel = nil, nil
	r.logger.Info("republisher stopped", zap.Uint64("forwarded", r.forwarded.Load()))
	return nil
}

// Running reports whether a forwarding loop is active.
func (r *Republisher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Forwarded is the total number of samples pushed successfully.
func (r *Republisher) Forwarded() uint64 { return r.forwarded.Load() }

func (r *Republisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Republisher) tick(ctx context.Context) {
	if r.src.Pending() == 0 {
		return
	}
	for _, s := range r.src.DrainNew() {
		if ctx.Err() != nil {
			return
		}
		if err := r.sink.PushSample(s); err != nil {
			r.metrics.IncRepublishError()
			r.logger.Warn("push sample failed", zap.Int64("counter", s.Counter), zap.Error(err))
			continue
		}
		r.forwarded.Add(1)
		r.metrics.IncRepublished()
	}
}
