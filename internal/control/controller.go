// Package control implements the closed-loop threshold trigger: it watches
// one channel of a live signal, fires an action when the signal rises above
// a threshold and re-arms after a grace period once the signal has fallen
// back below it.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ct-bic/internal/metrics"
	"ct-bic/internal/model"
)

var (
	// ErrSignalSourceUnavailable is returned when the source cannot be
	// connected at the start of Listen.
	ErrSignalSourceUnavailable = errors.New("control: signal source unavailable")
	// ErrSignalSourceLost is returned when the source fails while listening.
	ErrSignalSourceLost = errors.New("control: signal source lost")
	// ErrAlreadyListening is returned by a second concurrent Listen.
	ErrAlreadyListening = errors.New("control: already listening")
)

// SignalSource is the monitored stream.
type SignalSource interface {
	Connect(ctx context.Context) error
	// LatestValue returns the newest value of channel; ok is false while
	// no data has arrived yet.
	LatestValue(channel int) (v float64, ok bool, err error)
	Close() error
}

// Action is invoked once per threshold crossing.
type Action func() error

// MarkerSink receives the controller's event markers.
type MarkerSink interface {
	Emit(tag model.MarkerTag)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// PollPolicy selects how the loop waits between polls.
type PollPolicy int

const (
	// BusyPoll spins on the clock. Lowest latency, one core fully used.
	BusyPoll PollPolicy = iota
	// SleepPoll sleeps the poll interval between polls.
	SleepPoll
)

// Config holds the trigger parameters.
type Config struct {
	Channel      int
	Threshold    float64
	PollInterval time.Duration
	GracePeriod  time.Duration
}

// DefaultConfig returns channel 0, threshold 128, 200µs polling and a 1.5s
// grace period.
func DefaultConfig() Config {
	return Config{
		Channel:      0,
		Threshold:    128,
		PollInterval: 200 * time.Microsecond,
		GracePeriod:  1500 * time.Millisecond,
	}
}

// Controller runs the trigger loop over a SignalSource.
type Controller struct {
	src    SignalSource
	action Action
	cfg    Config

	clock   Clock
	policy  PollPolicy
	markers MarkerSink
	logger  *zap.Logger
	metrics *metrics.Collector

	listening atomic.Bool
	phase     atomic.Int32
	fired     atomic.Uint64
	lastValue atomic.Uint64 // math.Float64bits
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithClock(clk Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

func WithMarkers(m MarkerSink) Option {
	return func(c *Controller) { c.markers = m }
}

func WithPollPolicy(p PollPolicy) Option {
	return func(c *Controller) { c.policy = p }
}

func New(src SignalSource, action Action, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		src:    src,
		action: action,
		cfg:    cfg,
		clock:  systemClock{},
		policy: BusyPoll,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "controller"))
	c.lastValue.Store(math.Float64bits(math.NaN()))
	return c
}

// Phase is the current state machine phase.
func (c *Controller) Phase() Phase { return Phase(c.phase.Load()) }

// Fired is the number of actions triggered so far.
func (c *Controller) Fired() uint64 { return c.fired.Load() }

// LastValue is the most recently polled value, NaN before the first poll.
func (c *Controller) LastValue() float64 { return math.Float64frombits(c.lastValue.Load()) }

// Listening reports whether Listen is running.
func (c *Controller) Listening() bool { return c.listening.Load() }

// Listen connects the source and runs the trigger loop until ctx is done
// (returns ctx.Err()) or the source fails (returns ErrSignalSourceLost).
// A connect failure is returned as ErrSignalSourceUnavailable before any
// marker is emitted.
func (c *Controller) Listen(ctx context.Context) error {
	if !c.listening.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}
	defer c.listening.Store(false)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.src.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSignalSourceUnavailable, err)
	}
	defer c.src.Close()

	c.logger.Info("listening for trigger",
		zap.Int("channel", c.cfg.Channel),
		zap.Float64("threshold", c.cfg.Threshold),
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Duration("grace_period", c.cfg.GracePeriod))

	m := NewMachine(c.cfg.Threshold, c.cfg.GracePeriod)
	c.setPhase(PhaseIdle)
	defer c.setPhase(PhaseIdle)

	var lastPoll time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := c.clock.Now()
		if !lastPoll.IsZero() {
			if wait := c.cfg.PollInterval - now.Sub(lastPoll); wait > 0 {
				if c.policy == SleepPoll {
					c.sleep(ctx, wait)
				}
				continue
			}
		}
		lastPoll = now

		v, ok, err := c.src.LatestValue(c.cfg.Channel)
		if err != nil {
			c.logger.Error("signal source lost", zap.Error(err))
			return fmt.Errorf("%w: %w", ErrSignalSourceLost, err)
		}
		if !ok {
			continue
		}
		c.lastValue.Store(math.Float64bits(v))

		switch m.Observe(v, now) {
		case Fire:
			c.setPhase(PhaseFiring)
			c.fire(v)
			m.Fired(c.clock.Now())
			c.setPhase(PhaseGrace)
		case Release:
			c.emit(model.MarkerListening)
			c.setPhase(PhaseIdle)
			c.logger.Debug("re-armed", zap.Float64("value", v))
		}
	}
}

func (c *Controller) fire(v float64) {
	c.emit(model.MarkerFiringCallback)

	start := c.clock.Now()
	err := c.runAction()
	dur := c.clock.Now().Sub(start)

	c.emit(model.MarkerCallbackFired)
	c.fired.Add(1)
	c.metrics.RecordTrigger(dur, err)

	if err != nil {
		c.logger.Error("trigger action failed", zap.Float64("value", v), zap.Error(err))
		return
	}
	c.logger.Info("trigger fired", zap.Float64("value", v), zap.Duration("action", dur))
}

func (c *Controller) runAction() (err error) {
	if c.action == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return c.action()
}

func (c *Controller) emit(tag model.MarkerTag) {
	if c.markers != nil {
		c.markers.Emit(tag)
	}
}

func (c *Controller) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.metrics.SetControllerPhase(int(p))
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
