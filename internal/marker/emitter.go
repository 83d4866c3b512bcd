// Package marker stamps controller events and hands them to the marker bus.
package marker

import (
	"time"

	"go.uber.org/zap"

	"ct-bic/internal/bus"
	"ct-bic/internal/metrics"
	"ct-bic/internal/model"
)

// Emitter publishes marker events. Emit never blocks and never fails; a
// subscriber that cannot keep up loses the event.
type Emitter struct {
	bus     *bus.Bus
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures an Emitter.
type Option func(*Emitter)

func WithLogger(l *zap.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Emitter) { e.metrics = m }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

func NewEmitter(b *bus.Bus, opts ...Option) *Emitter {
	e := &Emitter{
		bus:    b,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "marker"))
	return e
}

// Emit stamps tag with the current time and publishes it. Unknown tags are
// dropped.
func (e *Emitter) Emit(tag model.MarkerTag) {
	if !tag.Valid() {
		e.logger.Warn("dropping unknown marker tag", zap.String("tag", string(tag)))
		return
	}
	ev := model.MarkerEvent{Tag: tag, Time: e.now().UnixNano()}
	delivered := e.bus.Publish(ev)
	e.metrics.IncMarker(string(tag))
	e.logger.Debug("marker", zap.String("tag", string(tag)), zap.Int("delivered", delivered))
}
