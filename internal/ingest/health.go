package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ct-bic/internal/device"
	"ct-bic/internal/metrics"
)

// TelemetrySource is satisfied by device.Device.
type TelemetrySource interface {
	Telemetry() (device.Telemetry, error)
}

// HealthPoller polls implant housekeeping values and feeds them to the
// metrics gauges. Runs entirely off the acquisition path in its own goroutine.
type HealthPoller struct {
	src      TelemetrySource
	interval time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger

	last device.Telemetry
}

func NewHealthPoller(src TelemetrySource, interval time.Duration, m *metrics.Collector, logger *zap.Logger) *HealthPoller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthPoller{
		src:      src,
		interval: interval,
		metrics:  m,
		logger:   logger.With(zap.String("component", "health_poller")),
	}
}

func (p *HealthPoller) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *HealthPoller) loop(ctx context.Context) {
	// Initial poll
	p.Poll()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll reads telemetry once. Errors are logged; the poller keeps going.
func (p *HealthPoller) Poll() {
	t, err := p.src.Telemetry()
	if err != nil {
		p.logger.Warn("telemetry poll failed, is the implant connected?", zap.Error(err))
		return
	}

	p.metrics.SetTelemetry("humidity", t.Humidity)
	p.metrics.SetTelemetry("temperature", t.Temperature)
	p.metrics.SetTelemetry("voltage", t.VoltageV)

	if t.Stimulating != p.last.Stimulating {
		p.logger.Info("stimulation state changed", zap.Bool("stimulating", t.Stimulating))
	}
	p.last = t
	p.logger.Debug("telemetry",
		zap.Float64("humidity", t.Humidity),
		zap.Float64("temperature", t.Temperature),
		zap.Float64("voltage", t.VoltageV))
}
