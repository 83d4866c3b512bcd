package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the instruments for ingestion, republishing, triggering and recording.
type Collector struct {
	// ingestion
	samplesIngested  prometheus.Counter
	batchesMalformed prometheus.Counter
	counterGaps      prometheus.Counter
	drainOverrun     prometheus.Counter

	// republishing
	samplesRepublished prometheus.Counter
	republishErrors    prometheus.Counter

	// controller
	triggersFired    prometheus.Counter
	actionDuration   prometheus.Histogram
	actionErrors     prometheus.Counter
	controllerPhase  prometheus.Gauge
	markersEmitted   *prometheus.CounterVec
	recorderDropped  prometheus.Counter
	deviceTelemetry  *prometheus.GaugeVec
	measurementState prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers all instruments on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.samplesIngested = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_ingested_total",
		Help:      "Samples written to the ring buffer by the ingestion sink",
	})
	c.batchesMalformed = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_malformed_total",
		Help:      "Device batches rejected because their length is not a multiple of the channel count",
	})
	c.counterGaps = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_gap_batches_total",
		Help:      "Device batches missing according to gaps in the batch counter",
	})
	c.drainOverrun = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drain_overrun_samples_total",
		Help:      "Samples overwritten in the ring buffer before they were drained",
	})

	c.samplesRepublished = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_republished_total",
		Help:      "Samples forwarded to the outgoing stream",
	})
	c.republishErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "republish_errors_total",
		Help:      "Samples the outgoing stream sink refused",
	})

	c.triggersFired = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_fired_total",
		Help:      "Threshold crossings that fired the stimulation action",
	})
	c.actionDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trigger_action_duration_seconds",
		Help:      "Time spent inside the stimulation action",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})
	c.actionErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trigger_action_errors_total",
		Help:      "Stimulation actions that returned an error",
	})
	c.controllerPhase = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "controller_phase",
		Help:      "Threshold controller phase (0 idle, 1 above threshold, 2 grace period)",
	})
	c.markersEmitted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "markers_emitted_total",
		Help:      "Marker events published",
	}, []string{"tag"})
	c.recorderDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recorder_dropped_total",
		Help:      "Rows the session recorder dropped because it was backed up",
	})
	c.deviceTelemetry = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_telemetry",
		Help:      "Latest device telemetry readings",
	}, []string{"kind"})
	c.measurementState = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "measurement_active",
		Help:      "1 while the device reports an active measurement",
	})

	return c
}

func (c *Collector) AddSamplesIngested(n int) {
	if c == nil {
		return
	}
	c.samplesIngested.Add(float64(n))
}

func (c *Collector) IncMalformedBatch() {
	if c == nil {
		return
	}
	c.batchesMalformed.Inc()
}

func (c *Collector) AddCounterGap(missing int64) {
	if c == nil || missing <= 0 {
		return
	}
	c.counterGaps.Add(float64(missing))
}

func (c *Collector) AddDrainOverrun(n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.drainOverrun.Add(float64(n))
}

func (c *Collector) IncRepublished() {
	if c == nil {
		return
	}
	c.samplesRepublished.Inc()
}

func (c *Collector) IncRepublishError() {
	if c == nil {
		return
	}
	c.republishErrors.Inc()
}

// RecordTrigger counts one fired trigger and the action's latency.
func (c *Collector) RecordTrigger(actionDuration time.Duration, err error) {
	if c == nil {
		return
	}
	c.triggersFired.Inc()
	c.actionDuration.Observe(actionDuration.Seconds())
	if err != nil {
		c.actionErrors.Inc()
	}
}

func (c *Collector) SetControllerPhase(phase int) {
	if c == nil {
		return
	}
	c.controllerPhase.Set(float64(phase))
}

func (c *Collector) IncMarker(tag string) {
	if c == nil {
		return
	}
	c.markersEmitted.WithLabelValues(tag).Inc()
}

func (c *Collector) IncRecorderDropped() {
	if c == nil {
		return
	}
	c.recorderDropped.Inc()
}

func (c *Collector) SetTelemetry(kind string, v float64) {
	if c == nil {
		return
	}
	c.deviceTelemetry.WithLabelValues(kind).Set(v)
}

func (c *Collector) SetMeasuring(on bool) {
	if c == nil {
		return
	}
	if on {
		c.measurementState.Set(1)
		return
	}
	c.measurementState.Set(0)
}
