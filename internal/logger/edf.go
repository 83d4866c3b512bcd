package logger

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/OpenPSG/edf"
	"go.uber.org/zap"

	"ct-bic/internal/model"
)

// maxRecordBytes is the EDF recommended upper bound for one data record.
const maxRecordBytes = 61440

// ErrRecordTooLarge is returned when one second of the stream does not fit
// into a single EDF data record.
var ErrRecordTooLarge = errors.New("logger: edf data record too large")

// EDFConfig describes the signals of an EDF recording.
type EDFConfig struct {
	PatientID   string
	PhysicalMin float64 // µV
	PhysicalMax float64 // µV
	Labels      []string
}

// DefaultEDFConfig covers ±1 mV, enough for stimulation artefacts.
func DefaultEDFConfig() EDFConfig {
	return EDFConfig{
		PatientID:   "X",
		PhysicalMin: -1000,
		PhysicalMax: 1000,
	}
}

// EDFRecorder writes samples to "<session>_samples.edf" with one data record per
// second, and markers to "<session>_markers.csv". A partial last record is
// discarded on Close.
type EDFRecorder struct {
	*pipeline
	path string
}

type edfBackend struct {
	f      *os.File
	w      *edf.Writer
	record [][]float64
	filled int
	per    int
	pmin   float64
	pmax   float64
	logger *zap.Logger
}

// NewEDFRecorder needs an integral sample rate; it becomes the number of
// samples per data record.
func NewEDFRecorder(dir, session string, info model.StreamInfo, cfg EDFConfig, opts ...Option) (*EDFRecorder, error) {
	rate := int(info.SampleRate)
	if rate <= 0 || float64(rate) != info.SampleRate {
		return nil, fmt.Errorf("logger: edf needs an integral sample rate, got %v", info.SampleRate)
	}
	if info.ChannelCount <= 0 {
		return nil, fmt.Errorf("logger: invalid channel count %d", info.ChannelCount)
	}
	if size := info.ChannelCount * rate * 2; size > maxRecordBytes {
		return nil, fmt.Errorf("%w: %d channels at %d Hz is %d bytes per second (max %d)",
			ErrRecordTooLarge, info.ChannelCount, rate, size, maxRecordBytes)
	}
	if cfg.PhysicalMax <= cfg.PhysicalMin {
		return nil, fmt.Errorf("logger: edf physical range [%v, %v] is empty", cfg.PhysicalMin, cfg.PhysicalMax)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	o := buildOptions(opts)

	signals := make([]edf.Signal, info.ChannelCount)
	for ch := range signals {
		label := fmt.Sprintf("ch_%d", ch)
		if ch < len(cfg.Labels) {
			label = cfg.Labels[ch]
		}
		signals[ch] = edf.Signal{
			Label:             label,
			TransducerType:    info.Type,
			PhysicalDimension: "uV",
			PhysicalMin:       cfg.PhysicalMin,
			PhysicalMax:       cfg.PhysicalMax,
			DigitalMin:        math.MinInt16,
			DigitalMax:        math.MaxInt16,
			SamplesPerRecord:  rate,
		}
	}

	path := SessionFile(dir, session, "samples.edf")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	w, err := edf.Create(f, edf.Header{
		Version:            edf.Version0,
		PatientID:          cfg.PatientID,
		RecordingID:        session,
		StartTime:          time.Now(),
		DataRecordDuration: time.Second,
		SignalCount:        info.ChannelCount,
		Signals:            signals,
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("edf header: %w", err)
	}

	marks, err := createMarkerFile(SessionFile(dir, session, "markers.csv"))
	if err != nil {
		f.Close()
		return nil, err
	}

	record := make([][]float64, info.ChannelCount)
	for ch := range record {
		record[ch] = make([]float64, rate)
	}

	o.logger = o.logger.With(zap.String("component", "edf_recorder"), zap.String("session", session))
	o.logger.Info("recording to edf", zap.String("path", path), zap.Int("channels", info.ChannelCount), zap.Int("rate", rate))

	be := &edfBackend{
		f:      f,
		w:      w,
		record: record,
		per:    rate,
		pmin:   cfg.PhysicalMin,
		pmax:   cfg.PhysicalMax,
		logger: o.logger,
	}
	return &EDFRecorder{pipeline: startPipeline(be, marks, o), path: path}, nil
}

// Path of the EDF file.
func (r *EDFRecorder) Path() string { return r.path }

func (e *edfBackend) writeSample(s model.Sample) error {
	if len(s.Values) != len(e.record) {
		return fmt.Errorf("sample has %d values, want %d", len(s.Values), len(e.record))
	}
	// Out-of-range values would wrap in the int16 conversion.
	for ch, v := range s.Values {
		e.record[ch][e.filled] = min(max(v, e.pmin), e.pmax)
	}
	e.filled++
	if e.filled < e.per {
		return nil
	}
	e.filled = 0
	return e.w.WriteRecord(e.record)
}

// The edf writer flushes every record itself.
func (e *edfBackend) flush() error { return nil }

func (e *edfBackend) close() error {
	if e.filled > 0 {
		e.logger.Info("discarding partial edf record", zap.Int("samples", e.filled))
	}
	return errors.Join(e.w.Close(), e.f.Close())
}
