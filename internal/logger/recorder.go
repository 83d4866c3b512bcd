// Package logger records sessions to disk off the hot path.
//
//	republisher / marker bus → buffered channels → recorder goroutine → files
//
// Sends never block: when the recorder is backed up the sample or marker is
// dropped and counted. Writes are buffered and flushed once per second.
package logger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ct-bic/internal/metrics"
	"ct-bic/internal/model"
)

const (
	sampleChanSize = 1 << 14
	markerChanSize = 256
	bufSize        = 1 << 20 // 1 MB
	flushPeriod    = 1 * time.Second
)

// ErrRecorderClosed is returned by pushes after Close.
var ErrRecorderClosed = errors.New("logger: recorder closed")

// Recorder persists one session's samples and markers.
type Recorder interface {
	PushSample(model.Sample) error
	RecordMarker(model.MarkerEvent)
	Dropped() uint64
	Close() error
}

// Option configures a recorder.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Collector
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SessionFile is the path of one session artefact, e.g.
// SessionFile(dir, "20260101T120000_ab12cd34", "samples.csv").
func SessionFile(dir, session, suffix string) string {
	return filepath.Join(dir, session+"_"+suffix)
}

// backend is the format-specific part of a recorder. Its methods run on
// the recorder goroutine only.
type backend interface {
	writeSample(model.Sample) error
	flush() error
	close() error
}

// pipeline is the async part shared by every format: bounded channels, one
// writer goroutine, periodic flush.
type pipeline struct {
	samples chan model.Sample
	markers chan model.MarkerEvent
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	be      backend
	marks   *markerFile
	dropped atomic.Uint64
	logger  *zap.Logger
	metrics *metrics.Collector

	closeErr error
}

func startPipeline(be backend, marks *markerFile, o options) *pipeline {
	p := &pipeline{
		samples: make(chan model.Sample, sampleChanSize),
		markers: make(chan model.MarkerEvent, markerChanSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		be:      be,
		marks:   marks,
		logger:  o.logger,
		metrics: o.metrics,
	}
	go p.run()
	return p
}

// PushSample queues s for writing. A full queue drops s.
func (p *pipeline) PushSample(s model.Sample) error {
	select {
	case <-p.quit:
		return ErrRecorderClosed
	default:
	}
	select {
	case p.samples <- s:
	default:
		p.drop()
	}
	return nil
}

// RecordMarker queues a marker. A full queue drops it.
func (p *pipeline) RecordMarker(ev model.MarkerEvent) {
	select {
	case <-p.quit:
		return
	default:
	}
	select {
	case p.markers <- ev:
	default:
		p.drop()
	}
}

func (p *pipeline) drop() {
	p.dropped.Add(1)
	p.metrics.IncRecorderDropped()
}

// Dropped is the number of samples and markers lost to back-pressure.
func (p *pipeline) Dropped() uint64 { return p.dropped.Load() }

// Close drains what is queued, flushes and closes the files.
func (p *pipeline) Close() error {
	p.once.Do(func() {
		close(p.quit)
		<-p.done
	})
	return p.closeErr
}

func (p *pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case s := <-p.samples:
			p.writeSample(s)
		case ev := <-p.markers:
			p.writeMarker(ev)
		case <-ticker.C:
			p.flush()
		case <-p.quit:
			p.drain()
			p.closeErr = errors.Join(p.be.close(), p.marks.close())
			return
		}
	}
}

func (p *pipeline) drain() {
	for {
		select {
		case s := <-p.samples:
			p.writeSample(s)
		case ev := <-p.markers:
			p.writeMarker(ev)
		default:
			return
		}
	}
}

func (p *pipeline) writeSample(s model.Sample) {
	if err := p.be.writeSample(s); err != nil {
		p.logger.Warn("write sample failed", zap.Int64("counter", s.Counter), zap.Error(err))
	}
}

func (p *pipeline) writeMarker(ev model.MarkerEvent) {
	if err := p.marks.write(ev); err != nil {
		p.logger.Warn("write marker failed", zap.String("tag", string(ev.Tag)), zap.Error(err))
	}
}

func (p *pipeline) flush() {
	if err := errors.Join(p.be.flush(), p.marks.flush()); err != nil {
		p.logger.Warn("flush failed", zap.Error(err))
	}
}

// markerFile is the "<session>_markers.csv" sidecar: time_ns,tag
type markerFile struct {
	f   *os.File
	w   *bufio.Writer
	buf []byte
}

func createMarkerFile(path string) (*markerFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	m := &markerFile{f: f, w: bufio.NewWriterSize(f, 4096)}
	if _, err := m.w.WriteString("time_ns,tag\n"); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *markerFile) write(ev model.MarkerEvent) error {
	m.buf = strconv.AppendInt(m.buf[:0], ev.Time, 10)
	m.buf = append(m.buf, ',')
	m.buf = append(m.buf, ev.Tag...)
	m.buf = append(m.buf, '\n')
	_, err := m.w.Write(m.buf)
	return err
}

func (m *markerFile) flush() error { return m.w.Flush() }

func (m *markerFile) close() error {
	return errors.Join(m.w.Flush(), m.f.Close())
}
