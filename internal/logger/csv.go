package logger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"ct-bic/internal/model"
)

// CSVRecorder writes samples to "<session>_samples.csv":
//
//	counter,ch_0,ch_1,...,ch_{C-1}
//
// and markers to "<session>_markers.csv". state.LoadFromCSV reads the
// sample file back.
type CSVRecorder struct {
	*pipeline
	path string
}

type csvBackend struct {
	f        *os.File
	w        *bufio.Writer
	channels int
	line     []byte
}

// NewCSVRecorder creates both session files in dir and starts the writer.
func NewCSVRecorder(dir, session string, channels int, opts ...Option) (*CSVRecorder, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("logger: invalid channel count %d", channels)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	o := buildOptions(opts)

	path := SessionFile(dir, session, "samples.csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	be := &csvBackend{f: f, w: bufio.NewWriterSize(f, bufSize), channels: channels}
	if _, err := be.w.WriteString(csvHeader(channels)); err != nil {
		f.Close()
		return nil, err
	}

	marks, err := createMarkerFile(SessionFile(dir, session, "markers.csv"))
	if err != nil {
		f.Close()
		return nil, err
	}

	o.logger = o.logger.With(zap.String("component", "csv_recorder"), zap.String("session", session))
	o.logger.Info("recording to csv", zap.String("path", path), zap.Int("channels", channels))

	return &CSVRecorder{pipeline: startPipeline(be, marks, o), path: path}, nil
}

// Path of the samples file.
func (r *CSVRecorder) Path() string { return r.path }

func csvHeader(channels int) string {
	var b strings.Builder
	b.WriteString("counter")
	for ch := 0; ch < channels; ch++ {
		b.WriteString(",ch_")
		b.WriteString(strconv.Itoa(ch))
	}
	b.WriteByte('\n')
	return b.String()
}

func (c *csvBackend) writeSample(s model.Sample) error {
	if len(s.Values) != c.channels {
		return fmt.Errorf("sample has %d values, want %d", len(s.Values), c.channels)
	}
	c.line = strconv.AppendInt(c.line[:0], s.Counter, 10)
	for _, v := range s.Values {
		c.line = append(c.line, ',')
		c.line = strconv.AppendFloat(c.line, v, 'g', -1, 64)
	}
	c.line = append(c.line, '\n')
	_, err := c.w.Write(c.line)
	return err
}

func (c *csvBackend) flush() error { return c.w.Flush() }

func (c *csvBackend) close() error {
	return errors.Join(c.w.Flush(), c.f.Close())
}
