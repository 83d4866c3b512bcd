package state

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"ct-bic/internal/model"
)

// ErrNoRecording is returned when no recording file matches.
var ErrNoRecording = errors.New("state: no recording found")

// LatestRecording returns the newest "*_samples.csv" file in dir. Session
// files are prefixed with a sortable timestamp, so the last name wins.
func LatestRecording(dir string) (string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*_samples.csv"))
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoRecording, dir)
	}
	sort.Strings(files)
	return files[len(files)-1], nil
}

// LoadFromCSV reads a session recording and returns up to `limit` samples
// (most recent; limit <= 0 means all). Rows that do not parse are skipped.
//
// CSV header:
//
//	counter,ch_0,ch_1,...,ch_{C-1}
func LoadFromCSV(path string, channels, limit int, logger *zap.Logger) ([]model.Sample, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	// Column index map, so extra columns or reordering do not matter.
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	counterCol, ok := idx["counter"]
	if !ok {
		return nil, fmt.Errorf("%s: missing counter column", path)
	}
	cols := make([]int, channels)
	for ch := range cols {
		c, ok := idx["ch_"+strconv.Itoa(ch)]
		if !ok {
			return nil, fmt.Errorf("%s: missing column ch_%d", path, ch)
		}
		cols[ch] = c
	}

	var (
		samples []model.Sample
		skipped int
	)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		s, ok := csvRowToSample(row, counterCol, cols)
		if !ok {
			skipped++
			continue
		}
		samples = append(samples, s)
	}

	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}

	logger.Info("loaded recording",
		zap.String("path", path),
		zap.Int("samples", len(samples)),
		zap.Int("skipped_rows", skipped))
	return samples, nil
}

func csvRowToSample(row []string, counterCol int, cols []int) (model.Sample, bool) {
	if counterCol >= len(row) {
		return model.Sample{}, false
	}
	counter, err := strconv.ParseInt(strings.TrimSpace(row[counterCol]), 10, 64)
	if err != nil {
		return model.Sample{}, false
	}
	values := make([]float64, len(cols))
	for ch, c := range cols {
		if c >= len(row) {
			return model.Sample{}, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[c]), 64)
		if err != nil {
			return model.Sample{}, false
		}
		values[ch] = v
	}
	return model.Sample{Values: values, Counter: counter}, true
}
