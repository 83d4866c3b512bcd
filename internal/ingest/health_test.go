package ingest

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"ct-bic/internal/device"
	"ct-bic/internal/metrics"
)

type fakeTelemetry struct {
	polls atomic.Int32
	err   error
}

func (f *fakeTelemetry) Telemetry() (device.Telemetry, error) {
	f.polls.Add(1)
	if f.err != nil {
		return device.Telemetry{}, f.err
	}
	return device.Telemetry{Humidity: 10, Temperature: 37, VoltageV: 3.3, PoweredOn: true}, nil
}

func TestHealthPollerSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("test", reg, nil)
	p := NewHealthPoller(&fakeTelemetry{}, time.Hour, m, zaptest.NewLogger(t))

	p.Poll()

	expected := `
# HELP test_device_telemetry Latest device telemetry readings
# TYPE test_device_telemetry gauge
test_device_telemetry{kind="humidity"} 10
test_device_telemetry{kind="temperature"} 37
test_device_telemetry{kind="voltage"} 3.3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_device_telemetry"))
}

func TestHealthPollerKeepsGoingOnError(t *testing.T) {
	src := &fakeTelemetry{err: device.ErrPoweredOff}
	p := NewHealthPoller(src, time.Millisecond, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.Eventually(t, func() bool { return src.polls.Load() >= 3 }, time.Second, time.Millisecond)
}
