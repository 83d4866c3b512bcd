package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ct-bic/internal/model"
	"ct-bic/internal/state"
)

const headerTimeout = 5 * time.Second

var (
	// ErrInletClosed is returned by reads after the stream connection ended.
	ErrInletClosed = errors.New("ingest: inlet connection closed")
	// ErrNotConnected is returned by reads before Connect succeeded.
	ErrNotConnected = errors.New("ingest: inlet not connected")
	// ErrStreamMismatch is returned when the stream header does not match
	// the channel count the inlet was built for.
	ErrStreamMismatch = errors.New("ingest: stream header mismatch")
)

// StreamURL builds the websocket URL of a named stream on an outlet server,
// e.g. StreamURL("ws://127.0.0.1:8080", "control_signal").
func StreamURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/streams/" + url.PathEscape(name)
}

// Inlet subscribes to a named stream and keeps its most recent samples in
// a local ring buffer, so readers can always ask for the latest value
// without touching the network.
type Inlet struct {
	url    string
	buf    *state.RingBuffer
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	info model.StreamInfo
	err  error
	done chan struct{}
}

// InletOption configures an Inlet.
type InletOption func(*Inlet)

func WithInletLogger(l *zap.Logger) InletOption {
	return func(i *Inlet) { i.logger = l }
}

func WithDialer(d *websocket.Dialer) InletOption {
	return func(i *Inlet) { i.dialer = d }
}

// NewInlet sizes the local buffer for bufferSeconds of data at sampleRate.
func NewInlet(streamURL string, channels int, bufferSeconds, sampleRate float64, opts ...InletOption) (*Inlet, error) {
	buf, err := state.NewRingBuffer(state.CapacityFor(bufferSeconds, sampleRate), channels)
	if err != nil {
		return nil, err
	}
	i := &Inlet{
		url:    streamURL,
		buf:    buf,
		dialer: websocket.DefaultDialer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(zap.String("component", "inlet"), zap.String("url", streamURL))
	return i, nil
}

// Connect dials the stream once and validates its header. Not retried.
func (i *Inlet) Connect(ctx context.Context) error {
	c, _, err := i.dialer.DialContext(ctx, i.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", i.url, err)
	}

	deadline := time.Now().Add(headerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.SetReadDeadline(deadline)

	var info model.StreamInfo
	if err := c.ReadJSON(&info); err != nil {
		c.Close()
		return fmt.Errorf("read stream header: %w", err)
	}
	if info.ChannelCount != i.buf.Channels() {
		c.Close()
		return fmt.Errorf("%w: stream %q has %d channels, want %d",
			ErrStreamMismatch, info.Name, info.ChannelCount, i.buf.Channels())
	}
	_ = c.SetReadDeadline(time.Time{})

	// Values from a previous connection must not look current.
	if err := i.buf.Reset(); err != nil {
		c.Close()
		return err
	}

	done := make(chan struct{})
	i.mu.Lock()
	i.conn = c
	i.info = info
	i.err = nil
	i.done = done
	i.mu.Unlock()

	i.logger.Info("connected to stream",
		zap.String("stream", info.Name),
		zap.Int("channels", info.ChannelCount),
		zap.Float64("sample_rate", info.SampleRate))

	go i.readLoop(c, done)
	return nil
}

func (i *Inlet) readLoop(c *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			i.mu.Lock()
			i.err = err
			i.mu.Unlock()
			i.logger.Warn("stream connection ended", zap.Error(err))
			return
		}
		s, err := model.DecodeSample(msg)
		if err != nil {
			i.logger.Warn("skipping undecodable frame", zap.Error(err))
			continue
		}
		if err := i.buf.Append([]model.Sample{s}); err != nil {
			i.logger.Warn("skipping sample", zap.Error(err))
		}
	}
}

func (i *Inlet) status() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done == nil {
		return ErrNotConnected
	}
	if i.err != nil {
		return fmt.Errorf("%w: %v", ErrInletClosed, i.err)
	}
	return nil
}

// LatestValue returns the most recent value on channel. ok is false while
// nothing has arrived yet; err is set once the connection has ended.
func (i *Inlet) LatestValue(channel int) (float64, bool, error) {
	if err := i.status(); err != nil {
		return 0, false, err
	}
	v, ok := i.buf.LatestValue(channel)
	return v, ok, nil
}

// Latest returns up to k of the most recent samples.
func (i *Inlet) Latest(k int) []model.Sample {
	return i.buf.Latest(k)
}

// Info is the header received on Connect.
func (i *Inlet) Info() model.StreamInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info
}

// Close drops the connection and waits for the read loop to exit.
func (i *Inlet) Close() error {
	i.mu.Lock()
	c, done := i.conn, i.done
	i.mu.Unlock()
	if c == nil {
		return nil
	}
	err := c.Close()
	<-done
	return err
}
