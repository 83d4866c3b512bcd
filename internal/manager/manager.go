// Package manager ties the acquisition pipeline, the outlets, the recorder and
// the trigger controller to one device.
//
//	device ─OnData→ sink → ring buffer ─drain→ republisher → stream outlet
//	                                                       → recorder
//	inlet (monitored stream) → controller ─action→ device.StartStimulation
//	                               └─markers→ bus → marker outlet, recorder
package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ct-bic/internal/broadcast"
	"ct-bic/internal/bus"
	"ct-bic/internal/config"
	"ct-bic/internal/control"
	"ct-bic/internal/device"
	"ct-bic/internal/ingest"
	"ct-bic/internal/logger"
	"ct-bic/internal/marker"
	"ct-bic/internal/metrics"
	"ct-bic/internal/model"
	"ct-bic/internal/republish"
	"ct-bic/internal/state"
)

var (
	ErrAlreadyRecording = errors.New("manager: already recording")
	ErrNotRecording     = errors.New("manager: not recording")
	ErrAlreadyListening = errors.New("manager: already listening")
	ErrNotListening     = errors.New("manager: not listening")
	ErrClosed           = errors.New("manager: closed")
)

const (
	markerSubscription = 256
	relistenBaseDelay  = 1 * time.Second
)

// SourceFactory builds the signal source the controller watches.
type SourceFactory func() (control.SignalSource, error)

// RecorderFactory opens the recorder for a new session.
type RecorderFactory func(session string) (logger.Recorder, error)

// Manager is safe for concurrent use.
type Manager struct {
	cfg     *config.Config
	dev     device.Device
	logger  *zap.Logger
	metrics *metrics.Collector

	buf     *state.RingBuffer
	sink    *ingest.Sink
	repub   *republish.Republisher
	data    *broadcast.Outlet
	marks   *broadcast.Outlet
	bus     *bus.Bus
	emitter *marker.Emitter

	newSource     SourceFactory
	newRecorder   RecorderFactory
	relistenDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	fanout chan struct{}

	mu        sync.Mutex
	recording bool
	session   string
	listener  *listener
	stimReady atomic.Bool
	closed    bool

	recorder atomic.Pointer[sessionRecorder]
}

type sessionRecorder struct {
	logger.Recorder
}

// listener is one ListenForTrigger run, including its relisten attempts.
type listener struct {
	ctrl   *control.Controller
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (l *listener) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *listener) lastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithSourceFactory replaces the websocket inlet on the monitored stream.
func WithSourceFactory(f SourceFactory) Option {
	return func(m *Manager) { m.newSource = f }
}

// WithRecorderFactory replaces the recorder selected by the recording config.
func WithRecorderFactory(f RecorderFactory) Option {
	return func(m *Manager) { m.newRecorder = f }
}

// WithRelistenDelay sets the first relisten delay; it doubles up to
// control.relisten_max_delay.
func WithRelistenDelay(d time.Duration) Option {
	return func(m *Manager) { m.relistenDelay = d }
}

// New registers the ingestion sink with dev and opens the data and marker
// outlets on outlets. The device must produce cfg.Stream.ChannelCount channels.
func New(cfg *config.Config, dev device.Device, outlets *broadcast.Server, opts ...Option) (*Manager, error) {
	if got, want := dev.ChannelCount(), cfg.Stream.ChannelCount; got != want {
		return nil, fmt.Errorf("manager: device has %d channels, stream expects %d", got, want)
	}

	m := &Manager{
		cfg:           cfg,
		dev:           dev,
		logger:        zap.NewNop(),
		relistenDelay: relistenBaseDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "manager"))

	buf, err := state.NewRingBuffer(state.CapacityFor(cfg.Stream.BufferSizeS, cfg.Stream.SampleRate), cfg.Stream.ChannelCount)
	if err != nil {
		return nil, fmt.Errorf("manager: ring buffer: %w", err)
	}
	m.buf = buf
	m.sink = ingest.NewSink(buf, ingest.WithSinkLogger(m.logger), ingest.WithSinkMetrics(m.metrics))
	dev.RegisterListener(m.sink)

	m.data, err = outlets.Outlet(model.StreamInfo{
		Name:         cfg.Stream.Name,
		Type:         cfg.Stream.Type,
		ChannelCount: cfg.Stream.ChannelCount,
		SampleRate:   cfg.Stream.SampleRate,
		Format:       model.FormatFloat64,
		SourceID:     sourceID(cfg.Stream.Name),
	}, cfg.Stream.MaxBufferedS)
	if err != nil {
		return nil, fmt.Errorf("manager: data outlet: %w", err)
	}
	m.marks, err = outlets.Outlet(model.StreamInfo{
		Name:         cfg.Marker.StreamName,
		Type:         "Markers",
		ChannelCount: 1,
		SampleRate:   model.IrregularRate,
		Format:       model.FormatString,
		SourceID:     sourceID(cfg.Marker.StreamName),
	}, cfg.Marker.MaxBufferedS)
	if err != nil {
		outlets.Remove(cfg.Stream.Name)
		return nil, fmt.Errorf("manager: marker outlet: %w", err)
	}

	m.repub = republish.New(m.sink,
		republish.MultiSink{m.data, recorderSink{m}},
		cfg.Stream.SampleRate,
		republish.WithLogger(m.logger),
		republish.WithMetrics(m.metrics))

	m.bus = bus.NewBus()
	m.emitter = marker.NewEmitter(m.bus, marker.WithLogger(m.logger), marker.WithMetrics(m.metrics))

	if m.newSource == nil {
		m.newSource = m.inletSource
	}
	if m.newRecorder == nil {
		m.newRecorder = m.fileRecorder
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.fanout = make(chan struct{})
	go m.fanOutMarkers(m.bus.Subscribe(markerSubscription))

	if cfg.Device.TelemetryInterval > 0 {
		ingest.NewHealthPoller(dev, cfg.Device.TelemetryInterval, m.metrics, m.logger).Start(m.ctx)
	}
	return m, nil
}

func sourceID(name string) string {
	return name + "_" + uuid.NewString()
}

// Markers is the emitter the controller stamps its markers with.
func (m *Manager) Markers() *marker.Emitter { return m.emitter }

// =============================================================================
// RECORDING
// =============================================================================

// StartRecording resets the ring buffer, starts measurement and the
// republisher, and opens a recorder for a new session. The session runs
// until StopRecording or Close; ctx only carries values.
func (m *Manager) StartRecording(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.recording {
		return ErrAlreadyRecording
	}

	amp, err := m.cfg.Device.ParseAmplification()
	if err != nil {
		return err
	}
	if err := m.sink.Reset(); err != nil {
		return fmt.Errorf("reset ring buffer: %w", err)
	}

	session := newSessionID(time.Now())
	var rec logger.Recorder
	if m.cfg.Recording.Enabled {
		rec, err = m.newRecorder(session)
		if err != nil {
			return fmt.Errorf("open recorder: %w", err)
		}
		m.recorder.Store(&sessionRecorder{rec})
	}

	if err := m.dev.StartMeasurement(m.cfg.Device.RefChannels, amp, m.cfg.Device.UseGround); err != nil {
		m.dropRecorder()
		return fmt.Errorf("start measurement: %w", err)
	}
	if err := m.repub.Start(context.WithoutCancel(ctx)); err != nil {
		_ = m.dev.StopMeasurement()
		m.dropRecorder()
		return fmt.Errorf("start republisher: %w", err)
	}

	m.recording = true
	m.session = session
	m.logger.Info("recording started",
		zap.String("session", session),
		zap.Stringer("amplification", amp),
		zap.Ints("ref_channels", m.cfg.Device.RefChannels),
		zap.Bool("recorder", rec != nil))
	return nil
}

// StopRecording stops measurement and the republisher and closes the
// session's recorder.
func (m *Manager) StopRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopRecordingLocked()
}

func (m *Manager) stopRecordingLocked() error {
	if !m.recording {
		return ErrNotRecording
	}

	var errs []error
	if err := m.dev.StopMeasurement(); err != nil {
		errs = append(errs, fmt.Errorf("stop measurement: %w", err))
	}
	if err := m.repub.Stop(); err != nil && !errors.Is(err, republish.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("stop republisher: %w", err))
	}
	if err := m.dropRecorder(); err != nil {
		errs = append(errs, fmt.Errorf("close recorder: %w", err))
	}

	m.logger.Info("recording stopped",
		zap.String("session", m.session),
		zap.Uint64("forwarded", m.repub.Forwarded()))
	m.recording = false
	m.session = ""
	return errors.Join(errs...)
}

func (m *Manager) dropRecorder() error {
	r := m.recorder.Swap(nil)
	if r == nil {
		return nil
	}
	return r.Close()
}

// newSessionID sorts by start time: 20060102T150405_<8 hex>.
func newSessionID(t time.Time) string {
	return t.UTC().Format("20060102T150405") + "_" + uuid.NewString()[:8]
}

func (m *Manager) fileRecorder(session string) (logger.Recorder, error) {
	opts := []logger.Option{logger.WithLogger(m.logger), logger.WithMetrics(m.metrics)}
	rc := m.cfg.Recording
	switch rc.Format {
	case "edf":
		return logger.NewEDFRecorder(rc.Dir, session, m.data.Info(), logger.EDFConfig{
			PatientID:   rc.PatientID,
			PhysicalMin: rc.PhysicalMin,
			PhysicalMax: rc.PhysicalMax,
		}, opts...)
	default:
		return logger.NewCSVRecorder(rc.Dir, session, m.cfg.Stream.ChannelCount, opts...)
	}
}

// recorderSink forwards to whichever recorder the current session has.
type recorderSink struct{ m *Manager }

func (s recorderSink) PushSample(sample model.Sample) error {
	if r := s.m.recorder.Load(); r != nil {
		return r.PushSample(sample)
	}
	return nil
}

func (m *Manager) fanOutMarkers(events <-chan model.MarkerEvent) {
	defer close(m.fanout)
	for ev := range events {
		if err := m.marks.PushMarker(ev); err != nil {
			m.logger.Warn("push marker failed", zap.String("tag", string(ev.Tag)), zap.Error(err))
		}
		if r := m.recorder.Load(); r != nil {
			r.RecordMarker(ev)
		}
	}
}

// =============================================================================
// TRIGGER LISTENING
// =============================================================================

// ListenForTrigger starts the controller on the monitored stream in its own
// goroutine, with StartStimulation as the action. It returns once the stream
// is connected, or with the connect error. With control.relisten enabled a
// lost stream is reconnected with a doubling delay.
func (m *Manager) ListenForTrigger(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.listener != nil {
		select {
		case <-m.listener.done:
		default:
			m.mu.Unlock()
			return ErrAlreadyListening
		}
	}

	src, err := m.newSource()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", control.ErrSignalSourceUnavailable, err)
	}
	ns := &notifySource{SignalSource: src, connected: make(chan struct{})}

	cc := m.cfg.Control
	policy := control.BusyPoll
	if cc.PollPolicy == "sleep" {
		policy = control.SleepPoll
	}
	ctrl := control.New(ns, m.StartStimulation, control.Config{
		Channel:      cc.Channel,
		Threshold:    cc.Threshold,
		PollInterval: cc.PollInterval,
		GracePeriod:  cc.GracePeriod,
	},
		control.WithLogger(m.logger),
		control.WithMetrics(m.metrics),
		control.WithMarkers(m.emitter),
		control.WithPollPolicy(policy))

	lctx, cancel := context.WithCancel(m.ctx)
	l := &listener{ctrl: ctrl, cancel: cancel, done: make(chan struct{})}
	m.listener = l
	m.mu.Unlock()

	go m.runListener(lctx, l)

	select {
	case <-ns.connected:
		return nil
	case <-l.done:
		select {
		case <-ns.connected:
			return nil
		default:
		}
		return l.lastErr()
	case <-ctx.Done():
		_ = m.StopListening()
		return ctx.Err()
	}
}

func (m *Manager) runListener(ctx context.Context, l *listener) {
	defer close(l.done)

	delay := m.relistenDelay
	connectedOnce := false
	for {
		err := l.ctrl.Listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.setErr(err)

		lost := errors.Is(err, control.ErrSignalSourceLost)
		if lost {
			connectedOnce = true
			delay = m.relistenDelay
		}
		retry := m.cfg.Control.Relisten && connectedOnce &&
			(lost || errors.Is(err, control.ErrSignalSourceUnavailable))
		if !retry {
			m.logger.Error("trigger listener stopped", zap.Error(err))
			return
		}

		m.logger.Warn("monitored stream lost, relistening",
			zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, m.cfg.Control.RelistenMaxDelay)
	}
}

// StopListening cancels the controller and waits for it to return.
func (m *Manager) StopListening() error {
	m.mu.Lock()
	l := m.listener
	m.listener = nil
	m.mu.Unlock()

	if l == nil {
		return ErrNotListening
	}
	l.cancel()
	<-l.done
	m.logger.Info("stopped listening", zap.Uint64("triggers", l.ctrl.Fired()))
	return nil
}

func (m *Manager) inletSource() (control.SignalSource, error) {
	cc := m.cfg.Control
	return ingest.NewInlet(ingest.StreamURL(cc.SourceURL, cc.StreamName),
		cc.ChannelCount, cc.BufferSizeS, cc.SampleRate,
		ingest.WithInletLogger(m.logger))
}

// notifySource closes connected after the first successful Connect.
type notifySource struct {
	control.SignalSource
	connected chan struct{}
	once      sync.Once
}

func (s *notifySource) Connect(ctx context.Context) error {
	if err := s.SignalSource.Connect(ctx); err != nil {
		return err
	}
	s.once.Do(func() { close(s.connected) })
	return nil
}

// =============================================================================
// STIMULATION
// =============================================================================

// InitStimCommands preloads cmd on the device. A nil cmd preloads the
// configured single pulse.
func (m *Manager) InitStimCommands(cmd *device.StimulationCommand) error {
	if cmd == nil {
		p := device.SinglePulse(m.cfg.Device.Pulse)
		cmd = &p
	}
	if err := m.dev.EnqueueStimulation(*cmd, device.StimModePersistentPreloading); err != nil {
		return fmt.Errorf("enqueue %s: %w", cmd.Name, err)
	}
	m.stimReady.Store(true)
	m.logger.Info("stimulation preloaded", zap.String("command", cmd.Name))
	return nil
}

// StartStimulation runs the preloaded command. It is also the controller's
// trigger action.
func (m *Manager) StartStimulation() error {
	if err := m.dev.StartStimulation(); err != nil {
		return fmt.Errorf("start stimulation: %w", err)
	}
	m.logger.Debug("stimulation started")
	return nil
}

func (m *Manager) StopStimulation() error {
	if err := m.dev.StopStimulation(); err != nil {
		return fmt.Errorf("stop stimulation: %w", err)
	}
	m.logger.Debug("stimulation stopped")
	return nil
}

// =============================================================================
// STATUS / SHUTDOWN
// =============================================================================

// Status is a point-in-time view for the command API.
type Status struct {
	Session         string   `json:"session,omitempty"`
	Recording       bool     `json:"recording"`
	Measuring       bool     `json:"measuring"`
	Listening       bool     `json:"listening"`
	Phase           string   `json:"phase"`
	Triggers        uint64   `json:"triggers"`
	LastValue       *float64 `json:"last_value,omitempty"`
	ListenError     string   `json:"listen_error,omitempty"`
	StimLoaded      bool     `json:"stim_loaded"`
	Stimulations    int      `json:"stimulations"`
	Batches         uint64   `json:"batches"`
	Buffered        int      `json:"buffered"`
	Pending         int      `json:"pending"`
	Forwarded       uint64   `json:"forwarded"`
	StreamClients   int      `json:"stream_clients"`
	MarkerClients   int      `json:"marker_clients"`
	RecorderDropped uint64   `json:"recorder_dropped"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Session:   m.session,
		Recording: m.recording,
		Phase:     control.PhaseIdle.String(),
	}
	l := m.listener
	m.mu.Unlock()

	st.Measuring = m.sink.Measuring()
	st.StimLoaded = m.stimReady.Load()
	st.Batches = m.sink.Batches()
	st.Buffered = m.buf.Len()
	st.Pending = m.sink.Pending()
	st.Forwarded = m.repub.Forwarded()
	st.StreamClients = m.data.Clients()
	st.MarkerClients = m.marks.Clients()
	if r := m.recorder.Load(); r != nil {
		st.RecorderDropped = r.Dropped()
	}
	if t, err := m.dev.Telemetry(); err == nil {
		st.Stimulations = t.Stimulations
	}

	if l != nil {
		st.Listening = l.ctrl.Listening()
		st.Phase = l.ctrl.Phase().String()
		st.Triggers = l.ctrl.Fired()
		if v := l.ctrl.LastValue(); !math.IsNaN(v) {
			st.LastValue = &v
		}
		if err := l.lastErr(); err != nil {
			st.ListenError = err.Error()
		}
	}
	return st
}

// Close stops listening, recording and stimulation, powers the implant off
// and closes the marker bus. Outlets belong to the broadcast server.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	if err := m.StopListening(); err != nil && !errors.Is(err, ErrNotListening) {
		errs = append(errs, err)
	}

	m.mu.Lock()
	if err := m.stopRecordingLocked(); err != nil && !errors.Is(err, ErrNotRecording) {
		errs = append(errs, err)
	}
	m.mu.Unlock()

	if err := m.dev.StopStimulation(); err != nil {
		m.logger.Debug("stop stimulation on close", zap.Error(err))
	}
	if err := m.dev.SetPower(false); err != nil {
		errs = append(errs, fmt.Errorf("power off: %w", err))
	}

	m.cancel()
	m.bus.Close()
	<-m.fanout

	m.logger.Info("manager closed")
	return errors.Join(errs...)
}
