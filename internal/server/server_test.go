package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ct-bic/internal/broadcast"
	"ct-bic/internal/config"
	"ct-bic/internal/control"
	"ct-bic/internal/device"
	"ct-bic/internal/manager"
	"ct-bic/internal/metrics"
	"ct-bic/internal/model"
)

// fakeCommander records calls and returns the configured error per command.
type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
	panic bool
}

func (f *fakeCommander) call(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeCommander) StartRecording(context.Context) error {
	if f.panic {
		panic("boom")
	}
	return f.call("start")
}
func (f *fakeCommander) StopRecording() error                   { return f.call("stop") }
func (f *fakeCommander) ListenForTrigger(context.Context) error { return f.call("listen") }
func (f *fakeCommander) StopListening() error                   { return f.call("stoplisten") }
func (f *fakeCommander) StartStimulation() error                { return f.call("stim") }
func (f *fakeCommander) StopStimulation() error                 { return f.call("stopstim") }
func (f *fakeCommander) Status() manager.Status {
	return manager.Status{Recording: true, Session: "s1", Phase: "idle"}
}

func (f *fakeCommander) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestServer(t *testing.T, cmd Commander, cfg config.ServerConfig, gatherer prometheus.Gatherer) (*httptest.Server, *broadcast.Server) {
	t.Helper()
	log := zap.NewNop()
	outlets := broadcast.NewServer(broadcast.WithLogger(log))
	srv := httptest.NewServer(NewHandler(NewAPI(cmd, cfg, log), outlets, gatherer, log))
	t.Cleanup(func() {
		srv.Close()
		outlets.Close()
	})
	return srv, outlets
}

func post(t *testing.T, srv *httptest.Server, command string) (int, Response) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/cmd/"+command, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestCommandsDispatch(t *testing.T) {
	cmd := &fakeCommander{}
	srv, _ := newTestServer(t, cmd, config.DefaultServerConfig(), nil)

	for _, name := range []string{"start", "listen", "stim", "stopstim", "stoplisten", "stop"} {
		status, body := post(t, srv, name)
		assert.Equal(t, http.StatusOK, status, name)
		assert.True(t, body.OK)
		assert.Equal(t, name, body.Command)
	}
	assert.Equal(t, []string{"start", "listen", "stim", "stopstim", "stoplisten", "stop"}, cmd.Calls())
}

func TestUnknownCommand(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCommander{}, config.DefaultServerConfig(), nil)

	status, body := post(t, srv, "reboot")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, body.OK)
	assert.Equal(t, "unknown command", body.Error)
}

func TestCommandRequiresPost(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCommander{}, config.DefaultServerConfig(), nil)

	resp, err := http.Get(srv.URL + "/cmd/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCommandErrors(t *testing.T) {
	cmd := &fakeCommander{errs: map[string]error{
		"start":  manager.ErrAlreadyRecording,
		"listen": fmt.Errorf("%w: dial: refused", control.ErrSignalSourceUnavailable),
		"stim":   fmt.Errorf("start stimulation: %w", device.ErrNoStimulation),
		"stop":   errors.New("disk full"),
	}}
	srv, _ := newTestServer(t, cmd, config.DefaultServerConfig(), nil)

	status, body := post(t, srv, "start")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, manager.ErrAlreadyRecording.Error(), body.Error)

	status, _ = post(t, srv, "listen")
	assert.Equal(t, http.StatusBadGateway, status)

	status, _ = post(t, srv, "stim")
	assert.Equal(t, http.StatusConflict, status)

	status, body = post(t, srv, "stop")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "disk full", body.Error)
}

func TestStimRateLimited(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.StimRateLimit = 0.001
	cfg.StimBurst = 2
	cmd := &fakeCommander{}
	srv, _ := newTestServer(t, cmd, cfg, nil)

	status, _ := post(t, srv, "stim")
	assert.Equal(t, http.StatusOK, status)
	status, _ = post(t, srv, "stim")
	assert.Equal(t, http.StatusOK, status)
	status, body := post(t, srv, "stim")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, ErrRateLimited.Error(), body.Error)

	// Only manual stimulation is limited.
	status, _ = post(t, srv, "stopstim")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"stim", "stim", "stopstim"}, cmd.Calls())
}

func TestStimUnlimited(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.StimRateLimit = 0
	srv, _ := newTestServer(t, &fakeCommander{}, cfg, nil)

	for i := 0; i < 10; i++ {
		status, _ := post(t, srv, "stim")
		require.Equal(t, http.StatusOK, status)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCommander{}, config.DefaultServerConfig(), nil)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))

	var st manager.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Recording)
	assert.Equal(t, "s1", st.Session)
	assert.Nil(t, st.LastValue)
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCommander{panic: true}, config.DefaultServerConfig(), nil)

	resp, err := http.Post(srv.URL+"/cmd/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("ctbic", reg, nil)
	m.IncMarker(string(model.MarkerListening))

	srv, _ := newTestServer(t, &fakeCommander{}, config.DefaultServerConfig(), reg)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ctbic_markers_emitted_total{tag="listening"} 1`)
}

func TestMetricsDisabled(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCommander{}, config.DefaultServerConfig(), nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamsThroughMiddleware(t *testing.T) {
	srv, outlets := newTestServer(t, &fakeCommander{}, config.DefaultServerConfig(), nil)
	info := model.StreamInfo{Name: "eeg", ChannelCount: 1, SampleRate: 100, Format: model.FormatFloat64}
	_, err := outlets.Outlet(info, 1)
	require.NoError(t, err)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/streams/eeg", nil)
	require.NoError(t, err, "upgrade must survive the request logger")
	defer c.Close()

	var got model.StreamInfo
	require.NoError(t, c.ReadJSON(&got))
	assert.Equal(t, info, got)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCommander{}, config.DefaultServerConfig(), nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPICommands(t *testing.T) {
	a := NewAPI(&fakeCommander{}, config.DefaultServerConfig(), nil)
	assert.Equal(t, []string{"listen", "start", "stim", "stop", "stoplisten", "stopstim"}, a.Commands())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrRateLimited, http.StatusTooManyRequests},
		{manager.ErrNotListening, http.StatusConflict},
		{fmt.Errorf("start measurement: %w", device.ErrAlreadyMeasuring), http.StatusConflict},
		{device.ErrPoweredOff, http.StatusServiceUnavailable},
		{manager.ErrClosed, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusRequestTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

// --- Manager lifecycle ---

func TestManager_StartAndShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	cfg := ConfigFrom(config.DefaultServerConfig())
	cfg.Addr = "127.0.0.1:0"
	m := NewManager(handler, cfg, zap.NewNop())

	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	assert.NotEqual(t, "127.0.0.1:0", m.Addr())

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	assert.Error(t, m.Start())
}

func TestManager_DoubleStart(t *testing.T) {
	cfg := ConfigFrom(config.DefaultServerConfig())
	cfg.Addr = "127.0.0.1:0"
	m := NewManager(http.NewServeMux(), cfg, nil)

	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	assert.ErrorContains(t, m.Start(), "already started")
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.DefaultServerConfig())
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr)
	assert.Equal(t, 2*cfg.ReadTimeout, cfg.IdleTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
}
