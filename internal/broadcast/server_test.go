package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ct-bic/internal/model"
)

func eegInfo(name string, channels int) model.StreamInfo {
	return model.StreamInfo{
		Name:         name,
		Type:         "EEG",
		ChannelCount: channels,
		SampleRate:   1000,
		Format:       model.FormatFloat64,
		SourceID:     name + "-test",
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer()
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, name string) (*websocket.Conn, model.StreamInfo) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/streams/" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var info model.StreamInfo
	require.NoError(t, conn.ReadJSON(&info))
	return conn, info
}

func waitClients(t *testing.T, o *Outlet, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return o.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestOutletDuplicateName(t *testing.T) {
	s := NewServer()
	defer s.Close()

	_, err := s.Outlet(eegInfo("a", 2), 1)
	require.NoError(t, err)
	_, err = s.Outlet(eegInfo("a", 2), 1)
	assert.ErrorIs(t, err, ErrDuplicateStream)
}

func TestStreamsListing(t *testing.T) {
	s, srv := newTestServer(t)
	_, err := s.Outlet(eegInfo("zeta", 1), 1)
	require.NoError(t, err)
	_, err = s.Outlet(model.StreamInfo{Name: "alpha", Type: "Markers", ChannelCount: 1, Format: model.FormatString}, 1)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/streams")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []model.StreamInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Name)
	assert.Equal(t, "zeta", got[1].Name)
}

func TestUnknownStream404(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/streams/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeaderThenSamples(t *testing.T) {
	s, srv := newTestServer(t)
	o, err := s.Outlet(eegInfo("eeg", 3), 1)
	require.NoError(t, err)

	conn, info := dial(t, srv, "eeg")
	assert.Equal(t, eegInfo("eeg", 3), info)
	waitClients(t, o, 1)

	want := model.Sample{Values: []float64{1, 2, 3}, Counter: 42}
	require.NoError(t, o.PushSample(want))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	got, err := model.DecodeSample(frame)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMarkerFanOut(t *testing.T) {
	s, srv := newTestServer(t)
	o, err := s.Outlet(model.StreamInfo{Name: "markers", Type: "Markers", ChannelCount: 1, Format: model.FormatString}, 1)
	require.NoError(t, err)

	a, _ := dial(t, srv, "markers")
	b, _ := dial(t, srv, "markers")
	waitClients(t, o, 2)

	ev := model.MarkerEvent{Tag: model.MarkerFiringCallback, Time: 1234}
	require.NoError(t, o.PushMarker(ev))

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		got, err := model.DecodeMarker(frame)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestPushSampleWidth(t *testing.T) {
	s := NewServer()
	defer s.Close()
	o, err := s.Outlet(eegInfo("eeg", 2), 1)
	require.NoError(t, err)

	assert.ErrorIs(t, o.PushSample(model.Sample{Values: []float64{1}}), ErrSampleWidth)
}

func TestPushWithoutClients(t *testing.T) {
	s := NewServer()
	defer s.Close()
	o, err := s.Outlet(eegInfo("eeg", 1), 1)
	require.NoError(t, err)

	for i := 0; i < 10*inputQueue; i++ {
		require.NoError(t, o.PushSample(model.Sample{Values: []float64{float64(i)}, Counter: int64(i)}))
	}
}

func TestClosedOutlet(t *testing.T) {
	s, srv := newTestServer(t)
	o, err := s.Outlet(eegInfo("eeg", 1), 1)
	require.NoError(t, err)

	conn, _ := dial(t, srv, "eeg")
	waitClients(t, o, 1)

	s.Remove("eeg")
	o.Close()
	assert.ErrorIs(t, o.PushSample(model.Sample{Values: []float64{1}}), ErrOutletClosed)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, s.Streams())
}

func TestClientQueueSizing(t *testing.T) {
	s := NewServer()
	defer s.Close()

	o, err := s.Outlet(eegInfo("eeg", 1), 2)
	require.NoError(t, err)
	assert.Equal(t, 2000, o.clientQueue)

	tiny, err := s.Outlet(eegInfo("tiny", 1), 0.001)
	require.NoError(t, err)
	assert.Equal(t, minimumClientQueue, tiny.clientQueue)

	m, err := s.Outlet(model.StreamInfo{Name: "m", ChannelCount: 1}, 5)
	require.NoError(t, err)
	assert.Equal(t, markerClientQueue, m.clientQueue)
}
