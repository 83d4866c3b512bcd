package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ct-bic/internal/model"
)

var (
	ErrOutletClosed    = errors.New("broadcast: outlet closed")
	ErrDuplicateStream = errors.New("broadcast: stream name already registered")
	ErrSampleWidth     = errors.New("broadcast: sample width does not match stream")
)

const (
	inputQueue         = 4096
	markerClientQueue  = 1024
	minimumClientQueue = 16
)

// Server owns the named outlets and serves them over websocket:
//
//	GET /streams         JSON list of StreamInfo
//	GET /streams/{name}  websocket: JSON StreamInfo header, then MsgPack frames
type Server struct {
	mu       sync.RWMutex
	outlets  map[string]*Outlet
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		outlets: make(map[string]*Outlet),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local lab network
			},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "broadcast"))
	return s
}

// Outlet registers a stream and starts its hub. Each client may lag by at
// most maxBufferedSeconds of data before frames are dropped for it.
func (s *Server) Outlet(info model.StreamInfo, maxBufferedSeconds float64) (*Outlet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outlets[info.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateStream, info.Name)
	}

	queue := markerClientQueue
	if info.SampleRate > 0 {
		queue = int(maxBufferedSeconds * info.SampleRate)
		if queue < minimumClientQueue {
			queue = minimumClientQueue
		}
	}

	o := &Outlet{
		info:        info,
		input:       make(chan []byte, inputQueue),
		clientQueue: queue,
		hub:         newHub(s.logger.With(zap.String("stream", info.Name))),
	}
	go o.hub.run(o.input)
	s.outlets[info.Name] = o

	s.logger.Info("outlet registered",
		zap.String("stream", info.Name),
		zap.String("type", info.Type),
		zap.Int("channels", info.ChannelCount),
		zap.Float64("sample_rate", info.SampleRate))
	return o, nil
}

// Remove closes and unregisters the named outlet.
func (s *Server) Remove(name string) {
	s.mu.Lock()
	o, ok := s.outlets[name]
	delete(s.outlets, name)
	s.mu.Unlock()
	if ok {
		o.Close()
	}
}

// Streams lists the registered streams sorted by name.
func (s *Server) Streams() []model.StreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.StreamInfo, 0, len(s.outlets))
	for _, o := range s.outlets {
		out = append(out, o.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register mounts the stream routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /streams", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Streams())
	})
	mux.HandleFunc("GET /streams/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		o, ok := s.outlets[r.PathValue("name")]
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		s.serveWs(o, w, r)
	})
}

// Close shuts every outlet down and disconnects their clients.
func (s *Server) Close() {
	s.mu.Lock()
	outlets := s.outlets
	s.outlets = make(map[string]*Outlet)
	s.mu.Unlock()

	for _, o := range outlets {
		o.Close()
	}
}

// Outlet publishes one named stream. Frames are encoded once and fanned out
// to every connected client; a slow client loses frames, the publisher is
// never blocked by it.
type Outlet struct {
	info        model.StreamInfo
	input       chan []byte
	clientQueue int
	hub         *Hub
	closeOnce   sync.Once
}

func (o *Outlet) Info() model.StreamInfo { return o.info }

// Clients is the number of connected subscribers.
func (o *Outlet) Clients() int { return int(o.hub.clientCount.Load()) }

// PushSample publishes one sample frame.
func (o *Outlet) PushSample(s model.Sample) error {
	if len(s.Values) != o.info.ChannelCount {
		return fmt.Errorf("%w: %d values on %q (%d channels)", ErrSampleWidth, len(s.Values), o.info.Name, o.info.ChannelCount)
	}
	return o.push(s.AppendMsgPack(make([]byte, 0, 16+9*len(s.Values))))
}

// PushMarker publishes one marker frame.
func (o *Outlet) PushMarker(m model.MarkerEvent) error {
	return o.push(m.AppendMsgPack(make([]byte, 0, 32)))
}

func (o *Outlet) push(msg []byte) error {
	select {
	case <-o.hub.quit:
		return ErrOutletClosed
	default:
	}
	select {
	case o.input <- msg:
		return nil
	case <-o.hub.quit:
		return ErrOutletClosed
	}
}

// Close stops the hub and disconnects all clients. Safe to call twice.
func (o *Outlet) Close() {
	o.closeOnce.Do(func() {
		close(o.hub.quit)
		<-o.hub.done
	})
}

func (s *Server) serveWs(o *Outlet, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// Header first, so the inlet can validate channel layout before data.
	if err := conn.WriteJSON(o.info); err != nil {
		s.logger.Warn("failed to send stream header", zap.Error(err))
		conn.Close()
		return
	}

	client := &Client{hub: o.hub, conn: conn, send: make(chan []byte, o.clientQueue)}
	select {
	case o.hub.register <- client:
	case <-o.hub.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
