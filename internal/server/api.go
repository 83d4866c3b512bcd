// Package server exposes the manager over HTTP: the command API, status,
// Prometheus metrics and the stream routes of the outlet server.
//
//	POST /cmd/{command}   start | stop | stim | stopstim | listen | stoplisten
//	GET  /status          manager.Status as JSON
//	GET  /health
//	GET  /metrics
//	GET  /streams, GET /streams/{name}
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ct-bic/internal/broadcast"
	"ct-bic/internal/config"
	"ct-bic/internal/control"
	"ct-bic/internal/device"
	"ct-bic/internal/manager"
)

// ErrRateLimited is returned for manual stimulation above the configured rate.
var ErrRateLimited = errors.New("server: stimulation rate limited")

// Commander is the part of the manager the API drives.
type Commander interface {
	StartRecording(ctx context.Context) error
	StopRecording() error
	ListenForTrigger(ctx context.Context) error
	StopListening() error
	StartStimulation() error
	StopStimulation() error
	Status() manager.Status
}

// Response is the body of every command reply.
type Response struct {
	OK      bool      `json:"ok"`
	Command string    `json:"command,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// API serves the command routes.
type API struct {
	cmd      Commander
	commands map[string]func(ctx context.Context) error
	stim     *rate.Limiter
	logger   *zap.Logger
}

// NewAPI builds the command table. A non-positive stim rate disables the
// limiter.
func NewAPI(cmd Commander, cfg config.ServerConfig, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.StimRateLimit > 0 {
		limit = rate.Limit(cfg.StimRateLimit)
	}
	a := &API{
		cmd:    cmd,
		stim:   rate.NewLimiter(limit, max(cfg.StimBurst, 1)),
		logger: logger.With(zap.String("component", "api")),
	}
	a.commands = map[string]func(ctx context.Context) error{
		"start":      cmd.StartRecording,
		"stop":       func(context.Context) error { return cmd.StopRecording() },
		"stim":       a.manualStim,
		"stopstim":   func(context.Context) error { return cmd.StopStimulation() },
		"listen":     cmd.ListenForTrigger,
		"stoplisten": func(context.Context) error { return cmd.StopListening() },
	}
	return a
}

// Commands lists the command names, sorted.
func (a *API) Commands() []string {
	names := make([]string, 0, len(a.commands))
	for name := range a.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *API) manualStim(context.Context) error {
	if !a.stim.Allow() {
		return ErrRateLimited
	}
	return a.cmd.StartStimulation()
}

// Register mounts the command, status and health routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /cmd/{command}", a.handleCommand)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("command")
	fn, ok := a.commands[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, Response{
			Command: name,
			Error:   "unknown command",
			Time:    time.Now(),
		})
		return
	}

	if err := fn(r.Context()); err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			a.logger.Error("command failed", zap.String("command", name), zap.Error(err))
		} else {
			a.logger.Warn("command rejected", zap.String("command", name), zap.Error(err))
		}
		writeJSON(w, status, Response{Command: name, Error: err.Error(), Time: time.Now()})
		return
	}

	a.logger.Info("command executed", zap.String("command", name))
	writeJSON(w, http.StatusOK, Response{OK: true, Command: name, Time: time.Now()})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cmd.Status())
}

// statusFor maps command errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, manager.ErrAlreadyRecording),
		errors.Is(err, manager.ErrNotRecording),
		errors.Is(err, manager.ErrAlreadyListening),
		errors.Is(err, manager.ErrNotListening),
		errors.Is(err, device.ErrNoStimulation),
		errors.Is(err, device.ErrAlreadyMeasuring),
		errors.Is(err, device.ErrNotMeasuring):
		return http.StatusConflict
	case errors.Is(err, control.ErrSignalSourceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, manager.ErrClosed), errors.Is(err, device.ErrPoweredOff):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// NewHandler assembles every route behind the middleware chain. gatherer may
// be nil when metrics are disabled.
func NewHandler(api *API, outlets *broadcast.Server, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	api.Register(mux)
	outlets.Register(mux)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return Chain(mux,
		Recovery(logger),
		RequestLogger(logger),
	)
}
