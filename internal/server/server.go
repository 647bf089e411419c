// Package server exposes the broadcast hub and session controls over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amanullahtanweer/caption-relay/internal/audio"
	"github.com/amanullahtanweer/caption-relay/internal/broadcast"
	"github.com/amanullahtanweer/caption-relay/internal/session"
	"github.com/amanullahtanweer/caption-relay/internal/transcriber"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Host      string
	Port      int
	KeepAlive time.Duration
	Version   string
}

// Sessions is the session control surface used by the /session endpoints.
// *session.Orchestrator implements it.
type Sessions interface {
	Start(ctx context.Context, cfg transcriber.Config, deviceID string) error
	Stop()
	Restart(ctx context.Context, cfg transcriber.Config, deviceID string) error
	Status() session.Status
	Running() bool
}

type Option func(*Server)

// WithSessions enables the /session endpoints. settings and deviceID are the
// values used by the next start.
func WithSessions(sessions Sessions, settings transcriber.Config, deviceID string) Option {
	return func(s *Server) {
		s.sessions = sessions
		s.settings = settings
		s.deviceID = deviceID
	}
}

// WithDevices enables GET /devices.
func WithDevices(devices audio.DeviceLister) Option {
	return func(s *Server) { s.devices = devices }
}

type Server struct {
	config   Config
	hub      *broadcast.Hub
	sessions Sessions
	devices  audio.DeviceLister
	log      zerolog.Logger
	started  time.Time

	httpServer *http.Server
	listener   net.Listener
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	mu       sync.Mutex
	settings transcriber.Config
	deviceID string
}

func New(config Config, hub *broadcast.Hub, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		config:   config,
		hub:      hub,
		log:      log,
		started:  time.Now(),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: /stream responses are long-lived
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("POST /broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /style", s.handleStyle)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("POST /session/start", s.handleSessionStart)
	mux.HandleFunc("POST /session/stop", s.handleSessionStop)
	mux.HandleFunc("POST /session/restart", s.handleSessionRestart)
	mux.HandleFunc("GET /session/status", s.handleSessionStatus)
	mux.HandleFunc("PUT /session/config", s.handleSessionConfig)
	return mux
}

// Start listens and serves until Stop. It returns nil after a clean stop.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.log.Info().Str("addr", addr).Str("version", s.config.Version).Msg("Caption relay listening")

	if s.config.KeepAlive > 0 {
		s.wg.Add(1)
		go s.keepAlive()
	}

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) keepAlive() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.hub.Ping()
		}
	}
}

// Stop notifies subscribers, then shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.hub.Shutdown()
		err = s.httpServer.Shutdown(ctx)
		s.wg.Wait()
	})
	return err
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.hub.Subscribe(r.Context())
	if err != nil {
		if errors.Is(err, broadcast.ErrCapacityExceeded) {
			http.Error(w, "too many clients", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	if err := broadcast.WriteComment(w, "connected"); err != nil {
		return
	}
	flusher.Flush()

	for m := range sub.C() {
		if err := broadcast.WriteEvent(w, m); err != nil {
			s.log.Debug().Uint64("clientId", sub.ID()).Err(err).Msg("Stream write failed")
			return
		}
		flusher.Flush()
		if m.Kind == broadcast.KindShutdown {
			return
		}
	}
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	text, err := decodeBroadcast(body)
	if err != nil {
		writeInvalid(w, err)
		return
	}
	s.hub.PublishText(text)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	style, err := decodeStyle(body)
	if err != nil {
		writeInvalid(w, err)
		return
	}
	s.hub.PublishStyle(style)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.config.Version,
		"clients": s.hub.Count(),
		"uptime":  time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	if s.devices == nil {
		writeError(w, http.StatusNotImplemented, "device listing not supported")
		return
	}
	devices, err := s.devices.Devices()
	if err != nil {
		if errors.Is(err, audio.ErrEnvironmentUnsupported) {
			writeError(w, http.StatusNotImplemented, session.UserMessage(err))
			return
		}
		s.log.Error().Err(err).Msg("Failed to list devices")
		writeError(w, http.StatusInternalServerError, session.UserMessage(err))
		return
	}
	if devices == nil {
		devices = []audio.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) current() (transcriber.Config, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.deviceID
}

func (s *Server) requireSessions(w http.ResponseWriter) bool {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session control not available")
		return false
	}
	return true
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	cfg, deviceID := s.current()
	err := s.sessions.Start(context.WithoutCancel(r.Context()), cfg, deviceID)
	s.writeSessionResult(w, err)
}

func (s *Server) handleSessionRestart(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	cfg, deviceID := s.current()
	err := s.sessions.Restart(context.WithoutCancel(r.Context()), cfg, deviceID)
	s.writeSessionResult(w, err)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, _ *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	s.sessions.Stop()
	s.writeSessionResult(w, nil)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Status())
}

func (s *Server) handleSessionConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := decodeSettings(body)
	if err != nil {
		writeInvalid(w, err)
		return
	}

	s.mu.Lock()
	cfg, deviceID := s.settings, s.deviceID
	req.apply(&cfg, &deviceID)
	if err := cfg.Validate(); err != nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   FieldErrors{"config": {session.UserMessage(err)}},
		})
		return
	}
	s.settings, s.deviceID = cfg, deviceID
	s.mu.Unlock()

	s.log.Info().
		Str("language", cfg.Language).
		Str("translateTo", cfg.TranslateTo).
		Str("device", deviceID).
		Msg("Session settings updated")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"config":          cfg,
		"deviceId":        deviceID,
		"restartRequired": s.sessions.Running(),
	})
}

func (s *Server) writeSessionResult(w http.ResponseWriter, err error) {
	st := s.sessions.Status()
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": st})
		return
	}

	code := http.StatusBadGateway
	switch {
	case errors.Is(err, session.ErrMissingCredential), errors.Is(err, transcriber.ErrInvalidConfig):
		code = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"success": false,
		"error":   session.UserMessage(err),
		"status":  st,
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func writeInvalid(w http.ResponseWriter, err error) {
	var fe FieldErrors
	if errors.As(err, &fe) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": fe})
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
