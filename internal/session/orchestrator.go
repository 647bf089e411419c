// Package session runs the transcription lifecycle: one upstream socket and
// one capture pipeline at a time, with bounded reconnects, forwarding every
// caption to a Publisher.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amanullahtanweer/caption-relay/internal/transcriber"
)

// State is the user-visible session state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var errSuperseded = errors.New("session: superseded by a newer operation")

// Upstream negotiates and opens transcription sockets.
type Upstream interface {
	Negotiate(ctx context.Context, cfg transcriber.Config) (string, error)
	Connect(ctx context.Context, url string, translating bool) (*transcriber.Stream, error)
}

// Capture produces PCM frames from an input device.
type Capture interface {
	Acquire(deviceID string, emit func(frame []byte)) error
	Release()
}

// Stopper cancels a scheduled callback.
type Stopper interface {
	Stop() bool
}

// Options tune the orchestrator.
type Options struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	RestartDelay     time.Duration
	NegotiateTimeout time.Duration
	PublishTimeout   time.Duration
	PublishQueue     int

	// AfterFunc schedules reconnects. f must run on its own goroutine.
	AfterFunc func(d time.Duration, f func()) Stopper
	// OnChange is called after every status change and once per second
	// while live.
	OnChange func(Status)
}

// DefaultOptions returns the production reconnect policy.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      5,
		BaseDelay:        time.Second,
		RestartDelay:     200 * time.Millisecond,
		NegotiateTimeout: 10 * time.Second,
		PublishTimeout:   5 * time.Second,
		PublishQueue:     64,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.RestartDelay < 0 {
		o.RestartDelay = def.RestartDelay
	}
	if o.NegotiateTimeout <= 0 {
		o.NegotiateTimeout = def.NegotiateTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = def.PublishTimeout
	}
	if o.PublishQueue <= 0 {
		o.PublishQueue = def.PublishQueue
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}
}

// Status is a point-in-time snapshot for display.
type Status struct {
	State             State  `json:"state"`
	Message           string `json:"message"`
	Error             string `json:"error,omitempty"`
	Preview           string `json:"preview,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	Elapsed           string `json:"elapsed"`
	SessionID         string `json:"sessionId,omitempty"`
	DeviceID          string `json:"deviceId,omitempty"`
	Language          string `json:"language,omitempty"`
	TranslateTo       string `json:"translateTo,omitempty"`
}

// Orchestrator owns at most one upstream stream and one capture at a time.
//
// opMu serialises lifecycle operations (start, stop, reconnect, disconnect
// handling); mu guards the fields below it and is never held across I/O.
// Every Start and Stop bumps gen, so callbacks from an older session see a
// stale generation and do nothing.
type Orchestrator struct {
	upstream  Upstream
	capture   Capture
	publisher Publisher
	opts      Options
	log       zerolog.Logger
	events    *EventLog
	timer     *ElapsedTimer

	outbox    chan string
	done      chan struct{}
	closeOnce sync.Once

	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	message   string
	errMsg    string
	preview   string
	attempts  int
	gen       uint64
	cfg       transcriber.Config
	deviceID  string
	sessionID string
	stream    *transcriber.Stream
	retry     Stopper
	cancel    context.CancelFunc
	metrics   *SessionMetrics
}

// New creates an idle orchestrator. Call Close when done with it.
func New(upstream Upstream, capture Capture, publisher Publisher, opts Options, log zerolog.Logger) *Orchestrator {
	opts.fill()
	o := &Orchestrator{
		upstream:  upstream,
		capture:   capture,
		publisher: publisher,
		opts:      opts,
		log:       log,
		events:    NewEventLog(log),
		outbox:    make(chan string, opts.PublishQueue),
		done:      make(chan struct{}),
		state:     StateIdle,
		message:   "Ready",
	}
	o.timer = NewElapsedTimer(time.Second, func(time.Duration) { o.notify() })
	go o.publishLoop()
	return o
}

// Start begins a session with cfg, first tearing down any session already
// running. It returns once the session is live or has failed.
func (o *Orchestrator) Start(ctx context.Context, cfg transcriber.Config, deviceID string) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		o.reject(ErrMissingCredential)
		return ErrMissingCredential
	}
	if err := cfg.Validate(); err != nil {
		o.reject(err)
		return err
	}

	gen := o.supersede()

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.teardown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return nil
	}
	o.finishMetricsLocked("restarted")
	o.cancel = cancel
	o.cfg = cfg
	o.deviceID = deviceID
	o.attempts = 0
	o.errMsg = ""
	o.preview = ""
	o.sessionID = uuid.NewString()
	o.metrics = NewSessionMetrics(o.sessionID)
	o.setStateLocked(StateConnecting, "Connecting...")
	sessionID := o.sessionID
	o.mu.Unlock()

	o.events.SessionStart(sessionID, cfg.Language, cfg.TranslateTo, deviceID)
	o.notify()

	err := o.attempt(ctx, gen)
	if err == nil || errors.Is(err, errSuperseded) {
		return nil
	}
	o.fail(gen, err)
	return err
}

// Stop tears everything down and returns to idle. Safe to call at any time.
func (o *Orchestrator) Stop() {
	o.supersede()

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.teardown()

	o.mu.Lock()
	wasIdle := o.state == StateIdle
	o.attempts = 0
	o.errMsg = ""
	o.setStateLocked(StateIdle, "Ready")
	o.finishMetricsLocked("stopped")
	o.mu.Unlock()

	if !wasIdle {
		o.log.Info().Msg("Session stopped")
		o.notify()
	}
}

// Restart stops, waits RestartDelay, then starts with cfg. Settings never
// change on an open socket; this is how new values take effect.
func (o *Orchestrator) Restart(ctx context.Context, cfg transcriber.Config, deviceID string) error {
	o.Stop()
	select {
	case <-time.After(o.opts.RestartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return o.Start(ctx, cfg, deviceID)
}

// Close stops the session and the caption publisher.
func (o *Orchestrator) Close() {
	o.Stop()
	o.closeOnce.Do(func() { close(o.done) })
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:             o.state,
		Message:           o.message,
		Error:             o.errMsg,
		Preview:           o.preview,
		ReconnectAttempts: o.attempts,
		Elapsed:           FormatElapsed(o.timer.Elapsed()),
		SessionID:         o.sessionID,
		DeviceID:          o.deviceID,
		Language:          o.cfg.Language,
		TranslateTo:       o.cfg.TranslateTo,
	}
}

// Running reports whether a session is live or trying to be.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateConnecting || o.state == StateLive || o.state == StateReconnecting
}

// Config returns the settings of the current or last session.
func (o *Orchestrator) Config() (transcriber.Config, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg, o.deviceID
}

// Metrics returns the counters of the current or last session.
func (o *Orchestrator) Metrics() *SessionMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// supersede claims a new generation and cancels any in-flight attempt.
func (o *Orchestrator) supersede() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	return o.gen
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen
}

// reject surfaces a configuration error without touching a running session.
func (o *Orchestrator) reject(err error) {
	msg := UserMessage(err)
	o.log.Warn().Err(err).Msg("Session start rejected")
	o.mu.Lock()
	if o.state == StateIdle || o.state == StateError {
		o.errMsg = msg
		o.setStateLocked(StateError, msg)
	}
	o.mu.Unlock()
	o.notify()
}

// attempt negotiates, connects and attaches capture. Called with opMu held.
func (o *Orchestrator) attempt(ctx context.Context, gen uint64) error {
	o.mu.Lock()
	cfg, deviceID, metrics := o.cfg, o.deviceID, o.metrics
	o.mu.Unlock()

	nctx, ncancel := context.WithTimeout(ctx, o.opts.NegotiateTimeout)
	url, err := o.upstream.Negotiate(nctx, cfg)
	ncancel()
	if !o.current(gen) {
		return errSuperseded
	}
	if err != nil {
		return err
	}

	stream, err := o.upstream.Connect(ctx, url, cfg.Translating())
	if !o.current(gen) {
		if stream != nil {
			stream.Close()
		}
		return errSuperseded
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.stream = stream
	o.mu.Unlock()

	err = o.capture.Acquire(deviceID, func(frame []byte) {
		if stream.Send(frame) {
			metrics.AddFrame(len(frame))
		} else {
			metrics.AddDropped()
		}
	})
	if err != nil {
		return err
	}
	stream.MarkStreaming()

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return errSuperseded
	}
	o.attempts = 0
	o.errMsg = ""
	o.setStateLocked(StateLive, "Live")
	o.mu.Unlock()

	o.timer.Start()
	o.notify()
	go o.watch(gen, stream)
	return nil
}

// teardown releases capture, closes the stream and cancels any pending
// reconnect. Called with opMu held.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	stream := o.stream
	o.stream = nil
	if o.retry != nil {
		o.retry.Stop()
		o.retry = nil
	}
	o.mu.Unlock()

	o.capture.Release()
	if stream != nil {
		stream.Close()
	}
	o.timer.Stop()
}

// fail ends the session in the error state. Called with opMu held.
func (o *Orchestrator) fail(gen uint64, err error) {
	o.teardown()
	msg := UserMessage(err)

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.errMsg = msg
	o.setStateLocked(StateError, msg)
	o.finishMetricsLocked("error")
	o.mu.Unlock()

	o.log.Error().Err(err).Str("message", msg).Msg("Session failed")
	o.notify()
}

func (o *Orchestrator) watch(gen uint64, stream *transcriber.Stream) {
	for ev := range stream.Events() {
		if ev.Kind == transcriber.EventText {
			o.handleText(gen, stream, ev.Text)
			continue
		}
		o.handleDisconnect(gen, stream, ev)
	}
}

func (o *Orchestrator) owns(gen uint64, stream *transcriber.Stream) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen && o.stream == stream
}

func (o *Orchestrator) handleText(gen uint64, stream *transcriber.Stream, text string) {
	o.mu.Lock()
	if o.gen != gen || o.stream != stream {
		o.mu.Unlock()
		return
	}
	o.preview = text
	metrics, sessionID := o.metrics, o.sessionID
	o.mu.Unlock()

	metrics.AddTranscript(text)
	o.events.Caption(sessionID, text)
	o.notify()

	select {
	case o.outbox <- text:
	default:
		o.log.Warn().Msg("Caption queue full, dropping caption")
	}
}

func (o *Orchestrator) publishLoop() {
	for {
		select {
		case <-o.done:
			return
		case text := <-o.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), o.opts.PublishTimeout)
			if err := o.publisher.Publish(ctx, text); err != nil {
				o.log.Warn().Err(err).Msg("Failed to publish caption")
			}
			cancel()
		}
	}
}

func (o *Orchestrator) handleDisconnect(gen uint64, stream *transcriber.Stream, ev transcriber.Event) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if !o.owns(gen, stream) {
		return
	}

	if ev.Normal() {
		o.teardown()
		o.mu.Lock()
		o.attempts = 0
		o.setStateLocked(StateIdle, "Disconnected")
		o.finishMetricsLocked("closed")
		o.mu.Unlock()
		o.log.Info().Msg("Session closed by upstream")
		o.notify()
		return
	}

	o.log.Warn().Int("code", ev.Code).Err(ev.Err).Msg("Connection lost")
	o.teardown()
	o.scheduleRetry(gen, fmt.Sprintf("Disconnected (code: %d)", ev.Code))
}

// scheduleRetry arms the next reconnect, or gives up once the ceiling is
// reached. Called with opMu held.
func (o *Orchestrator) scheduleRetry(gen uint64, reason string) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}

	if o.attempts >= o.opts.MaxAttempts {
		msg := fmt.Sprintf("Connection lost after %d reconnect attempts", o.opts.MaxAttempts)
		o.errMsg = msg
		o.setStateLocked(StateError, msg)
		o.finishMetricsLocked("reconnect limit")
		o.mu.Unlock()
		o.log.Error().Str("reason", reason).Msg(msg)
		o.notify()
		return
	}

	o.attempts++
	attempt := o.attempts
	delay := BackoffDelay(o.opts.BaseDelay, attempt)
	o.setStateLocked(StateReconnecting,
		fmt.Sprintf("%s, reconnecting in %s (%d/%d)", reason, delay, attempt, o.opts.MaxAttempts))
	o.retry = o.opts.AfterFunc(delay, func() { o.reconnect(gen) })
	metrics, sessionID := o.metrics, o.sessionID
	o.mu.Unlock()

	metrics.AddReconnect()
	o.events.ReconnectScheduled(sessionID, attempt, delay, reason)
	o.notify()
}

func (o *Orchestrator) reconnect(gen uint64) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.retry = nil
	o.cancel = cancel
	attempt := o.attempts
	o.setStateLocked(StateConnecting, fmt.Sprintf("Reconnecting (%d/%d)...", attempt, o.opts.MaxAttempts))
	o.mu.Unlock()
	o.notify()

	err := o.attempt(ctx, gen)
	switch {
	case err == nil:
		o.log.Info().Int("attempt", attempt).Msg("Reconnected")
	case errors.Is(err, errSuperseded):
	case fatal(err):
		o.fail(gen, err)
	default:
		o.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
		o.teardown()
		o.scheduleRetry(gen, UserMessage(err))
	}
}

func (o *Orchestrator) setStateLocked(s State, msg string) {
	prev := o.state
	o.state = s
	o.message = msg
	if prev != s {
		o.events.StateChange(o.sessionID, prev, s, msg)
	}
}

func (o *Orchestrator) finishMetricsLocked(reason string) {
	if o.metrics.Finalize() {
		o.events.SessionEnd(o.metrics, reason)
	}
}

func (o *Orchestrator) notify() {
	if o.opts.OnChange != nil {
		o.opts.OnChange(o.Status())
	}
}
