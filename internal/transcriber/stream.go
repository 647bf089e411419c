package transcriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	frameQueue   = 64
	eventQueue   = 32
	closeTimeout = time.Second
)

// Socket is the subset of *websocket.Conn the stream uses.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens session sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	d *websocket.Dialer
}

// NewWebsocketDialer returns a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = handshakeTimeout
	return &WebsocketDialer{d: &d}
}

func (w *WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, resp, err := w.d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// State is the lifecycle of an upstream session.
type State int

const (
	StateConnected State = iota
	StateStreaming
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind discriminates stream events.
type EventKind int

const (
	// EventText carries extracted caption text.
	EventText EventKind = iota
	// EventClosed is the socket closing; Code holds the close code.
	EventClosed
	// EventError is a transport failure without a close frame.
	EventError
)

// Event is delivered on Stream.Events.
type Event struct {
	Kind EventKind
	Text string
	Code int
	Err  error
}

// Normal reports a clean close initiated by either side.
func (e Event) Normal() bool {
	return e.Kind == EventClosed && e.Code == websocket.CloseNormalClosure
}

// Stream owns one session socket. Audio frames go out through Send, caption
// text and the terminal close/error come back on Events.
type Stream struct {
	sock        Socket
	translating bool
	log         zerolog.Logger

	mu      sync.Mutex
	state   State
	closing bool

	frames chan []byte
	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewStream wraps an open socket and starts its reader and writer.
func NewStream(sock Socket, translating bool, log zerolog.Logger) *Stream {
	s := &Stream{
		sock:        sock,
		translating: translating,
		log:         log,
		state:       StateConnected,
		frames:      make(chan []byte, frameQueue),
		events:      make(chan Event, eventQueue),
		done:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	go s.readLoop()
	return s
}

// Events is closed after the terminal EventClosed or EventError.
func (s *Stream) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkStreaming records that audio capture is attached.
func (s *Stream) MarkStreaming() {
	s.mu.Lock()
	if s.state == StateConnected {
		s.state = StateStreaming
	}
	s.mu.Unlock()
}

// Send queues a PCM frame without blocking. Frames are dropped when the
// socket is not open or the queue is full.
func (s *Stream) Send(frame []byte) bool {
	s.mu.Lock()
	open := s.state == StateConnected || s.state == StateStreaming
	s.mu.Unlock()
	if !open {
		s.dropped.Add(1)
		return false
	}

	select {
	case s.frames <- frame:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Stream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.frames:
			if err := s.sock.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Debug().Err(err).Msg("Failed to send audio frame")
				}
				s.dropped.Add(1)
				continue
			}
			s.sent.Add(1)
		}
	}
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.sock.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}

		msg, ok := ParseMessage(data)
		if !ok {
			s.log.Debug().Int("bytes", len(data)).Msg("Ignoring unparseable message")
			continue
		}
		if msg.Type == TypeError {
			detail := ""
			if msg.Data != nil {
				detail = msg.Data.Message
			}
			s.log.Warn().Str("detail", detail).Msg("Upstream reported an error")
			continue
		}
		if text, ok := ExtractText(msg, s.translating); ok && text != "" {
			s.emit(Event{Kind: EventText, Text: text})
		}
	}
}

// finish converts the read error into the terminal event.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	closing := s.closing
	ev := Event{Kind: EventClosed, Code: websocket.CloseNormalClosure}
	if !closing {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			ev.Code = ce.Code
			if ce.Code != websocket.CloseNormalClosure {
				ev.Err = err
			}
		} else {
			ev = Event{Kind: EventError, Code: websocket.CloseAbnormalClosure, Err: err}
		}
	}
	if ev.Normal() {
		s.state = StateClosed
	} else {
		s.state = StateErrored
	}
	s.mu.Unlock()

	if !closing {
		s.log.Info().Int("code", ev.Code).Err(ev.Err).Msg("Session socket closed")
	}
	s.emit(ev)
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Close sends a normal-closure frame and closes the socket. Safe to call
// more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		if s.state != StateErrored {
			s.state = StateClosed
		}
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := s.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout)); werr != nil &&
			!errors.Is(werr, websocket.ErrCloseSent) {
			s.log.Debug().Err(werr).Msg("Failed to send close frame")
		}
		err = s.sock.Close()
		s.log.Info().
			Uint64("framesSent", s.sent.Load()).
			Uint64("framesDropped", s.dropped.Load()).
			Msg("Session socket closed by client")
	})
	return err
}

// Dropped is the number of frames discarded.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
