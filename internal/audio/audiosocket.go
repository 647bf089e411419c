package audio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SlinRate is the fixed rate of AudioSocket signed-linear audio.
const SlinRate = 8000

// AudioSocketSource captures a telephony call delivered over the Asterisk
// AudioSocket protocol. One call feeds the pipeline at a time; further calls
// are hung up. A non-empty device id is treated as the call UUID to accept.
type AudioSocketSource struct {
	Addr string
	log  zerolog.Logger
}

// NewAudioSocketSource creates a source listening on addr once opened.
func NewAudioSocketSource(addr string, log zerolog.Logger) *AudioSocketSource {
	return &AudioSocketSource{Addr: addr, log: log}
}

func (s *AudioSocketSource) Open(c Constraints) (Input, error) {
	var want uuid.UUID
	if c.DeviceID != "" {
		id, err := uuid.Parse(c.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid call id %q", ErrDeviceNotFound, c.DeviceID)
		}
		want = id
	}

	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %v", ErrDevice, s.Addr, err)
	}
	s.log.Info().Str("addr", listener.Addr().String()).Msg("AudioSocket listening")

	return &callInput{
		listener: listener,
		want:     want,
		log:      s.log,
		shutdown: make(chan struct{}),
	}, nil
}

type callInput struct {
	listener net.Listener
	want     uuid.UUID
	log      zerolog.Logger

	mu       sync.Mutex
	active   net.Conn
	started  bool
	closed   bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func (in *callInput) SampleRate() int { return SlinRate }

func (in *callInput) Start(cb BlockFunc) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return fmt.Errorf("%w: input closed", ErrDevice)
	}
	if in.started {
		return nil
	}
	in.started = true
	in.wg.Add(1)
	go in.accept(cb)
	return nil
}

func (in *callInput) accept(cb BlockFunc) {
	defer in.wg.Done()
	for {
		conn, err := in.listener.Accept()
		if err != nil {
			select {
			case <-in.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			in.log.Warn().Err(err).Msg("Accept error")
			continue
		}

		in.mu.Lock()
		busy := in.active != nil
		if !busy {
			in.active = conn
		}
		in.mu.Unlock()

		if busy {
			in.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("Call rejected, another call is active")
			_, _ = conn.Write(audiosocket.HangupMessage())
			conn.Close()
			continue
		}

		in.wg.Add(1)
		go in.handleConnection(conn, cb)
	}
}

func (in *callInput) handleConnection(conn net.Conn, cb BlockFunc) {
	defer in.wg.Done()
	defer func() {
		conn.Close()
		in.mu.Lock()
		if in.active == conn {
			in.active = nil
		}
		in.mu.Unlock()
	}()

	id, err := audiosocket.GetID(conn)
	if err != nil {
		in.log.Warn().Err(err).Msg("Failed to get call ID")
		return
	}
	if in.want != uuid.Nil && id != in.want {
		in.log.Warn().Str("call", id.String()).Msg("Unexpected call ID, hanging up")
		_, _ = conn.Write(audiosocket.HangupMessage())
		return
	}

	log := in.log.With().Str("call", id.String()).Logger()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Call connected")

	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("Failed to read message")
			}
			break
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			if payload := msg.Payload(); len(payload) > 0 {
				cb(SlinToFloat(payload))
			}
		case audiosocket.KindDTMF:
			if p := msg.Payload(); len(p) > 0 {
				log.Debug().Str("digit", string(p[0])).Msg("DTMF")
			}
		case audiosocket.KindError:
			log.Warn().Int("code", int(msg.ErrorCode())).Msg("Call reported error")
		}

		if msg.Kind() == audiosocket.KindHangup {
			log.Info().Msg("Received hangup")
			break
		}
	}
}

func (in *callInput) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	close(in.shutdown)
	active := in.active
	in.mu.Unlock()

	err := in.listener.Close()
	if active != nil {
		active.Close()
	}
	in.wg.Wait()
	return err
}
