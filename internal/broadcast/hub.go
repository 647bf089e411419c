// Package broadcast fans caption and style events out to connected overlays.
package broadcast

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrCapacityExceeded = errors.New("broadcast: max clients reached")
	ErrSinkFull         = errors.New("broadcast: subscriber buffer full")
	ErrSinkClosed       = errors.New("broadcast: subscriber closed")
)

// Kind is the SSE event name of a message.
type Kind string

const (
	KindText     Kind = "text"
	KindStyle    Kind = "style"
	KindPing     Kind = "ping"
	KindShutdown Kind = "shutdown"
)

// ShutdownMessage is the informational payload of shutdown events.
const ShutdownMessage = "Server shutting down"

// Style is a partial overlay style. Nil fields leave the overlay unchanged.
type Style struct {
	FontSize *float64 `json:"fontSize,omitempty"`
	PosX     *float64 `json:"posX,omitempty"`
	PosY     *float64 `json:"posY,omitempty"`
	BgStyle  *string  `json:"bgStyle,omitempty"`
}

// Message is one event in transit through the hub.
type Message struct {
	ID    uint64
	Kind  Kind
	Text  string
	Style *Style
	Info  string
}

// Sink accepts messages for one subscriber. Enqueue must not block; any
// error evicts the subscriber.
type Sink interface {
	Enqueue(m Message) error
}

type closer interface {
	Close() error
}

type subscriber struct {
	id          uint64
	sink        Sink
	connectedAt time.Time
}

// Hub is the registry of connected subscribers.
type Hub struct {
	max     int
	bufSize int
	log     zerolog.Logger

	mu        sync.Mutex
	subs      map[uint64]*subscriber
	nextID    uint64
	observers []func(Message)

	seq atomic.Uint64
}

// NewHub creates a hub accepting at most max subscribers, each buffering
// bufSize messages.
func NewHub(max, bufSize int, log zerolog.Logger) *Hub {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Hub{
		max:     max,
		bufSize: bufSize,
		log:     log,
		subs:    make(map[uint64]*subscriber),
	}
}

// Register adds a sink and returns its id.
func (h *Hub) Register(sink Sink) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.max > 0 && len(h.subs) >= h.max {
		h.log.Warn().Int("current", len(h.subs)).Int("max", h.max).Msg("Max clients reached, rejecting new connection")
		return 0, ErrCapacityExceeded
	}

	h.nextID++
	id := h.nextID
	h.subs[id] = &subscriber{id: id, sink: sink, connectedAt: time.Now()}
	h.log.Info().Uint64("clientId", id).Int("total", len(h.subs)).Msg("Client connected")
	return id, nil
}

// Unregister removes a subscriber. It reports whether id was registered.
func (h *Hub) Unregister(id uint64) bool {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.log.Info().
			Uint64("clientId", id).
			Int("total", total).
			Dur("connected", time.Since(sub.connectedAt)).
			Msg("Client disconnected")
	}
	return ok
}

// Count is the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// OnPublish registers fn to be called with every text and style message
// published through this hub. Messages passed to Deliver are not observed.
func (h *Hub) OnPublish(fn func(Message)) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

// PublishText sends a caption to every subscriber.
func (h *Hub) PublishText(text string) {
	m := h.send(Message{Kind: KindText, Text: text})
	h.notify(m)
	h.log.Debug().Int("length", len(text)).Int("clients", h.Count()).Msg("Broadcast text")
}

// PublishStyle sends a partial style update to every subscriber.
func (h *Hub) PublishStyle(style Style) {
	m := h.send(Message{Kind: KindStyle, Style: &style})
	h.notify(m)
	h.log.Info().Int("clients", h.Count()).Msg("Broadcast style")
}

// Ping sends a keep-alive.
func (h *Hub) Ping() {
	h.send(Message{Kind: KindPing})
}

// Shutdown tells subscribers the server is going away. Connections are left
// for the transport to close.
func (h *Hub) Shutdown() {
	h.send(Message{Kind: KindShutdown, Info: ShutdownMessage})
	h.log.Warn().Int("clients", h.Count()).Msg("Broadcast shutdown")
}

// Deliver fans out a message without notifying observers. Used for events
// that arrived from another process.
func (h *Hub) Deliver(m Message) {
	h.send(m)
}

func (h *Hub) send(m Message) Message {
	m.ID = h.seq.Add(1)

	h.mu.Lock()
	snapshot := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	for _, sub := range snapshot {
		if err := sub.sink.Enqueue(m); err != nil {
			h.log.Warn().Uint64("clientId", sub.id).Err(err).Msg("Failed to send to client")
			h.evict(sub)
		}
	}
	return m
}

func (h *Hub) evict(sub *subscriber) {
	if !h.Unregister(sub.id) {
		return
	}
	if c, ok := sub.sink.(closer); ok {
		c.Close()
	}
}

func (h *Hub) notify(m Message) {
	h.mu.Lock()
	observers := slices.Clone(h.observers)
	h.mu.Unlock()
	for _, fn := range observers {
		fn(m)
	}
}

// Subscription is one subscriber's event sequence. Receive from C until it
// is closed.
type Subscription struct {
	id   uint64
	hub  *Hub
	sink *chanSink
	once sync.Once

	mu   sync.Mutex
	stop func() bool
}

// Subscribe registers a buffered subscriber. Cancelling ctx unregisters it
// immediately and closes C.
func (h *Hub) Subscribe(ctx context.Context) (*Subscription, error) {
	sink := newChanSink(h.bufSize)
	id, err := h.Register(sink)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{id: id, hub: h, sink: sink}
	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

// ID is the subscriber id.
func (s *Subscription) ID() uint64 { return s.id }

// C delivers messages in publish order. It is closed when the subscription
// ends, whether by Close, context cancellation or eviction.
func (s *Subscription) C() <-chan Message { return s.sink.ch }

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.hub.Unregister(s.id)
		s.sink.Close()
	})
}

type chanSink struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

func newChanSink(size int) *chanSink {
	return &chanSink{ch: make(chan Message, size)}
}

func (c *chanSink) Enqueue(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSinkClosed
	}
	select {
	case c.ch <- m:
		return nil
	default:
		return ErrSinkFull
	}
}

func (c *chanSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
