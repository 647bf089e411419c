package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	bridgeQueue    = 256
	publishTimeout = 2 * time.Second
)

// envelope is the wire format on the Redis channel.
type envelope struct {
	Origin string `json:"origin"`
	Kind   Kind   `json:"kind"`
	Text   string `json:"text,omitempty"`
	Style  *Style `json:"style,omitempty"`
}

// RedisBridge mirrors text and style events between relay processes sharing
// a Redis pub/sub channel. Events published locally are forwarded; events
// from other processes are delivered to local subscribers only.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	log     zerolog.Logger
	out     chan envelope
}

// NewRedisBridge attaches a bridge to hub. Call Run to start it.
func NewRedisBridge(client *redis.Client, channel string, hub *Hub, log zerolog.Logger) *RedisBridge {
	b := &RedisBridge{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		log:     log,
		out:     make(chan envelope, bridgeQueue),
	}
	hub.OnPublish(b.forward)
	return b
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (b *RedisBridge) forward(m Message) {
	if m.Kind != KindText && m.Kind != KindStyle {
		return
	}
	env := envelope{Origin: b.origin, Kind: m.Kind, Text: m.Text, Style: m.Style}
	select {
	case b.out <- env:
	default:
		b.log.Warn().Str("kind", string(m.Kind)).Msg("Redis bridge queue full, dropping event")
	}
}

// Run subscribes to the channel and pumps events both ways until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Str("origin", b.origin).Msg("Redis bridge started")

	in := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			b.handlePayload(msg.Payload)
		case env := <-b.out:
			b.publish(ctx, env)
		}
	}
}

func (b *RedisBridge) publish(ctx context.Context, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to marshal bridge event")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.log.Warn().Err(err).Msg("Redis publish failed")
	}
}

// handlePayload delivers a remote event locally. Own events and malformed
// payloads are ignored.
func (b *RedisBridge) handlePayload(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Debug().Err(err).Msg("Ignoring malformed bridge payload")
		return
	}
	if env.Origin == b.origin {
		return
	}

	switch env.Kind {
	case KindText:
		if env.Text == "" {
			return
		}
		b.hub.Deliver(Message{Kind: KindText, Text: env.Text})
	case KindStyle:
		if env.Style == nil {
			return
		}
		b.hub.Deliver(Message{Kind: KindStyle, Style: env.Style})
	default:
		b.log.Debug().Str("kind", string(env.Kind)).Msg("Ignoring bridge event")
	}
}
