package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	channelPrefix = "jam:room:"
	publishTTL    = 5 * time.Second
)

// Envelope carries one signaling frame between relay instances.
type Envelope struct {
	Origin string          `json:"origin"`
	Room   domain.RoomID   `json:"room"`
	Data   json.RawMessage `json:"data"`
}

// Bus fans room traffic out to other relay instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Run delivers envelopes from other instances until ctx is done.
	Run(ctx context.Context, handler func(Envelope)) error
}

// RedisBus implements Bus with Redis pub/sub, one channel per room.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(ctx context.Context, addr string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("module", "relay.bus").Str("addr", addr).Msg("redis connected")
	return &RedisBus{client: rdb}, nil
}

func channelOf(room domain.RoomID) string {
	return channelPrefix + string(room)
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTTL)
	defer cancel()
	return b.client.Publish(ctx, channelOf(env.Room), body).Err()
}

func (b *RedisBus) Run(ctx context.Context, handler func(Envelope)) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("module", "relay.bus").Str("channel", msg.Channel).Msg("bad envelope")
				continue
			}
			handler(env)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
