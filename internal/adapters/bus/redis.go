package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Stream/pkg/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultChannel = "stream:chat"

// Redis fans chat out across server nodes through Redis Pub/Sub.
// Local delivery also goes through the subscription, so each node sees
// every payload exactly once.
type Redis struct {
	client  *redis.Client
	channel string
	backoff time.Duration
}

func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, backoff: 2 * time.Second}
}

func (r *Redis) Publish(ctx context.Context, p protocol.ChatPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe reconnects on receive errors until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, fn func(protocol.ChatPayload)) error {
	for {
		err := r.runSubscription(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Str("module", "bus").Err(err).Dur("backoff", r.backoff).Msg("chat subscription lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.backoff):
		}
	}
}

func (r *Redis) runSubscription(ctx context.Context, fn func(protocol.ChatPayload)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for subscription to be active
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	log.Info().Str("module", "bus").Str("channel", r.channel).Msg("chat subscription active")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			if p, ok := decode(msg.Payload); ok {
				fn(p)
			}
		}
	}
}

func decode(payload string) (protocol.ChatPayload, bool) {
	var p protocol.ChatPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		log.Warn().Str("module", "bus").Err(err).Msg("invalid chat payload")
		return p, false
	}
	if p.StreamID == "" {
		return p, false
	}
	return p, true
}
