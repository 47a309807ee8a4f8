package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	redisclient "github.com/fedchat/chat-server-go/internal/redis"
)

// RedisTransport relays events between processes over one pub/sub channel
// per room.
type RedisTransport struct {
	redis *redisclient.Client
}

func NewRedisTransport(redisClient *redisclient.Client) *RedisTransport {
	return &RedisTransport{redis: redisClient}
}

func (t *RedisTransport) Publish(ctx context.Context, roomID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return t.redis.Publish(ctx, redisclient.RoomChannel(roomID), data).Err()
}

func (t *RedisTransport) Listen(ctx context.Context, roomID string, deliver func(Event)) error {
	channel := redisclient.RoomChannel(roomID)
	pubsub := t.redis.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so events published right
	// after Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	log.Debug().
		Str("roomId", roomID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return

			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Error().Err(err).Str("channel", channel).Msg("failed to unmarshal event")
					continue
				}

				deliver(event)
			}
		}
	}()
	return nil
}
