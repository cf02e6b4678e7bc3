package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel carries workroom events between API instances.
const Channel = "cyphire:workroom-events"

// RedisBridge publishes events to Redis and delivers everything received on
// the channel to the local hub, so every instance reaches its own members.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
	sub    *redis.PubSub
}

func NewRedisBridge(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, hub: hub, logger: logger}
}

// Start subscribes and returns once the subscription is confirmed. Delivery
// runs until ctx is cancelled or Close is called.
func (b *RedisBridge) Start(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	b.sub = sub

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.logger.Warn("drop malformed realtime event", zap.Error(err))
					continue
				}
				b.hub.Deliver(evt)
			}
		}
	}()
	b.logger.Info("realtime redis bridge subscribed", zap.String("channel", Channel))
	return nil
}

func (b *RedisBridge) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode realtime event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish realtime event: %w", err)
	}
	return nil
}

func (b *RedisBridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Close()
}
