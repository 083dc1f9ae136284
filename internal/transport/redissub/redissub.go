// Package redissub feeds alert events published on a Redis Pub/Sub channel
// into the session fan-out.
package redissub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mayday/internal/session"
)

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "mayday:alerts"

// Subscriber is the Redis client surface used here.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Broadcaster receives each raw payload.
type Broadcaster interface {
	BroadcastRaw(ctx context.Context, raw []byte) ([]session.Delivery, error)
}

// Consumer reads one Pub/Sub channel.
type Consumer struct {
	client  Subscriber
	channel string
	sink    Broadcaster
	logger  log.Logger
}

// New creates a Consumer. An empty channel uses DefaultChannel.
func New(client Subscriber, channel string, sink Broadcaster, logger log.Logger) *Consumer {
	if client == nil {
		panic(xerrors.New("redis client is required"))
	}
	if sink == nil {
		panic(xerrors.New("broadcaster is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Consumer{
		client:  client,
		channel: channel,
		sink:    sink,
		logger:  logger.With("channel", channel),
	}
}

// Run subscribes and dispatches messages until ctx is cancelled. It returns
// an error only if the initial subscription fails; go-redis reconnects on its
// own afterwards.
func (c *Consumer) Run(ctx context.Context) error {
	ps := c.client.Subscribe(ctx, c.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	c.logger.Info(ctx, "subscribed to alert channel")

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, payload []byte) {
	deliveries, err := c.sink.BroadcastRaw(ctx, payload)
	if err != nil {
		// already logged by the session manager; nothing to retry
		return
	}
	accepted := 0
	for _, d := range deliveries {
		if !d.Skipped {
			accepted++
		}
	}
	c.logger.Info(ctx, "pubsub alert event delivered",
		"recipients", len(deliveries),
		"accepted", accepted,
	)
}
