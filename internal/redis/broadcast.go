package redisclient

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is a thin pub/sub wrapper used to keep every dashboard instance in
// sync with moves made elsewhere.
type Channel struct {
	client *redis.Client
	name   string
	log    *zap.Logger
}

func NewChannel(client *redis.Client, name string, log *zap.Logger) *Channel {
	return &Channel{client: client, name: name, log: log}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Publish(ctx context.Context, payload []byte) error {
	if err := c.client.Publish(ctx, c.name, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", c.name, err)
	}
	return nil
}

// Subscribe delivers raw messages until ctx is done. The returned channel is
// closed when the subscription ends.
func (c *Channel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := c.client.Subscribe(ctx, c.name)
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.name, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	c.log.Debug("subscribed", zap.String("channel", c.name))
	return out, nil
}
