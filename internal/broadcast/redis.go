package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannel shares ChannelName through Redis pub/sub so separate
// processes on one host see each other.
type RedisChannel struct {
	client *redis.Client
	sender string
	log    *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	subs   map[int]func(Message)
	next   int
	closed bool
	done   chan struct{}
}

func NewRedisChannel(client *redis.Client, sender string, log *zap.SugaredLogger) *RedisChannel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisChannel{
		client: client,
		sender: sender,
		log:    log,
		subs:   make(map[int]func(Message)),
		done:   make(chan struct{}),
	}
}

func (c *RedisChannel) Sender() string { return c.sender }

func (c *RedisChannel) Publish(ctx context.Context, m Message) error {
	m.Sender = c.sender
	if err := m.validate(); err != nil {
		return err
	}
	payload, err := encode(m)
	if err != nil {
		return fmt.Errorf("broadcast: encode: %w", err)
	}
	if err := c.client.Publish(ctx, ChannelName, payload).Err(); err != nil {
		return fmt.Errorf("broadcast: publish: %w", err)
	}
	return nil
}

// Subscribe starts the shared Redis subscription on first use.
func (c *RedisChannel) Subscribe(fn func(Message)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.pubsub == nil {
		ctx := context.Background()
		pubsub := c.client.Subscribe(ctx, ChannelName)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("broadcast: subscribe: %w", err)
		}
		c.pubsub = pubsub
		go c.receive(pubsub.Channel())
	}
	key := c.next
	c.next++
	c.subs[key] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
	}, nil
}

func (c *RedisChannel) receive(ch <-chan *redis.Message) {
	for {
		select {
		case <-c.done:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			m, err := decode([]byte(raw.Payload))
			if err != nil {
				c.log.Debugw("ignoring broadcast", "error", err)
				continue
			}
			if m.Sender == c.sender {
				continue
			}
			c.mu.Lock()
			subs := make([]func(Message), 0, len(c.subs))
			for _, fn := range c.subs {
				subs = append(subs, fn)
			}
			c.mu.Unlock()
			for _, fn := range subs {
				fn(m)
			}
		}
	}
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.pubsub != nil {
		return c.pubsub.Close()
	}
	return nil
}
