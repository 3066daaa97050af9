// Package redispubsub implements the pubsub.Transport contract on native
// Redis pub/sub. Room-sync notifications are transient invalidation hints
// with no replay requirement, so fire-and-forget channels fit better than a
// persisted stream.
package redispubsub

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/girderhq/girder/pubsub"
)

// Config contains configuration options for the Redis transport.
type Config struct {
	// Client is the Redis client to use. If nil, a default localhost client
	// is created.
	Client redis.UniversalClient
	// ChannelPrefix is prepended to all channel names. Defaults to
	// "girder:pubsub:".
	ChannelPrefix string
}

// Transport implements pubsub.Transport over Redis pub/sub channels.
type Transport struct {
	client        redis.UniversalClient
	channelPrefix string
}

// New creates a Redis-backed transport.
func New(cfg Config) *Transport {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "girder:pubsub:"
	}
	return &Transport{client: client, channelPrefix: prefix}
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, t.channelPrefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, channels ...string) (pubsub.Subscription, error) {
	prefixed := make([]string, len(channels))
	for i, name := range channels {
		prefixed[i] = t.channelPrefix + name
	}

	ps := t.client.Subscribe(ctx, prefixed...)
	// Wait for the subscription to be established so a Publish immediately
	// after Subscribe returns is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %v: %w", channels, err)
	}

	return &subscription{ps: ps, ch: ps.Channel(), prefixLen: len(t.channelPrefix)}, nil
}

func (t *Transport) Close() error { return t.client.Close() }

type subscription struct {
	ps        *redis.PubSub
	ch        <-chan *redis.Message
	prefixLen int
	closed    atomic.Bool
}

func (s *subscription) Next(ctx context.Context) (pubsub.Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return pubsub.Message{}, io.EOF
		}
		return pubsub.Message{
			Channel: msg.Channel[s.prefixLen:],
			Payload: []byte(msg.Payload),
		}, nil
	case <-ctx.Done():
		return pubsub.Message{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.ps.Close()
}

var (
	_ pubsub.Transport    = (*Transport)(nil)
	_ pubsub.Subscription = (*subscription)(nil)
)
