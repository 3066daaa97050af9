// Package pubsub defines the publish/subscribe transport used to replicate
// session room membership across cluster nodes. Delivery between nodes is
// best-effort and unordered; consumers must treat messages as invalidation
// hints and re-derive state from the persistent store, never as
// authoritative values.
package pubsub

import (
	"context"
)

// Message is a single published payload tagged with the channel it arrived
// on.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a single consumer's view of one or more channels.
type Subscription interface {
	// Next blocks until a message is available, the subscription is closed,
	// or ctx ends. A closed subscription returns io.EOF.
	Next(ctx context.Context) (Message, error)

	// Close releases the subscription. After Close, Next returns io.EOF.
	Close() error
}

// Transport is the pub/sub contract. Implementations must be safe for
// concurrent use. Publish never blocks on slow subscribers.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}
