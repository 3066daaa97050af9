// Package memorypubsub provides an in-process implementation of the
// pubsub.Transport contract using Go channels. It is suitable for tests and
// single-node deployments; cross-node room sync requires a shared transport
// such as redispubsub.
package memorypubsub

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/girderhq/girder/pubsub"
)

// Transport implements pubsub.Transport with per-channel subscriber sets.
type Transport struct {
	mu       sync.RWMutex
	channels map[string]map[*subscription]struct{}
	closed   bool
}

type subscription struct {
	t        *Transport
	channels []string
	ch       chan pubsub.Message
	closed   atomic.Bool
}

// New creates an empty in-process transport.
func New() *Transport {
	return &Transport{channels: make(map[string]map[*subscription]struct{})}
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := pubsub.Message{Channel: channel, Payload: append([]byte(nil), payload...)}

	t.mu.RLock()
	subs := make([]*subscription, 0, len(t.channels[channel]))
	for sub := range t.channels[channel] {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
			// Room-sync consumers re-derive state on the next hint anyway.
		}
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, channels ...string) (pubsub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		t:        t,
		channels: append([]string(nil), channels...),
		ch:       make(chan pubsub.Message, 64),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, io.ErrClosedPipe
	}
	for _, name := range channels {
		set, ok := t.channels[name]
		if !ok {
			set = make(map[*subscription]struct{})
			t.channels[name] = set
		}
		set[sub] = struct{}{}
	}
	return sub, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, set := range t.channels {
		for sub := range set {
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.ch)
			}
		}
	}
	t.channels = make(map[string]map[*subscription]struct{})
	return nil
}

func (s *subscription) Next(ctx context.Context) (pubsub.Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return pubsub.Message{}, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return pubsub.Message{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.t.mu.Lock()
	for _, name := range s.channels {
		delete(s.t.channels[name], s)
	}
	s.t.mu.Unlock()
	close(s.ch)
	return nil
}

var (
	_ pubsub.Transport    = (*Transport)(nil)
	_ pubsub.Subscription = (*subscription)(nil)
)
