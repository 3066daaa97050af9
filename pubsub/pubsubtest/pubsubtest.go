// Package pubsubtest provides a reusable conformance suite for
// pubsub.Transport implementations.
package pubsubtest

import (
	"context"
	"testing"
	"time"

	"github.com/girderhq/girder/pubsub"
)

// Factory builds a fresh transport for a single test. Both ends of the
// returned transport must observe the same channels (for redis, the same
// server and prefix).
type Factory func(t *testing.T) pubsub.Transport

// RunTransportTests runs the conformance suite against the given factory.
func RunTransportTests(t *testing.T, factory Factory) {
	t.Run("DeliversToSubscriber", func(t *testing.T) { testDelivers(t, factory) })
	t.Run("ChannelIsolation", func(t *testing.T) { testChannelIsolation(t, factory) })
	t.Run("MultipleSubscribers", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("NextHonorsContext", func(t *testing.T) { testNextHonorsContext(t, factory) })
}

func recvOne(t *testing.T, sub pubsub.Subscription) pubsub.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return msg
}

func testDelivers(t *testing.T, factory Factory) {
	tr := factory(t)
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, "refresh-rooms")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := tr.Publish(ctx, "refresh-rooms", []byte(`{"sessionId":"s1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := recvOne(t, sub)
	if msg.Channel != "refresh-rooms" {
		t.Errorf("channel = %q, want refresh-rooms", msg.Channel)
	}
	if string(msg.Payload) != `{"sessionId":"s1"}` {
		t.Errorf("payload = %q", msg.Payload)
	}
}

func testChannelIsolation(t *testing.T, factory Factory) {
	tr := factory(t)
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, "remove-session")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := tr.Publish(ctx, "refresh-rooms", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := tr.Publish(ctx, "remove-session", []byte("y")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := recvOne(t, sub)
	if msg.Channel != "remove-session" || string(msg.Payload) != "y" {
		t.Errorf("got %q on %q, want y on remove-session", msg.Payload, msg.Channel)
	}
}

func testMultipleSubscribers(t *testing.T, factory Factory) {
	tr := factory(t)
	ctx := context.Background()

	a, err := tr.Subscribe(ctx, "refresh-rooms")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer a.Close()
	b, err := tr.Subscribe(ctx, "refresh-rooms")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer b.Close()

	if err := tr.Publish(ctx, "refresh-rooms", []byte("hint")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := recvOne(t, a); string(got.Payload) != "hint" {
		t.Errorf("a got %q", got.Payload)
	}
	if got := recvOne(t, b); string(got.Payload) != "hint" {
		t.Errorf("b got %q", got.Payload)
	}
}

func testNextHonorsContext(t *testing.T, factory Factory) {
	tr := factory(t)

	sub, err := tr.Subscribe(context.Background(), "refresh-rooms")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); err == nil {
		t.Error("Next returned without a message or context error")
	}
}
