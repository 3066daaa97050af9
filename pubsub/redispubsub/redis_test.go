package redispubsub

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/girderhq/girder/pubsub"
	"github.com/girderhq/girder/pubsub/pubsubtest"
)

func TestRedisTransport(t *testing.T) {
	// Skip if Redis is not available
	testClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	if err := testClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	testClient.Close()

	var n int
	pubsubtest.RunTransportTests(t, func(t *testing.T) pubsub.Transport {
		n++
		client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
		t.Cleanup(func() { client.Close() })
		return New(Config{
			Client:        client,
			ChannelPrefix: fmt.Sprintf("test:pubsub:%d:", n),
		})
	})
}
