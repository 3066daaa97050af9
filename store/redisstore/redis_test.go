package redisstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/girderhq/girder/store"
	"github.com/girderhq/girder/store/storetest"
)

func TestRedisStore(t *testing.T) {
	// Skip if Redis is not available
	testClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	if err := testClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	testClient.Close()

	var n int
	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		n++
		client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
		prefix := fmt.Sprintf("test:store:%s:%d:", t.Name(), n)
		t.Cleanup(func() {
			keys, _ := client.Keys(context.Background(), prefix+"*").Result()
			if len(keys) > 0 {
				client.Del(context.Background(), keys...)
			}
			client.Close()
		})
		return New(Config{Client: client, KeyPrefix: prefix})
	})
}
