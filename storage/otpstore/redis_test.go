package otpstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore needs a disposable redis; set LMS_TEST_REDIS_ADDR to run it.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("LMS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LMS_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	s := NewRedisStore(client)
	key := Key("test-tenant", "STU"+time.Now().Format("150405"))
	t.Cleanup(func() { _ = s.Delete(ctx, key) })

	_, err := s.Get(ctx, key)
	assert.Equal(t, ErrNotFound, err)

	code := Code{Hash: []byte("hash"), ExpiresAt: time.Now().Add(5 * time.Minute), Attempts: 2}
	require.NoError(t, s.Save(ctx, key, code, time.Minute))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, code.Hash, got.Hash)
	assert.Equal(t, code.Attempts, got.Attempts)
	assert.True(t, code.ExpiresAt.Equal(got.ExpiresAt))

	ttl, err := client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute, "ttl = %v", ttl)

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.Equal(t, ErrNotFound, err)
}
