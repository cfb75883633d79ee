package directory

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runDirectoryTests(t *testing.T, d Directory) {
	ctx := context.Background()

	ok, err := d.Availability(ctx, "9001")
	require.NoError(t, err)
	assert.False(t, ok, "unknown worker is unavailable")

	require.NoError(t, d.SetAvailability(ctx, "9001", true))
	require.NoError(t, d.SetAvailability(ctx, "9002", true))
	require.NoError(t, d.SetAvailability(ctx, "9003", false))

	ok, err = d.Availability(ctx, "9001")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := d.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"9001", "9002"}, list)

	require.NoError(t, d.SetAvailability(ctx, "9001", false))
	list, err = d.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"9002"}, list)
}

func TestMemoryDirectory(t *testing.T) {
	runDirectoryTests(t, NewMemory())
}

// TestRedisDirectory 需要 REDIS_ADDR 指向可用的 Redis
func TestRedisDirectory(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	key := fmt.Sprintf("labor:availability:test:%d", time.Now().UnixNano())
	d := NewRedis(client, key)
	require.NoError(t, d.Ping(context.Background()))
	defer client.Del(context.Background(), key)

	runDirectoryTests(t, d)
}
