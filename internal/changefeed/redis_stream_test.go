package changefeed

import (
	"context"
	"testing"

	rediscommon "hotmess-kernel/common/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisStream_PublishAndPoll(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	feed := NewRedisStream(client, "kernel-test", "c-1", zap.NewNop())

	stream := StreamPrefix + "market_listings"
	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, stream, "kernel-test"))

	_, err := feed.Publish(ctx, Change{
		Table: "market_listings",
		Op:    OpInsert,
		New:   map[string]any{"id": "m-1", "lat": 1.5, "lng": 2.5},
	})
	require.NoError(t, err)

	var got []Change
	err = feed.poll(ctx, stream, "market_listings", func(c Change) { got = append(got, c) }, -1)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, OpInsert, got[0].Op)
	assert.Equal(t, "m-1", got[0].New["id"])
}

func TestRedisStream_MalformedEntrySkipped(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	feed := NewRedisStream(client, "kernel-test", "c-1", zap.NewNop())

	stream := StreamPrefix + "events"
	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, stream, "kernel-test"))
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": "{broken"},
	}).Err())

	calls := 0
	err := feed.poll(ctx, stream, "events", func(Change) { calls++ }, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}

func TestRedisStream_SubscribeStops(t *testing.T) {
	_, client := setupTestRedis(t)
	feed := NewRedisStream(client, "kernel-test", "c-1", zap.NewNop())
	feed.block = -1

	unsub, err := feed.Subscribe(context.Background(), "presence", func(Change) {})
	require.NoError(t, err)

	unsub()
	unsub()
}
