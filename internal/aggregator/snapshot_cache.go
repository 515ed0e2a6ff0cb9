package aggregator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNoSnapshot nothing is cached under the key, or the entry lapsed.
var ErrNoSnapshot = errors.New("no cached beacon snapshot")

// SnapshotCache holds the serialized beacon list for readers outside the process.
type SnapshotCache interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// RedisSnapshotCache stores the snapshot next to a version counter and
// announces every new version on UpdatesChannel(key).
type RedisSnapshotCache struct {
	client *redis.Client
}

func NewRedisSnapshotCache(client *redis.Client) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client}
}

// UpdatesChannel is the pub/sub channel carrying the snapshot version.
func UpdatesChannel(key string) string { return key + ":updates" }

func versionKey(key string) string { return key + ":version" }

func (c *RedisSnapshotCache) Read(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	return raw, err
}

// Write replaces the snapshot and bumps its version atomically, then publishes
// the version. A failed publish is returned but the snapshot is already stored.
func (c *RedisSnapshotCache) Write(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	version := pipe.Incr(ctx, versionKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return c.client.Publish(ctx, UpdatesChannel(key), strconv.FormatInt(version.Val(), 10)).Err()
}

// Version returns how many snapshots have been written under key; 0 if none.
func (c *RedisSnapshotCache) Version(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}
