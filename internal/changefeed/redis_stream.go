package changefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	rediscommon "hotmess-kernel/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamPrefix prefixes the per-table change stream: changes:<table>.
const StreamPrefix = "changes:"

// RedisStream consumes changes relayed into redis streams. Each kernel instance
// reads through its own consumer group so every instance sees every change.
type RedisStream struct {
	client    *redis.Client
	group     string
	consumer  string
	batchSize int64
	block     time.Duration
	maxLen    int64
	logger    *zap.Logger
}

// NewRedisStream creates a stream feed reading as consumer within group.
func NewRedisStream(client *redis.Client, group, consumer string, logger *zap.Logger) *RedisStream {
	return &RedisStream{
		client:    client,
		group:     group,
		consumer:  consumer,
		batchSize: 50,
		block:     2 * time.Second,
		maxLen:    10000,
		logger:    logger,
	}
}

// Publish appends a change to its table stream. Used by relays and tests.
func (s *RedisStream) Publish(ctx context.Context, change Change) (string, error) {
	return rediscommon.PublishJSONToStream(ctx, s.client, StreamPrefix+change.Table, change, s.maxLen)
}

// Subscribe starts a consumer goroutine for the table; it runs until unsubscribe or ctx ends.
func (s *RedisStream) Subscribe(ctx context.Context, table string, handler Handler) (Unsubscribe, error) {
	stream := StreamPrefix + table
	if err := rediscommon.CreateConsumerGroup(ctx, s.client, stream, s.group); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.consume(ctx, stream, table, handler)
	}()

	s.logger.Info("Change stream consumer started",
		zap.String("stream", stream),
		zap.String("consumer_group", s.group),
		zap.String("consumer_name", s.consumer),
	)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// consume polls with exponential backoff on errors.
func (s *RedisStream) consume(ctx context.Context, stream, table string, handler Handler) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.poll(ctx, stream, table, handler, s.block); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to consume changes",
				zap.String("stream", stream),
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = time.Second
	}
}

// poll reads one batch, hands each change to handler, and acks it.
// Malformed entries are acked and dropped so they do not wedge the group.
func (s *RedisStream) poll(ctx context.Context, stream, table string, handler Handler, block time.Duration) error {
	messages, err := rediscommon.ReadFromStream(ctx, s.client, stream, s.group, s.consumer, s.batchSize, block)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		var change Change
		if err := rediscommon.DecodeStreamData(msg, &change); err != nil {
			s.logger.Warn("Dropping malformed change", zap.String("message_id", msg.ID), zap.Error(err))
		} else if _, opErr := ParseOp(string(change.Op)); opErr != nil {
			s.logger.Warn("Dropping change with unknown op", zap.String("message_id", msg.ID), zap.Error(opErr))
		} else {
			if change.Table == "" {
				change.Table = table
			}
			handler(change)
		}

		if err := s.client.XAck(ctx, stream, s.group, msg.ID).Err(); err != nil {
			s.logger.Warn("Failed to ack change",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}
