package notify

import (
	"context"
	"fmt"

	rediscommon "hotmess-kernel/common/redis"
	"hotmess-kernel/internal/models"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultOutboxStream = "notify:outbox"
	defaultOutboxMaxLen = 10000
)

// OutboxEntry what a delivery worker reads from the outbox stream.
type OutboxEntry struct {
	Contact models.TrustedContact `json:"contact"`
	Alert   models.Alert          `json:"alert"`
}

// Outbox queues alerts on a redis stream for an out-of-process delivery worker.
// Acceptance means queued, not delivered.
type Outbox struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewOutbox(client *redis.Client, stream string) *Outbox {
	if stream == "" {
		stream = DefaultOutboxStream
	}
	return &Outbox{client: client, stream: stream, maxLen: defaultOutboxMaxLen}
}

func (o *Outbox) Notify(ctx context.Context, contact models.TrustedContact, alert models.Alert) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, o.client, o.stream, OutboxEntry{Contact: contact, Alert: alert}, o.maxLen); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return nil
}
