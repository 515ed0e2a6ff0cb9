package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/subscription"

	"go.uber.org/zap"
)

const (
	DefaultSnapshotKey = "kernel:beacons:snapshot"
	DefaultSnapshotTTL = 30 * time.Second
	snapshotWriteLimit = 2 * time.Second
)

// SnapshotPublisher mirrors every emitted snapshot into the cache so readers
// outside the process see the same consistent list. The TTL lets the cache lapse
// if the kernel stops emitting.
type SnapshotPublisher struct {
	cache  SnapshotCache
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

func NewSnapshotPublisher(cache SnapshotCache, key string, ttl time.Duration, logger *zap.Logger) *SnapshotPublisher {
	if key == "" {
		key = DefaultSnapshotKey
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotPublisher{cache: cache, key: key, ttl: ttl, logger: logger}
}

// Publish writes beacons as JSON under the snapshot key.
func (p *SnapshotPublisher) Publish(ctx context.Context, beacons []models.Beacon) error {
	data, err := models.MarshalBeacons(beacons)
	if err != nil {
		return fmt.Errorf("failed to marshal beacon snapshot: %w", err)
	}
	if err := p.cache.Write(ctx, p.key, data, p.ttl); err != nil {
		return fmt.Errorf("failed to set snapshot cache: %w", err)
	}

	p.logger.Debug("Updated beacon snapshot cache",
		zap.String("key", p.key),
		zap.Int("beacon_count", len(beacons)),
	)
	return nil
}

// Load reads the cached snapshot. ErrNoSnapshot when absent or expired.
func (p *SnapshotPublisher) Load(ctx context.Context) ([]models.Beacon, error) {
	raw, err := p.cache.Read(ctx, p.key)
	if err != nil {
		return nil, err
	}
	var beacons []models.Beacon
	if err := json.Unmarshal(raw, &beacons); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot cache: %w", err)
	}
	return beacons, nil
}

// Attach publishes every snapshot emitted by a. Write failures are logged only.
func (p *SnapshotPublisher) Attach(a *Aggregator) subscription.Cancel {
	return a.Subscribe(func(beacons []models.Beacon) {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteLimit)
		defer cancel()
		if err := p.Publish(ctx, beacons); err != nil {
			p.logger.Warn("Failed to publish beacon snapshot", zap.Error(err))
		}
	})
}
