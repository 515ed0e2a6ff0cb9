package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hotmess-kernel/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrNoSavedState nothing has been persisted yet.
var ErrNoSavedState = errors.New("state: no saved state")

// Persister stores the latest snapshot so a restarted kernel resumes where it was.
type Persister interface {
	Save(ctx context.Context, snap models.SystemStateSnapshot) error
	Load(ctx context.Context) (models.SystemStateSnapshot, error)
}

const DefaultStateKeyPrefix = "kernel:system_state:"

// RedisPersister keeps the snapshot as JSON under one key per scope.
type RedisPersister struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisPersister scope separates kernels sharing a redis (usually the user id).
// ttl 0 keeps the snapshot forever.
func NewRedisPersister(client *redis.Client, scope string, ttl time.Duration) *RedisPersister {
	return &RedisPersister{
		client: client,
		key:    StateKey(DefaultStateKeyPrefix, scope),
		ttl:    ttl,
	}
}

// StateKey builds the redis key for scope.
func StateKey(prefix, scope string) string {
	if scope == "" {
		scope = "default"
	}
	return prefix + scope
}

func (p *RedisPersister) Save(ctx context.Context, snap models.SystemStateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := p.client.Set(ctx, p.key, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	return nil
}

func (p *RedisPersister) Load(ctx context.Context) (models.SystemStateSnapshot, error) {
	var snap models.SystemStateSnapshot

	val, err := p.client.Get(ctx, p.key).Result()
	if err != nil {
		if err == redis.Nil {
			return snap, ErrNoSavedState
		}
		return snap, fmt.Errorf("failed to get state: %w", err)
	}
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return snap, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return snap, nil
}

// Clear removes the persisted snapshot.
func (p *RedisPersister) Clear(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}
