// Package lock serializes reconciliation of one user across replicas.
package lock

import (
	"context"
	"fmt"
	"time"

	"tradeguard/internal/config"

	"github.com/redis/go-redis/v9"
)

// DistributedLock is held by the worker reconciling a user.
type DistributedLock interface {
	// TryLock returns false when another holder owns key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	Close() error
}

// NopLock always grants the lock. Used for single-replica deployments where
// the scheduler's in-flight set already serializes users.
type NopLock struct{}

func NewNopLock() *NopLock { return &NopLock{} }

func (NopLock) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NopLock) Unlock(context.Context, string) error                         { return nil }
func (NopLock) Close() error                                                 { return nil }

// New returns a Redis lock when enabled, NopLock otherwise.
func New(cfg config.LockConfig) (DistributedLock, error) {
	if !cfg.Enabled {
		return NewNopLock(), nil
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("lock.redis.addr is required when lock is enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	return NewRedisLock(client, cfg.Prefix), nil
}
