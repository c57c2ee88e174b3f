// Package cache holds shared-state helpers backed by Redis.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when it still holds our token, so
// an expired lock re-acquired by another instance is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// SweepLock is a Redis-backed mutual-exclusion lock for the reconciliation
// sweep: only one instance may run a sweep at a time. The TTL bounds how
// long a crashed holder can block other instances.
type SweepLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewSweepLock creates a SweepLock. ttl <= 0 selects 10 minutes.
func NewSweepLock(client *redis.Client, key string, ttl time.Duration) *SweepLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SweepLock{client: client, key: key, ttl: ttl}
}

// Acquire attempts to take the lock. acquired is false when another holder
// has it; err reports Redis being unreachable.
func (l *SweepLock) Acquire(ctx context.Context) (token string, acquired bool, err error) {
	token = uuid.NewString()
	acquired, err = l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("sweep lock acquire failed: %w", err)
	}
	return token, acquired, nil
}

// Release frees the lock if token still owns it.
func (l *SweepLock) Release(ctx context.Context, token string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("sweep lock release failed: %w", err)
	}
	return nil
}
