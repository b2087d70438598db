package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PassLock keeps replicas from sweeping at the same time. A pass that cannot
// acquire the lock is skipped, not queued. The in-process TryLock on the
// Detector still applies underneath.
type PassLock interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// LocalLock is the single-replica PassLock; it always succeeds.
type LocalLock struct{}

func (LocalLock) TryAcquire(ctx context.Context, ttl time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a PassLock shared by every replica pointed at the same Redis.
type RedisLock struct {
	client redis.UniversalClient
	key    string
}

func NewRedisLock(client redis.UniversalClient, key string) *RedisLock {
	if key == "" {
		key = "grievdesk:sweep:lock"
	}
	return &RedisLock{client: client, key: key}
}

func (l *RedisLock) TryAcquire(ctx context.Context, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("escalation: lock ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("escalation: acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("escalation: release %s: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}
