package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// InstanceLock guards against two bot processes trading the same account at
// once. Live mode acquires the lock at startup and refuses to run without it.
type InstanceLock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewInstanceLock creates an InstanceLock backed by the given Client.
func NewInstanceLock(c *Client) *InstanceLock {
	return &InstanceLock{
		rdb:      c.rdb,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func instanceLockKey(name string) string {
	return "lock:instance:" + name
}

// Acquire obtains the named lock with the given TTL and returns a release
// function that is safe to call more than once. It returns domain.ErrLockHeld
// when another process holds the lock.
func (il *InstanceLock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	key := instanceLockKey(name)

	ok, err := il.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// Release with a background context so shutdown still unlocks after
		// the run context is cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = il.unlockSc.Run(unlockCtx, il.rdb, []string{key}, token).Err()
	}
	return release, nil
}
