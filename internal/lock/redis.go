package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the key only when it still carries the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the TTL only while the key still carries the caller's
// token.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Redis is a distributed Locker built on SETNX with a TTL and a Lua
// conditional unlock. Lock polls until the context is done. While a lock is
// held its TTL is refreshed every ttl/3, so an operation that outlives the
// TTL keeps the keys.
type Redis struct {
	rdb       redis.UniversalClient
	unlockSc  *redis.Script
	refreshSc *redis.Script
	ttl       time.Duration
	retry    time.Duration
	prefix   string
}

// NewRedis creates a Redis locker. ttl bounds how long a crashed holder can
// block a pair.
func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{
		rdb:       rdb,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
		ttl:       ttl,
		retry:     25 * time.Millisecond,
		prefix:    "parimutuel:lock:",
	}
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	lk := r.prefix + key
	for {
		ok, err := r.rdb.SetNX(ctx, lk, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrLockHeld, ctx.Err())
		case <-time.After(r.retry):
		}
	}
}

func (r *Redis) release(key, token string) {
	// Background context so unlock still runs after the caller's ctx is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := r.unlockSc.Run(ctx, r.rdb, []string{r.prefix + key}, token).Int64()
	switch {
	case err != nil:
		slog.Error("lock release failed", "key", key, "err", err)
	case n == 0:
		slog.Error("lock expired before release", "key", key)
	}
}

// keepAlive refreshes the TTL of keys until stop is closed.
func (r *Redis) keepAlive(stop <-chan struct{}, keys []string, token string) {
	every := max(r.ttl/3, time.Millisecond)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for _, k := range keys {
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := r.refreshSc.Run(ctx, r.rdb, []string{r.prefix + k}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				slog.Warn("lock refresh failed", "key", k, "err", err)
			case n == 0:
				slog.Error("lock lost while held", "key", k)
			}
		}
	}
}

func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	token := uuid.New().String()
	held := make([]string, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			r.release(held[i], token)
		}
		held = held[:0]
	}
	for _, k := range keys {
		if err := r.acquire(ctx, k, token); err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, k)
	}

	stop := make(chan struct{})
	go r.keepAlive(stop, append([]string(nil), held...), token)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			releaseAll()
		})
	}, nil
}

var _ Locker = (*Redis)(nil)
