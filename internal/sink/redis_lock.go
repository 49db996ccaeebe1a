package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// redisLockClient is the subset of *redis.Client the lock uses.
type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker shares the sheet lock between sink replicas. The key holds a
// random token with a TTL so a crashed holder cannot block writers forever.
type RedisLocker struct {
	client redisLockClient
	closer func() error
	key    string
	ttl    time.Duration
	poll   time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisLocker(addr, key string, ttl time.Duration) *RedisLocker {
	client := redis.NewClient(&redis.Options{Addr: addr})
	l := newRedisLockerWithClient(client, key, ttl)
	l.closer = client.Close
	return l
}

func newRedisLockerWithClient(client redisLockClient, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, poll: 100 * time.Millisecond, sleep: sleepCtx}
}

func (l *RedisLocker) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}

// Acquire polls SET NX until the key is taken or wait elapses. The held
// context expires a safety margin before the key's TTL, so a holder that
// overruns its lease stops writing before another replica can get in.
func (l *RedisLocker) Acquire(ctx context.Context, wait time.Duration) (context.Context, func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		attempted := time.Now()
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, nil, err
		}
		if ok {
			held, cancel := context.WithDeadline(ctx, attempted.Add(l.lease()))
			return held, l.releaser(token, cancel), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil, lockTimeout(wait)
		}
		if err := l.sleep(ctx, min(l.poll, remaining)); err != nil {
			return nil, nil, err
		}
	}
}

// lease is the usable part of the TTL.
func (l *RedisLocker) lease() time.Duration {
	return l.ttl - l.ttl/10
}

func (l *RedisLocker) releaser(token string, cancel context.CancelFunc) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil {
				slog.Warn("sink lock release failed", "key", l.key, "error", err)
			}
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
