package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/types"
	"github.com/redis/go-redis/v9"
)

func TestLocalLocker_ReleaseIsIdempotent(t *testing.T) {
	l := NewLocalLocker()
	held, release, err := l.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	release()
	release()
	if held.Err() == nil {
		t.Fatal("held context still live after release")
	}

	_, again, err := l.Acquire(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	defer again()
	if _, _, err := l.Acquire(context.Background(), 10*time.Millisecond); !types.HasCode(err, types.CodeLockTimeout) {
		t.Fatalf("Acquire() while held error = %v; want %s", err, types.CodeLockTimeout)
	}
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	l := NewLocalLocker()
	_, release, _ := l.Acquire(context.Background(), time.Second)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := l.Acquire(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v; want context.Canceled", err)
	}
}

type fakeLockRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	evals  int
	setErr error
}

func newFakeLockRedis() *fakeLockRedis {
	return &fakeLockRedis{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeLockRedis) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, held := f.values[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeLockRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeLockRedis) held(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	fake := newFakeLockRedis()
	l := newRedisLockerWithClient(fake, "sink:lock", 45*time.Second)

	before := time.Now()
	held, release, err := l.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !fake.held("sink:lock") || fake.ttls["sink:lock"] != 45*time.Second {
		t.Fatalf("lock key not set with ttl: %+v", fake.ttls)
	}
	deadline, ok := held.Deadline()
	if !ok {
		t.Fatal("held context has no deadline")
	}
	if lease := deadline.Sub(before); lease > 45*time.Second-4*time.Second || lease < 40*time.Second {
		t.Fatalf("lease = %s; want inside the 45s ttl with margin", lease)
	}
	release()
	if held.Err() == nil {
		t.Fatal("held context still live after release")
	}
	release()
	if fake.held("sink:lock") {
		t.Fatal("lock key still present after release")
	}
	if fake.evals != 1 {
		t.Fatalf("release evals = %d; want 1", fake.evals)
	}
}

func TestRedisLocker_TimesOutWhileHeld(t *testing.T) {
	fake := newFakeLockRedis()
	fake.values["sink:lock"] = "someone-else"
	l := newRedisLockerWithClient(fake, "sink:lock", time.Minute)
	l.poll = time.Millisecond

	start := time.Now()
	_, _, err := l.Acquire(context.Background(), 20*time.Millisecond)
	if !types.HasCode(err, types.CodeLockTimeout) {
		t.Fatalf("Acquire() error = %v; want %s", err, types.CodeLockTimeout)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("Acquire() gave up before the wait elapsed")
	}
	if fake.values["sink:lock"] != "someone-else" {
		t.Fatal("foreign lock was overwritten")
	}
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	fake := newFakeLockRedis()
	l := newRedisLockerWithClient(fake, "sink:lock", time.Minute)
	_, release, err := l.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	// The TTL expired and another replica took the lock.
	fake.mu.Lock()
	fake.values["sink:lock"] = "other"
	fake.mu.Unlock()

	release()
	if !fake.held("sink:lock") {
		t.Fatal("release removed another holder's lock")
	}
}

func TestRedisLocker_CommandError(t *testing.T) {
	fake := newFakeLockRedis()
	fake.setErr = errors.New("connection refused")
	l := newRedisLockerWithClient(fake, "sink:lock", time.Minute)
	if _, _, err := l.Acquire(context.Background(), time.Second); err == nil || types.HasCode(err, types.CodeLockTimeout) {
		t.Fatalf("Acquire() error = %v; want command error", err)
	}
}
