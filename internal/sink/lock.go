package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// LocalLocker is a process-wide lock for a single sink instance.
type LocalLocker struct {
	sem chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

func (l *LocalLocker) Acquire(ctx context.Context, wait time.Duration) (context.Context, func(), error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
		held, cancel := context.WithCancel(ctx)
		var once sync.Once
		return held, func() {
			once.Do(func() {
				cancel()
				<-l.sem
			})
		}, nil
	case <-timer.C:
		return nil, nil, lockTimeout(wait)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func lockTimeout(wait time.Duration) error {
	return types.NewError(types.CodeLockTimeout, fmt.Sprintf("sheet lock not acquired within %s", wait), nil)
}
