package processor

import (
	"context"
	"strings"
	"sync"
)

// RunLocks serializes work on the same test run. Each key owns a one-token
// channel semaphore that is dropped once nobody holds or waits on it.
type RunLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	ch   chan struct{}
	refs int
}

func NewRunLocks() *RunLocks {
	return &RunLocks{locks: map[string]*runLock{}}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (l *RunLocks) Lock(ctx context.Context, key string) (func(), error) {
	key = strings.TrimSpace(key)
	if l == nil || key == "" {
		return func() {}, nil
	}

	l.mu.Lock()
	rl := l.locks[key]
	if rl == nil {
		rl = &runLock{ch: make(chan struct{}, 1)}
		rl.ch <- struct{}{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case <-rl.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				rl.ch <- struct{}{}
				l.drop(key, rl)
			})
		}, nil
	case <-ctx.Done():
		l.drop(key, rl)
		return nil, ctx.Err()
	}
}

func (l *RunLocks) drop(key string, rl *runLock) {
	l.mu.Lock()
	rl.refs--
	if rl.refs == 0 && l.locks[key] == rl {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Len reports how many keys are currently tracked.
func (l *RunLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
