package lock

import (
	"context"
	"sync"
	"time"
)

type slot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex. It is enough for a single
// instance; multi-instance deployments use RedisLocker.
type LocalLocker struct {
	wait  time.Duration
	mu    sync.Mutex
	slots map[string]*slot
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{
		wait:  wait,
		slots: make(map[string]*slot),
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	ctx, cancel := withWait(ctx, l.wait)
	defer cancel()

	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.lockOne(ctx, key); err != nil {
			l.release(held)
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(held) })
	}, nil
}

func (l *LocalLocker) lockOne(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.unref(key, s)
		l.mu.Unlock()
		return waitErr(ctx)
	}
}

func (l *LocalLocker) release(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(keys) - 1; i >= 0; i-- {
		s := l.slots[keys[i]]
		<-s.ch
		l.unref(keys[i], s)
	}
}

// unref drops the slot once nobody holds or waits on it. Caller holds l.mu.
func (l *LocalLocker) unref(key string, s *slot) {
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
