package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token, so an
// expired lock that someone else re-acquired is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while we still own the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds keys as SET NX PX entries shared by every instance. While
// a lock is held its lease is renewed every ttl/3, so a long transaction keeps
// the keys; a crashed holder loses them after one ttl.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	renew  time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	renew := ttl / 3
	if renew <= 0 {
		renew = ttl
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		retry:  20 * time.Millisecond,
		renew:  renew,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	waitCtx, cancel := withWait(ctx, l.wait)
	defer cancel()

	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.lockOne(waitCtx, key, token); err != nil {
			l.release(held, token)
			return nil, err
		}
		held = append(held, key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(held, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.release(held, token)
		})
	}, nil
}

func (l *RedisLocker) keepAlive(keys []string, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	ttl := l.ttl.Milliseconds()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.renew)
			for _, key := range keys {
				_ = extendScript.Run(ctx, l.client, []string{key}, token, ttl).Err()
			}
			cancel()
		}
	}
}

func (l *RedisLocker) lockOne(ctx context.Context, key, token string) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return waitErr(ctx)
			}
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return waitErr(ctx)
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLocker) release(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		_ = releaseScript.Run(ctx, l.client, []string{keys[i]}, token).Err()
	}
}
