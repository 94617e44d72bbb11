// Package lock serializes mutations per business key (job, stock item,
// return, sequence). Every operation asks for all of its keys in one call;
// keys are taken in sorted order so two operations sharing keys never
// deadlock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTimeout is returned when a key stays held longer than the wait budget.
var ErrTimeout = errors.New("timed out waiting for lock")

// Locker hands out exclusive ownership of a set of keys.
type Locker interface {
	// Acquire blocks until all keys are held. The returned release func is
	// safe to call more than once.
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// New builds the locker selected by backend.
func New(backend string, rdb *redis.Client, ttl, wait time.Duration) (Locker, error) {
	switch backend {
	case "", BackendLocal:
		return NewLocalLocker(wait), nil
	case BackendRedis:
		if rdb == nil {
			return nil, errors.New("redis lock backend requires a redis client")
		}
		return NewRedisLocker(rdb, ttl, wait), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", backend)
}

func JobKey(tenantID, jobID string) string {
	return "mes:" + tenantID + ":job:" + jobID
}

func ItemKey(tenantID, itemID string) string {
	return "mes:" + tenantID + ":item:" + itemID
}

func ReworkKey(tenantID, reworkID string) string {
	return "mes:" + tenantID + ":rework:" + reworkID
}

func ReturnKey(tenantID, returnID string) string {
	return "mes:" + tenantID + ":return:" + returnID
}

func DeliveryNoteKey(tenantID, dnID string) string {
	return "mes:" + tenantID + ":dn:" + dnID
}

func SequenceKey(tenantID, name string) string {
	return "mes:" + tenantID + ":seq:" + name
}

func CatalogKey(tenantID string) string {
	return "mes:" + tenantID + ":catalog"
}

// normalize sorts keys and drops duplicates and blanks.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i == 0 || k != out[n-1] {
			out[n] = k
			n++
		}
	}
	return out[:n]
}

func withWait(ctx context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	if wait <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, wait)
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
