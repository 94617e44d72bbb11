package lock

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func TestNormalize(t *testing.T) {
	got := normalize([]string{"b", "a", "", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("normalize = %v, want %v", got, want)
	}
}

// exerciseMutualExclusion runs workers that each hold a key while checking
// nobody else is inside the critical section.
func exerciseMutualExclusion(t *testing.T, l Locker, workers, rounds int) {
	t.Helper()
	var inside int32
	var total int64

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < rounds; j++ {
				release, err := l.Acquire(ctx, "k1", "k2")
				if err != nil {
					return err
				}
				if n := atomic.AddInt32(&inside, 1); n != 1 {
					release()
					return errors.New("two holders inside the critical section")
				}
				atomic.AddInt64(&total, 1)
				atomic.AddInt32(&inside, -1)
				release()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("workers: %v", err)
	}
	if want := int64(workers * rounds); total != want {
		t.Fatalf("total = %d, want %d", total, want)
	}
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, NewLocalLocker(5*time.Second), 16, 10)
}

func TestLocalLocker_Timeout(t *testing.T) {
	l := NewLocalLocker(50 * time.Millisecond)
	release, err := l.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release()

	if _, err := l.Acquire(context.Background(), "job-1"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("second acquire err = %v, want ErrTimeout", err)
	}
	// a different key is unaffected
	other, err := l.Acquire(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("other key: %v", err)
	}
	other()
}

func TestLocalLocker_ReleaseIsIdempotent(t *testing.T) {
	l := NewLocalLocker(time.Second)
	release, err := l.Acquire(context.Background(), "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()

	if len(l.slots) != 0 {
		t.Fatalf("slots left after release: %d", len(l.slots))
	}
	again, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	again()
}

func TestLocalLocker_PartialFailureReleasesHeldKeys(t *testing.T) {
	l := NewLocalLocker(50 * time.Millisecond)
	holdB, err := l.Acquire(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(context.Background(), "a", "b"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	holdB()

	// "a" must not have leaked from the failed attempt
	release, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("a leaked: %v", err)
	}
	release()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	_, client := newTestRedis(t)
	exerciseMutualExclusion(t, NewRedisLocker(client, 5*time.Second, 10*time.Second), 4, 5)
}

func TestRedisLocker_TimeoutAndRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, 100*time.Millisecond)

	release, err := l.Acquire(context.Background(), JobKey("t1", "j1"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists(JobKey("t1", "j1")) {
		t.Fatal("lock key not written")
	}
	if _, err := l.Acquire(context.Background(), JobKey("t1", "j1")); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	release()
	if mr.Exists(JobKey("t1", "j1")) {
		t.Fatal("lock key still present after release")
	}
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, time.Second)

	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	// simulate expiry and takeover by another instance
	mr.Set("k", "someone-else")
	release()

	v, err := mr.Get("k")
	if err != nil || v != "someone-else" {
		t.Fatalf("foreign lock was removed: %q, %v", v, err)
	}
}

func TestRedisLocker_RenewsLeaseWhileHeld(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 300*time.Millisecond, time.Second)

	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	// three fast-forwards add up to twice the ttl; renewals in between keep it
	for i := 0; i < 3; i++ {
		mr.FastForward(200 * time.Millisecond)
		time.Sleep(250 * time.Millisecond)
		if !mr.Exists("k") {
			t.Fatalf("lease expired while held (round %d)", i+1)
		}
	}

	release()
	if mr.Exists("k") {
		t.Fatal("lock key still present after release")
	}
	time.Sleep(150 * time.Millisecond)
	if mr.Exists("k") {
		t.Fatal("renewal recreated the key after release")
	}
}

func TestNew(t *testing.T) {
	if _, err := New("local", nil, 0, time.Second); err != nil {
		t.Fatalf("local: %v", err)
	}
	if _, err := New("redis", nil, 0, time.Second); err == nil {
		t.Fatal("redis without client should fail")
	}
	if _, err := New("zookeeper", nil, 0, time.Second); err == nil {
		t.Fatal("unknown backend should fail")
	}
}
