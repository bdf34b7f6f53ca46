package runlock

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAcquireMutualExclusion(t *testing.T) {
	s := openStore(t)
	c := &clock{now: time.Unix(1_700_000_000, 0)}

	const contenders = 16
	var granted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		// separate lockers model separate processes sharing one database
		l := New(s, quietLogger(), WithClock(c.Now))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := l.Acquire(context.Background(), "daily-run", time.Minute)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := granted.Load(); got != 1 {
		t.Fatalf("expected exactly one holder, got %d", got)
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	s := openStore(t)
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	l := New(s, quietLogger(), WithClock(c.Now))
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "k", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v", ok, err)
	}

	c.Advance(10 * time.Second)
	if ok, _ := l.Acquire(ctx, "k", 30*time.Second); ok {
		t.Fatalf("Acquire succeeded while lock still valid")
	}

	c.Advance(20 * time.Second)
	ok, err = l.Acquire(ctx, "k", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire after ttl = %v, %v", ok, err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	s := openStore(t)
	l := New(s, quietLogger())
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		ok, err := l.Acquire(ctx, key, time.Minute)
		if err != nil || !ok {
			t.Fatalf("Acquire(%s) = %v, %v", key, ok, err)
		}
	}
}

func TestLockOutlivesHolder(t *testing.T) {
	s := openStore(t)
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	ctx := context.Background()

	first := New(s, quietLogger(), WithClock(c.Now))
	lease, err := first.TryAcquire(ctx, "k", time.Minute)
	if err != nil || lease == nil {
		t.Fatalf("TryAcquire = %v, %v", lease, err)
	}

	// a finished holder leaves the record in place until it expires
	second := New(s, quietLogger(), WithClock(c.Now))
	c.Advance(59 * time.Second)
	if ok, _ := second.Acquire(ctx, "k", time.Minute); ok {
		t.Fatalf("lock granted before expiry")
	}
	c.Advance(time.Second)
	if ok, err := second.Acquire(ctx, "k", time.Minute); err != nil || !ok {
		t.Fatalf("Acquire at expiry = %v, %v", ok, err)
	}
}

func TestInvalidTTL(t *testing.T) {
	l := New(openStore(t), quietLogger())
	ok, err := l.Acquire(context.Background(), "k", 0)
	if ok || !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("Acquire with zero ttl = %v, %v", ok, err)
	}
}

type brokenStore struct{}

func (brokenStore) AcquireLock(context.Context, string, time.Time, time.Time, string) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestAcquireFailsClosed(t *testing.T) {
	l := New(brokenStore{}, quietLogger())
	ok, err := l.Acquire(context.Background(), "k", time.Minute)
	if ok {
		t.Fatalf("lock granted despite storage failure")
	}
	if err == nil {
		t.Fatalf("expected storage error to surface")
	}
}
