// Package runlock prevents two pipeline runs sharing a key from overlapping.
//
// Expiry is the only unlock mechanism: the record is never deleted, so a key
// admits at most one run per TTL and callers must pick a TTL that
// upper-bounds the run. The check-and-set happens inside
// the store as one conditional upsert, so the lock holds across processes that
// share the same database.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/store"
)

const keyPrefix = "lock:"

var ErrInvalidTTL = errors.New("lock ttl must be positive")

// Lease is a granted lock.
type Lease struct {
	Key     string
	Token   string
	Expires time.Time
}

type Locker struct {
	store  store.LockStore
	logger *logrus.Logger
	now    func() time.Time
}

type Option func(*Locker)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

func New(s store.LockStore, logger *logrus.Logger, opts ...Option) *Locker {
	l := &Locker{store: s, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire reports whether the lock for key was granted. A storage failure
// fails closed: false plus the error.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lease, err := l.TryAcquire(ctx, key, ttl)
	return lease != nil, err
}

// TryAcquire is Acquire returning the lease, nil when the lock is held.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	now := l.now()
	lease := &Lease{
		Key:     key,
		Token:   uuid.NewString(),
		Expires: now.Add(ttl),
	}

	ok, err := l.store.AcquireLock(ctx, keyPrefix+key, now, lease.Expires, lease.Token)
	if err != nil {
		l.logger.WithError(err).WithField("lock_key", key).Error("Lock storage unavailable")
		return nil, fmt.Errorf("acquire run lock %s: %w", key, err)
	}
	if !ok {
		l.logger.WithField("lock_key", key).Info("Run lock held by another run")
		return nil, nil
	}

	l.logger.WithFields(logrus.Fields{
		"lock_key": key,
		"expires":  lease.Expires,
	}).Debug("Acquired run lock")
	return lease, nil
}
