// Package lock provides short-lived mutual exclusion across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotAcquired is returned when the lock is still held by someone else
// after the wait timeout.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrNotHeld is returned by Release when the lease already expired and was
// taken by another holder.
var ErrNotHeld = errors.New("lock not held")

// Options bound how long Acquire waits and how long a lease lives if its
// holder never releases it.
type Options struct {
	Wait time.Duration
	TTL  time.Duration
}

// Manager hands out leases on keys.
type Manager interface {
	Acquire(ctx context.Context, key string, opts Options) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

const pollInterval = 50 * time.Millisecond

// WithLock runs fn while holding key. The lease is always released, on
// success and on failure.
func WithLock(ctx context.Context, m Manager, key string, opts Options, fn func(ctx context.Context) error) (err error) {
	lease, err := m.Acquire(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	defer func() {
		// release must outlive a canceled request context
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := lease.Release(rctx); rerr != nil && err == nil && !errors.Is(rerr, ErrNotHeld) {
			err = fmt.Errorf("release %s: %w", key, rerr)
		}
	}()
	return fn(ctx)
}

// poll calls try until it reports success, the wait elapses or ctx ends.
func poll(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
