// Package lock serialises work on forms and cases across submissions.
//
// A Manager hands out exclusive, per-key Handles. Callers that need several
// keys go through AcquireAll, which takes them in sorted order so two
// submissions touching overlapping case sets cannot deadlock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrLocked is returned when a key stays held by someone else for the whole wait.
	ErrLocked = errors.New("resource is locked")

	// ErrTimeout is returned when the caller's context ends while waiting.
	ErrTimeout = errors.New("timed out waiting for lock")

	// ErrNotHeld is returned by Release when the lock expired or was taken over.
	ErrNotHeld = errors.New("lock not held")
)

// Handle is one acquired lock. Release is safe to call more than once.
type Handle interface {
	Key() string
	Release(ctx context.Context) error
}

// Expiring is implemented by handles whose lock can lapse while held.
type Expiring interface {
	// Lost is closed once the lock is known to belong to someone else.
	Lost() <-chan struct{}
}

// Manager acquires exclusive locks by key.
type Manager interface {
	// Acquire blocks until key is free, the manager's wait limit elapses
	// (ErrLocked) or ctx ends (ErrTimeout).
	Acquire(ctx context.Context, key string) (Handle, error)
}

// Options tune lock waiting and expiry.
type Options struct {
	// TTL bounds how long a crashed holder can keep a distributed lock.
	// Live holders renew it every TTL/3.
	TTL time.Duration

	// Timeout is how long Acquire waits. Zero means a single attempt.
	Timeout time.Duration

	// RetryInterval is the polling period of managers that cannot be notified.
	RetryInterval time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		TTL:           30 * time.Second,
		Timeout:       5 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// FormKey is the lock key of a form id.
func FormKey(domain, formID string) string { return fmt.Sprintf("form:%s:%s", domain, formID) }

// CaseKey is the lock key of a case id.
func CaseKey(domain, caseID string) string { return fmt.Sprintf("case:%s:%s", domain, caseID) }

// AcquireAll takes every key in sorted order, skipping duplicates and empty
// keys. On failure the locks already taken are released and none are returned.
func AcquireAll(ctx context.Context, m Manager, keys ...string) ([]Handle, error) {
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			sorted = append(sorted, k)
		}
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	handles := make([]Handle, 0, len(sorted))
	for _, k := range sorted {
		h, err := m.Acquire(ctx, k)
		if err != nil {
			_ = ReleaseAll(context.WithoutCancel(ctx), handles)
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// ReleaseAll releases handles in reverse acquisition order.
func ReleaseAll(ctx context.Context, handles []Handle) error {
	var errs []error
	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", handles[i].Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Guard derives a context that is cancelled, with a cause wrapping
// ErrNotHeld, as soon as one of handles loses its lock. Call stop once the
// locked work is done.
func Guard(ctx context.Context, handles []Handle) (guarded context.Context, stop func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	for _, h := range handles {
		e, ok := h.(Expiring)
		if !ok {
			continue
		}
		go func(key string, lost <-chan struct{}) {
			select {
			case <-lost:
				cancel(fmt.Errorf("%s: %w", key, ErrNotHeld))
			case <-ctx.Done():
			}
		}(h.Key(), e.Lost())
	}
	return ctx, func() { cancel(context.Canceled) }
}

// WithLocks runs fn while holding every key. Locks are released when fn
// returns, even on error or panic. fn's context is cancelled if a lock
// lapses before it returns.
func WithLocks(ctx context.Context, m Manager, keys []string, fn func(ctx context.Context) error) (err error) {
	handles, err := AcquireAll(ctx, m, keys...)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := ReleaseAll(context.WithoutCancel(ctx), handles); rerr != nil && err == nil {
			err = rerr
		}
	}()
	gctx, stop := Guard(ctx, handles)
	defer stop()
	if err := fn(gctx); err != nil {
		if cause := context.Cause(gctx); errors.Is(cause, ErrNotHeld) {
			return fmt.Errorf("%w: %w", cause, err)
		}
		return err
	}
	return nil
}

// IsLocked reports whether err means a lock could not be obtained.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked) || errors.Is(err, ErrTimeout)
}
