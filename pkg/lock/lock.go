// Package lock defines named mutual exclusion shared across worker processes.
package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Names of the periodic duties guarded by a lock.
const (
	SchedulerLock         = "scheduler"
	FailsafeLock          = "failsafe"
	ExecutionLivenessLock = "execution-liveness"
)

// ErrLockLost is returned when a lease is no longer held, either because it
// was already released or because it expired and was taken by someone else.
var ErrLockLost = errors.New("lock lost")

// Service hands out named locks. Acquire blocks until the lock is held or ctx
// is done; waiters are served in arrival order. Locks are not re-entrant.
type Service interface {
	Acquire(ctx context.Context, name string) (Lease, error)
}

// Lease is one holding of a lock. Only the holder that acquired it can
// release it.
type Lease interface {
	Release(ctx context.Context) error
}

// Renewable is implemented by leases that expire unless extended. Renew
// returns ErrLockLost once the lease has been taken over.
type Renewable interface {
	Lease
	Renew(ctx context.Context) error
	TTL() time.Duration
}

// Logger is the subset of logging used by the helpers.
type Logger interface {
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Do runs fn while holding name. When the lock cannot be acquired fn is not run
// and the acquisition error is returned. An expiring lease is renewed while fn
// runs; if it is lost anyway fn's context is cancelled and ErrLockLost is
// returned. A failing release is logged only.
func Do(ctx context.Context, svc Service, name string, log Logger, fn func(ctx context.Context) error) error {
	lease, err := svc.Acquire(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "acquire lock %s", name)
	}
	return hold(ctx, lease, name, log, fn)
}

// DoBestEffort runs fn while holding name if possible. A lock provider failure
// is logged and fn runs without the lock.
func DoBestEffort(ctx context.Context, svc Service, name string, log Logger, fn func(ctx context.Context) error) error {
	lease, err := svc.Acquire(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warnf("Proceeding without lock %s: %v", name, err)
		return fn(ctx)
	}
	return hold(ctx, lease, name, log, fn)
}

func hold(ctx context.Context, lease Lease, name string, log Logger, fn func(ctx context.Context) error) error {
	defer release(lease, name, log)

	r, ok := lease.(Renewable)
	if !ok || r.TTL() <= 0 {
		return fn(ctx)
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		keepAlive(fnCtx, r, name, log, cancel)
	}()

	err := fn(fnCtx)
	cause := context.Cause(fnCtx)
	cancel(nil)
	<-stopped

	if errors.Is(cause, ErrLockLost) {
		if err == nil || errors.Is(err, context.Canceled) {
			return cause
		}
		return errors.Wrapf(err, "lock %s lost", name)
	}
	return err
}

// keepAlive renews the lease at a third of its TTL until ctx is done.
func keepAlive(ctx context.Context, r Renewable, name string, log Logger, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(r.TTL() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := r.Renew(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrLockLost):
			log.Errorf("Lock %s was lost while held", name)
			lost(errors.Wrapf(ErrLockLost, "lock %s", name))
			return
		case ctx.Err() != nil:
			return
		default:
			log.Warnf("Failed to renew lock %s: %v", name, err)
		}
	}
}

func release(lease Lease, name string, log Logger) {
	// The caller's context may already be cancelled; release must still happen.
	if err := lease.Release(context.Background()); err != nil {
		log.Errorf("Failed to release lock %s: %v", name, err)
	}
}
