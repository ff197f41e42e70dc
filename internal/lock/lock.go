// Package lock provides mutually exclusive, expiring job locks so that a
// scheduled job fires on only one instance at a time
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/kode4food/switchyard/pkg/api"
)

// Locker acquires and manages expiring job locks on behalf of one instance
type Locker interface {
	// Acquire takes the lock for job for ttl. It returns nil without an
	// error when another holder has it
	Acquire(ctx context.Context, job string, ttl time.Duration) (*api.Lock, error)

	// Release drops l if it is still held by the same acquisition
	Release(ctx context.Context, l *api.Lock) error

	// Renew extends l to ttl from now if it is still held by the same
	// acquisition, reporting whether it was
	Renew(ctx context.Context, l *api.Lock, ttl time.Duration) (bool, error)

	// Healthy checks the backing store
	Healthy(ctx context.Context) bool

	// Active lists every unexpired lock, whichever instance holds it
	Active(ctx context.Context) ([]*api.Lock, error)

	// Shutdown releases every lock held by this instance
	Shutdown(ctx context.Context) error
}

var (
	ErrJobNameEmpty = errors.New("lock job name empty")
	ErrInvalidTTL   = errors.New("lock ttl must be positive")
	ErrNilLock      = errors.New("lock is nil")
)

func newLock(
	job, instanceID string, now time.Time, ttl time.Duration,
) *api.Lock {
	return &api.Lock{
		JobName:    job,
		LockID:     api.NewID(),
		InstanceID: instanceID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

func checkAcquire(job string, ttl time.Duration) error {
	if job == "" {
		return ErrJobNameEmpty
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

func checkRenew(l *api.Lock, ttl time.Duration) error {
	if l == nil {
		return ErrNilLock
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
