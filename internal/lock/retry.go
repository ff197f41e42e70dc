package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

// RetryingLocker retries contended acquisitions a fixed number of times
type RetryingLocker struct {
	Locker
	attempts int
	delay    time.Duration
}

// Retrying wraps l so that Acquire makes up to attempts further tries,
// delay apart, while the lock is contended. Zero attempts returns l as is
func Retrying(l Locker, attempts int, delay time.Duration) Locker {
	if attempts <= 0 {
		return l
	}
	return &RetryingLocker{Locker: l, attempts: attempts, delay: delay}
}

// Acquire implements Locker
func (r *RetryingLocker) Acquire(
	ctx context.Context, job string, ttl time.Duration,
) (*api.Lock, error) {
	for attempt := 0; ; attempt++ {
		l, err := r.Locker.Acquire(ctx, job, ttl)
		if err != nil || l != nil || attempt >= r.attempts {
			return l, err
		}
		slog.Debug("Lock contended",
			log.JobName(job),
			log.Attempt(attempt+1),
			log.Delay(r.delay))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.delay):
		}
	}
}
