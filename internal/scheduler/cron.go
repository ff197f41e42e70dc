package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kode4food/switchyard/internal/lock"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// Cron fires named jobs on cron schedules. Each firing must first win
	// the lock named for its job and due time, so across a fleet sharing
	// one Locker only a single instance runs any given due time
	Cron struct {
		ctx    context.Context
		sched  *Scheduler
		locker lock.Locker
		jobs   map[string]*cronJob
		onSkip SkipFunc
		ttl    time.Duration
		mu     sync.Mutex
	}

	// CronFunc runs one firing of a job for its due time
	CronFunc func(ctx context.Context, at time.Time) error

	// SkipFunc observes a firing that another instance claimed
	SkipFunc func(job string, at time.Time)

	// CronJob describes a registered job
	CronJob struct {
		Next     time.Time `json:"next"`
		Name     string    `json:"name"`
		Schedule string    `json:"schedule"`
	}

	cronJob struct {
		fn       CronFunc
		schedule cron.Schedule
		next     time.Time
		name     string
		expr     string
	}
)

const releaseGuard = 100 * time.Millisecond

var (
	ErrCronJobName    = errors.New("cron job name empty")
	ErrCronExpression = errors.New("invalid cron expression")
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom |
		cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression. Five fields, an optional leading
// seconds field and descriptors such as @hourly are accepted
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCronExpression, err)
	}
	return s, nil
}

// NewCron creates a cron runner on sched. Firings run under ctx and hold
// their lock for at most ttl
func NewCron(
	ctx context.Context, sched *Scheduler, locker lock.Locker,
	ttl time.Duration,
) *Cron {
	return &Cron{
		ctx:    ctx,
		sched:  sched,
		locker: locker,
		ttl:    ttl,
		jobs:   map[string]*cronJob{},
	}
}

// OnSkip registers fn to observe contended firings
func (c *Cron) OnSkip(fn SkipFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSkip = fn
}

// Add registers or replaces the job called name
func (c *Cron) Add(name, expr string, fn CronFunc) error {
	if name == "" {
		return ErrCronJobName
	}
	s, err := ParseCron(expr)
	if err != nil {
		return err
	}
	job := &cronJob{name: name, expr: expr, schedule: s, fn: fn}

	c.mu.Lock()
	c.jobs[name] = job
	c.mu.Unlock()

	c.arm(job, c.sched.Now())
	return nil
}

// Remove cancels the job called name
func (c *Cron) Remove(name string) {
	c.mu.Lock()
	delete(c.jobs, name)
	c.mu.Unlock()
	c.sched.Cancel(c.ctx, cronPath(name))
}

// Jobs lists the registered jobs ordered by name
func (c *Cron) Jobs() []*CronJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]*CronJob, 0, len(c.jobs))
	for _, j := range c.jobs {
		res = append(res, &CronJob{Name: j.name, Schedule: j.expr, Next: j.next})
	}
	slices.SortFunc(res, func(l, r *CronJob) int {
		return strings.Compare(l.Name, r.Name)
	})
	return res
}

func (c *Cron) arm(job *cronJob, after time.Time) {
	next := job.schedule.Next(after)
	c.mu.Lock()
	if c.jobs[job.name] != job {
		c.mu.Unlock()
		return
	}
	job.next = next
	c.mu.Unlock()

	c.sched.Schedule(c.ctx, cronPath(job.name), next, func() error {
		c.fire(job, next)
		return nil
	})
}

func (c *Cron) fire(job *cronJob, at time.Time) {
	defer func() {
		after := at
		if now := c.sched.Now(); now.After(after) {
			after = now
		}
		c.arm(job, after)
	}()

	l, err := c.locker.Acquire(c.ctx, firingLockName(job.name, at), c.ttl)
	if err != nil {
		slog.Error("Cron lock failed", log.JobName(job.name), log.Error(err))
		return
	}
	if l == nil {
		slog.Debug("Cron firing claimed elsewhere", log.JobName(job.name))
		c.mu.Lock()
		onSkip := c.onSkip
		c.mu.Unlock()
		if onSkip != nil {
			onSkip(job.name, at)
		}
		return
	}
	defer c.finish(job, l, at)

	if err := job.fn(c.ctx, at); err != nil {
		slog.Error("Cron job failed", log.JobName(job.name), log.Error(err))
	}
}

// finish releases the firing's lock shortly before the next due time. The
// lock is named for the due time, so holding it never contends with a later
// firing, while an instance whose timer fired late still loses this one
func (c *Cron) finish(job *cronJob, l *api.Lock, at time.Time) {
	release := func() error {
		if err := c.locker.Release(c.ctx, l); err != nil {
			slog.Warn("Cron lock release failed",
				log.JobName(job.name), log.Error(err))
		}
		return nil
	}

	until := job.schedule.Next(at).Add(-releaseGuard)
	if l.ExpiresAt.Before(until) {
		until = l.ExpiresAt
	}
	if !until.After(c.sched.Now()) {
		_ = release()
		return
	}
	c.sched.Schedule(c.ctx, releasePath(l.JobName), until, release)
}

func firingLockName(job string, at time.Time) string {
	return fmt.Sprintf("%s@%d", job, at.UnixMilli())
}

func releasePath(lockName string) []string {
	return []string{"cron-release", lockName}
}

func cronPath(name string) []string {
	return []string{"cron", name}
}
