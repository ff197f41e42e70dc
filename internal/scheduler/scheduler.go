package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// Scheduler runs keyed tasks at their due time. Scheduling a path that
	// is already pending replaces it, and a whole subtree of paths can be
	// cancelled at once. Due tasks run on their own goroutines so a slow
	// task never delays the ones behind it
	Scheduler struct {
		now       Clock
		makeTimer TimerConstructor
		reqs      chan request
		running   sync.WaitGroup
	}

	// TaskFunc is called when its due time arrives
	TaskFunc func() error

	requestOp uint8

	request struct {
		task *Task
		path []string
		op   requestOp
	}
)

const (
	opSchedule requestOp = iota
	opCancel
	opCancelPrefix
)

const requestBuffer = 100

// New creates a scheduler using the provided clock and timer constructor
func New(now Clock, makeTimer TimerConstructor) *Scheduler {
	return &Scheduler{
		now:       now,
		makeTimer: makeTimer,
		reqs:      make(chan request, requestBuffer),
	}
}

// NewSystem creates a scheduler on the wall clock
func NewSystem() *Scheduler {
	return New(time.Now, NewTimer)
}

// Now returns the scheduler's current time
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// Schedule registers fn to run at the given time under path
func (s *Scheduler) Schedule(
	ctx context.Context, path []string, at time.Time, fn TaskFunc,
) {
	s.send(ctx, request{
		op:   opSchedule,
		task: &Task{Func: fn, At: at, Path: path},
	})
}

// After registers fn to run once delay has elapsed
func (s *Scheduler) After(
	ctx context.Context, path []string, delay time.Duration, fn TaskFunc,
) {
	s.Schedule(ctx, path, s.now().Add(delay), fn)
}

// Cancel removes the task registered for the exact path
func (s *Scheduler) Cancel(ctx context.Context, path []string) {
	s.send(ctx, request{op: opCancel, path: path})
}

// CancelPrefix removes every task under the provided path prefix
func (s *Scheduler) CancelPrefix(ctx context.Context, prefix []string) {
	s.send(ctx, request{op: opCancelPrefix, path: prefix})
}

// Run processes requests and fires due tasks until ctx is cancelled, then
// waits for the tasks it started to return
func (s *Scheduler) Run(ctx context.Context) {
	defer s.running.Wait()

	timer := s.makeTimer(0)
	var timerCh <-chan time.Time
	tasks := NewTaskHeap()

	rearm := func() {
		next := tasks.Peek()
		if next == nil {
			timer.Stop()
			timerCh = nil
			return
		}
		timer.Reset(next.At.Sub(s.now()))
		timerCh = timer.Channel()
	}

	rearm()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case req := <-s.reqs:
			switch req.op {
			case opSchedule:
				tasks.Insert(req.task)
			case opCancel:
				tasks.Cancel(req.path)
			case opCancelPrefix:
				tasks.CancelPrefix(req.path)
			}
			rearm()
		case fired := <-timerCh:
			for _, t := range tasks.PopDue(fired) {
				s.start(t)
			}
			rearm()
		}
	}
}

func (s *Scheduler) start(t *Task) {
	s.running.Go(func() {
		if err := t.Func(); err != nil {
			slog.Error("Scheduled task failed",
				slog.String("task", strings.Join(t.Path, "/")),
				log.Error(err))
		}
	})
}

func (s *Scheduler) send(ctx context.Context, req request) {
	select {
	case s.reqs <- req:
	case <-ctx.Done():
	}
}
