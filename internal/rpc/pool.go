package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// SocketInvoker routes invocations to long-lived remote workers that
	// connected over a socket and registered the steps they serve. Workers
	// serving the same step take turns
	SocketInvoker struct {
		workers   map[api.StepName][]*remoteWorker
		next      map[api.StepName]int
		timeout   time.Duration
		threshold int
		mu        sync.Mutex
	}

	remoteWorker struct {
		ch    *Channel
		id    string
		steps []api.StepName
	}
)

var (
	_ Invoker = (*SocketInvoker)(nil)

	ErrNoSteps = fmt.Errorf("%w: worker registered no steps", api.ErrValidation)
)

// NewSocketInvoker creates an empty pool. Steps without their own timeout
// are bounded by timeout when it is positive
func NewSocketInvoker(timeout time.Duration, threshold int) *SocketInvoker {
	if threshold == 0 {
		threshold = DefaultPayloadThreshold
	}
	return &SocketInvoker{
		workers:   map[api.StepName][]*remoteWorker{},
		next:      map[api.StepName]int{},
		timeout:   timeout,
		threshold: threshold,
	}
}

// Accept serves a newly connected worker on t. The worker joins the pool
// once it calls register, and leaves it when the channel closes
func (s *SocketInvoker) Accept(t Transport) *Channel {
	ch := NewChannel(t, WithPayloadThreshold(s.threshold))
	w := &remoteWorker{ch: ch}
	BindServices(ch, nil)
	ch.Handle(api.MethodRegister, func(
		_ context.Context, args json.RawMessage,
	) (any, error) {
		var req api.RegisterRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		if len(req.Steps) == 0 {
			return nil, ErrNoSteps
		}
		s.register(w, &req)
		return nil, nil
	})
	ch.OnClose(func() {
		s.remove(w)
	})
	return ch
}

// Steps reports how many connected workers serve each step
func (s *SocketInvoker) Steps() map[api.StepName]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[api.StepName]int, len(s.workers))
	for name, ws := range s.workers {
		res[name] = len(ws)
	}
	return res
}

// Invoke implements Invoker
func (s *SocketInvoker) Invoke(
	ctx context.Context, step *api.Step, inv *api.Invocation, svc Services,
) (any, error) {
	w, ok := s.pick(step.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWorker, step.Name)
	}
	ctx, cancel := withStepTimeout(ctx, step, s.timeout)
	defer cancel()

	var res any
	if err := w.ch.Call(WithScope(ctx, svc), api.MethodInvoke, inv, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SocketInvoker) register(w *remoteWorker, req *api.RegisterRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(w)
	w.id = req.WorkerID
	w.steps = slices.Clone(req.Steps)
	for _, name := range w.steps {
		s.workers[name] = append(s.workers[name], w)
	}
	slog.Info("Worker registered",
		slog.String("worker_id", w.id),
		slog.Any("steps", w.steps))
}

func (s *SocketInvoker) remove(w *remoteWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(w.steps) > 0 {
		slog.Info("Worker disconnected",
			slog.String("worker_id", w.id),
			log.Error(w.ch.Err()))
	}
	s.removeLocked(w)
}

func (s *SocketInvoker) removeLocked(w *remoteWorker) {
	for _, name := range w.steps {
		ws := slices.DeleteFunc(s.workers[name], func(o *remoteWorker) bool {
			return o == w
		})
		if len(ws) == 0 {
			delete(s.workers, name)
			delete(s.next, name)
			continue
		}
		s.workers[name] = ws
	}
	w.steps = nil
}

func (s *SocketInvoker) pick(name api.StepName) (*remoteWorker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.workers[name]
	if len(ws) == 0 {
		return nil, false
	}
	i := s.next[name] % len(ws)
	s.next[name] = i + 1
	return ws[i], true
}
