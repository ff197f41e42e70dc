package rpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// Invoker runs a step's handler for one invocation and returns its
	// result. Handler failures come back as *HandlerError; a lost worker as
	// an error matching ErrChannelClosed
	Invoker interface {
		Invoke(
			ctx context.Context, step *api.Step, inv *api.Invocation,
			svc Services,
		) (any, error)
	}

	// Invokers selects an Invoker by the step handler's worker kind
	Invokers map[api.WorkerKind]Invoker

	// NativeFunc is a step handler compiled into the host
	NativeFunc func(
		ctx context.Context, inv *api.Invocation, svc Services,
	) (any, error)

	// NativeInvoker runs Go functions registered by step name
	NativeInvoker struct {
		funcs   map[api.StepName]NativeFunc
		timeout time.Duration
		mu      sync.RWMutex
	}
)

var _ Invoker = Invokers(nil)

// Invoke implements Invoker
func (i Invokers) Invoke(
	ctx context.Context, step *api.Step, inv *api.Invocation, svc Services,
) (any, error) {
	if step.Handler == nil {
		return nil, fmt.Errorf("%w: %w", api.ErrValidation, api.ErrHandlerRequired)
	}
	inner, ok := i[step.Handler.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoInvoker, step.Handler.Kind)
	}
	return inner.Invoke(ctx, step, inv, svc)
}

// NewNativeInvoker creates an empty NativeInvoker. Steps without their own
// timeout are bounded by timeout when it is positive
func NewNativeInvoker(timeout time.Duration) *NativeInvoker {
	return &NativeInvoker{
		funcs:   map[api.StepName]NativeFunc{},
		timeout: timeout,
	}
}

// Register binds fn as the handler of the named step
func (n *NativeInvoker) Register(name api.StepName, fn NativeFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.funcs[name] = fn
}

// Invoke implements Invoker
func (n *NativeInvoker) Invoke(
	ctx context.Context, step *api.Step, inv *api.Invocation, svc Services,
) (any, error) {
	n.mu.RLock()
	fn, ok := n.funcs[step.Name]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWorker, step.Name)
	}

	ctx, cancel := withStepTimeout(ctx, step, n.timeout)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := safeNative(ctx, fn, inv, svc)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrCallTimeout, step.Name)
		}
		return nil, ctx.Err()
	}
}

func safeNative(
	ctx context.Context, fn NativeFunc, inv *api.Invocation, svc Services,
) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Message: fmt.Sprint(r),
				Code:    CodePanic,
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return fn(ctx, inv, svc)
}

func withStepTimeout(
	ctx context.Context, step *api.Step, def time.Duration,
) (context.Context, context.CancelFunc) {
	timeout := def
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
