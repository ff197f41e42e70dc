package helpers

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// MockInvoker is an rpc.Invoker that records invocations and answers
	// with configured results, errors, or functions
	MockInvoker struct {
		responses map[api.StepName]any
		errors    map[api.StepName]error
		funcs     map[api.StepName]rpc.NativeFunc
		invoked   []*api.Invocation
		invokedCh map[api.StepName]chan struct{}
		mu        sync.Mutex
	}
)

var _ rpc.Invoker = (*MockInvoker)(nil)

// NewMockInvoker creates a mock invoker that answers every step with nil
// until told otherwise
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		responses: map[api.StepName]any{},
		errors:    map[api.StepName]error{},
		funcs:     map[api.StepName]rpc.NativeFunc{},
		invokedCh: map[api.StepName]chan struct{}{},
	}
}

// Invoke records the invocation and returns the configured outcome
func (m *MockInvoker) Invoke(
	ctx context.Context, step *api.Step, inv *api.Invocation,
	svc rpc.Services,
) (any, error) {
	m.mu.Lock()
	m.invoked = append(m.invoked, inv)
	if ch, ok := m.invokedCh[step.Name]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	fn, hasFn := m.funcs[step.Name]
	err := m.errors[step.Name]
	res := m.responses[step.Name]
	m.mu.Unlock()

	if hasFn {
		return fn(ctx, inv, svc)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetResponse configures the result returned for a step
func (m *MockInvoker) SetResponse(name api.StepName, res any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[name] = res
}

// SetError configures the error returned for a step
func (m *MockInvoker) SetError(name api.StepName, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[name] = err
}

// SetFunc makes fn the handler of a step, overriding any response or error
func (m *MockInvoker) SetFunc(name api.StepName, fn rpc.NativeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[name] = fn
}

// Invocations returns the recorded invocations of one step
func (m *MockInvoker) Invocations(name api.StepName) []*api.Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*api.Invocation
	for _, inv := range m.invoked {
		if inv.Step == name {
			res = append(res, inv)
		}
	}
	return res
}

// WasInvoked returns whether a step was invoked
func (m *MockInvoker) WasInvoked(name api.StepName) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wasInvokedLocked(name)
}

// WaitForInvocation blocks until a step is invoked or the timeout expires
func (m *MockInvoker) WaitForInvocation(
	name api.StepName, timeout time.Duration,
) bool {
	m.mu.Lock()
	if m.wasInvokedLocked(name) {
		m.mu.Unlock()
		return true
	}
	ch, ok := m.invokedCh[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.invokedCh[name] = ch
	}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return m.WasInvoked(name)
	}
}

func (m *MockInvoker) wasInvokedLocked(name api.StepName) bool {
	return slices.ContainsFunc(m.invoked, func(inv *api.Invocation) bool {
		return inv.Step == name
	})
}
