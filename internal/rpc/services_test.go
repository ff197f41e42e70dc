package rpc_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/internal/state"
	"github.com/kode4food/switchyard/pkg/api"
)

type fakeServices struct {
	store   *state.Store
	emitted []*api.EmitRequest
	logs    []*api.LogRequest
	trace   api.TraceID
	mu      sync.Mutex
}

func TestBindServicesRoutesByInvocation(t *testing.T) {
	host, peer := channelPair(t)
	store := state.New(state.NewMemoryBackend())

	var traces []api.TraceID
	var tmu sync.Mutex
	store.Watch(func(_ context.Context, m *api.StateMutation) {
		tmu.Lock()
		defer tmu.Unlock()
		traces = append(traces, m.TraceID)
	})
	rpc.BindServices(host, nil)

	peer.Handle(api.MethodInvoke, func(
		ctx context.Context, _ json.RawMessage,
	) (any, error) {
		var n float64
		err := peer.Call(ctx, api.MethodStateIncrement, &api.StateRequest{
			GroupID: "g", Key: "count", Delta: 2,
		}, &n)
		if err != nil {
			return nil, err
		}
		err = peer.Call(ctx, api.MethodEmit, &api.EmitRequest{
			Topic: "done", Data: n,
		}, nil)
		if err != nil {
			return nil, err
		}
		err = peer.Notify(ctx, api.MethodLog, &api.LogRequest{
			Level: "info", Message: "counted",
		})
		return n, err
	})

	a := newServices(store, "trace-a")
	b := newServices(store, "trace-b")
	var res float64
	ctx := context.Background()
	require.NoError(t, host.Call(rpc.WithScope(ctx, a), api.MethodInvoke, nil, &res))
	assert.Equal(t, 2.0, res)
	require.NoError(t, host.Call(rpc.WithScope(ctx, b), api.MethodInvoke, nil, &res))
	assert.Equal(t, 4.0, res)

	assert.Len(t, a.emitted, 1)
	assert.Equal(t, api.Topic("done"), b.emitted[0].Topic)
	assert.Equal(t, 4.0, b.emitted[0].Data)

	tmu.Lock()
	assert.Equal(t, []api.TraceID{"trace-a", "trace-b"}, traces)
	tmu.Unlock()

	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.logs) == 1
	}, waitFor, 5*waitTick)

	err := host.Call(ctx, api.MethodInvoke, nil, &res)
	assert.ErrorContains(t, err, rpc.ErrNoServices.Error())
}

func TestStateMethods(t *testing.T) {
	host, peer := channelPair(t)
	store := state.New(state.NewMemoryBackend())
	rpc.BindServices(host, newServices(store, "t"))

	ctx := context.Background()
	call := func(method string, req *api.StateRequest, res any) {
		t.Helper()
		require.NoError(t, peer.Call(ctx, method, req, res))
	}

	call(api.MethodStateSet, &api.StateRequest{
		GroupID: "g", Key: "obj", Value: map[string]any{"a": 1},
	}, nil)
	var obj map[string]any
	call(api.MethodStateSetField, &api.StateRequest{
		GroupID: "g", Key: "obj", Field: "b", Value: "x",
	}, &obj)
	assert.Equal(t, map[string]any{"a": 1.0, "b": "x"}, obj)

	var arr []any
	call(api.MethodStatePush, &api.StateRequest{
		GroupID: "g", Key: "list", Items: []any{1, 2, 3},
	}, &arr)
	assert.Len(t, arr, 3)
	var popped any
	call(api.MethodStateShift, &api.StateRequest{
		GroupID: "g", Key: "list",
	}, &popped)
	assert.Equal(t, 1.0, popped)

	var swapped bool
	call(api.MethodStateCompareAndSwap, &api.StateRequest{
		GroupID: "g", Key: "flag", Value: true,
	}, &swapped)
	assert.True(t, swapped)

	var keys []string
	call(api.MethodStateKeys, &api.StateRequest{GroupID: "g"}, &keys)
	assert.Equal(t, []string{"flag", "list", "obj"}, keys)

	var items []*api.StateItem
	call(api.MethodStateItems, &api.StateRequest{
		GroupID: "g",
		Filters: []*api.StateFilter{
			{Field: "b", Op: api.FilterEq, Value: "x"},
		},
	}, &items)
	require.Len(t, items, 1)
	assert.Equal(t, "obj", items[0].Key)

	var tx api.TransactionResult
	call(api.MethodStateTransaction, &api.StateRequest{
		GroupID: "g",
		Ops: []*api.StateOp{
			{Type: api.OpIncrement, Key: "n"},
			{Type: api.OpIncrement, Key: "obj"},
		},
	}, &tx)
	assert.False(t, tx.Success)

	var exists bool
	call(api.MethodStateExists, &api.StateRequest{GroupID: "g", Key: "n"}, &exists)
	assert.False(t, exists)

	err := peer.Call(ctx, api.MethodStateIncrement, &api.StateRequest{
		GroupID: "g", Key: "obj",
	}, nil)
	assert.ErrorIs(t, err, rpc.ErrHandler)

	err = peer.Call(ctx, api.MethodStateGet, &api.StateRequest{}, nil)
	assert.ErrorIs(t, err, api.ErrValidation)

	call(api.MethodStateClear, &api.StateRequest{GroupID: "g"}, nil)
	call(api.MethodStateKeys, &api.StateRequest{GroupID: "g"}, &keys)
	assert.Empty(t, keys)
}

func newServices(store *state.Store, trace api.TraceID) *fakeServices {
	return &fakeServices{store: store, trace: trace}
}

func (s *fakeServices) Context(ctx context.Context) context.Context {
	return api.WithTraceID(ctx, s.trace)
}

func (s *fakeServices) State() *state.Store {
	return s.store
}

func (s *fakeServices) Emit(_ context.Context, req *api.EmitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = append(s.emitted, req)
	return nil
}

func (s *fakeServices) Log(_ context.Context, req *api.LogRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, req)
}
