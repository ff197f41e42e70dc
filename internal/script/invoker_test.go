package script_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/internal/script"
	"github.com/kode4food/switchyard/internal/state"
	"github.com/kode4food/switchyard/pkg/api"
)

type hostServices struct {
	store   *state.Store
	emitted []*api.EmitRequest
	logs    []*api.LogRequest
	mu      sync.Mutex
}

var errDenied = errors.New("emit denied")

func TestLuaInvoker(t *testing.T) {
	inv := script.NewLuaInvoker(script.NewLuaEnv(), time.Second)
	svc := &hostServices{store: state.New(state.NewMemoryBackend())}

	step := luaStep("counter", `
		local name = input.data.name
		local n = state_increment("counts", name)
		state_set("last", "name", name)
		emit("counted", {name = name, n = n})
		log("info", "counted " .. name)
		return {
			count = n,
			step = step,
			trace = trace_id,
			kind = trigger.kind,
			last = state_get("last", "name"),
		}
	`)

	for want := 1; want <= 2; want++ {
		res, err := inv.Invoke(context.Background(), step,
			luaInvocation("counter", map[string]any{"name": "bob"}), svc,
		)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"count": want,
			"step":  "counter",
			"trace": "trace-1",
			"kind":  "queue",
			"last":  "bob",
		}, res)
	}

	v, ok, err := svc.store.Get(context.Background(), "counts", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2.0, v)

	require.Len(t, svc.emitted, 2)
	assert.Equal(t, api.Topic("counted"), svc.emitted[1].Topic)
	assert.Equal(t,
		map[string]any{"name": "bob", "n": 2}, svc.emitted[1].Data,
	)
	require.Len(t, svc.logs, 2)
	assert.Equal(t, "counted bob", svc.logs[0].Message)
}

func TestLuaInvokerErrors(t *testing.T) {
	inv := script.NewLuaInvoker(script.NewLuaEnv(), 0)
	svc := &hostServices{store: state.New(state.NewMemoryBackend())}
	ctx := context.Background()

	_, err := inv.Invoke(ctx, luaStep("bad", "return ("),
		luaInvocation("bad", nil), svc,
	)
	assert.ErrorIs(t, err, api.ErrValidation)

	_, err = inv.Invoke(ctx, luaStep("denied", `emit("nope", 1)`),
		luaInvocation("denied", nil), svc,
	)
	assert.ErrorIs(t, err, rpc.ErrHandler)
	assert.ErrorContains(t, err, errDenied.Error())

	_, err = inv.Invoke(ctx, luaStep("boom", `error("boom")`),
		luaInvocation("boom", nil), svc,
	)
	var he *rpc.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, rpc.CodeHandler, he.Code)
	assert.Contains(t, he.Message, "boom")

	_, err = inv.Invoke(ctx, &api.Step{
		Name: "none", Handler: &api.HandlerConfig{Kind: api.WorkerLua},
	}, luaInvocation("none", nil), svc)
	assert.ErrorIs(t, err, api.ErrScriptRequired)
}

func TestLuaInvokerTimeout(t *testing.T) {
	inv := script.NewLuaInvoker(script.NewLuaEnv(), 0)
	step := luaStep("slow", `
		local x = 0
		for i = 1, 1e7 do x = x + i end
		return x
	`)
	step.TimeoutMs = 1

	_, err := inv.Invoke(context.Background(), step,
		luaInvocation("slow", nil), &hostServices{},
	)
	assert.ErrorIs(t, err, rpc.ErrCallTimeout)
}

func luaStep(name api.StepName, src string) *api.Step {
	return &api.Step{
		Name: name,
		Handler: &api.HandlerConfig{
			Kind: api.WorkerLua,
			Script: &api.ScriptConfig{
				Language: api.ScriptLangLua, Script: src,
			},
		},
		Triggers: []*api.Trigger{{Kind: api.TriggerQueue, Topic: "in"}},
	}
}

func luaInvocation(name api.StepName, data any) *api.Invocation {
	return &api.Invocation{
		Step:    name,
		TraceID: "trace-1",
		Trigger: api.TriggerContext{Kind: api.TriggerQueue, Topic: "in"},
		Input: &api.TriggerInput{
			Kind: api.TriggerQueue, Topic: "in", Data: data,
			TraceID: "trace-1",
		},
	}
}

func (s *hostServices) Context(ctx context.Context) context.Context {
	return api.WithTraceID(ctx, "trace-1")
}

func (s *hostServices) State() *state.Store {
	return s.store
}

func (s *hostServices) Emit(_ context.Context, req *api.EmitRequest) error {
	if req.Topic == "nope" {
		return errDenied
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = append(s.emitted, req)
	return nil
}

func (s *hostServices) Log(_ context.Context, req *api.LogRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, req)
}
