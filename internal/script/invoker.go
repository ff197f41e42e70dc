package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/pkg/api"
)

// LuaInvoker runs handler scripts of the lua worker kind in-process
type LuaInvoker struct {
	env     *LuaEnv
	timeout time.Duration
}

var handlerArgs = []string{"input", "trigger", "step", "trace_id"}

var _ rpc.Invoker = (*LuaInvoker)(nil)

// NewLuaInvoker creates an invoker running scripts in env. Steps without
// their own timeout are bounded by timeout when it is positive
func NewLuaInvoker(env *LuaEnv, timeout time.Duration) *LuaInvoker {
	return &LuaInvoker{env: env, timeout: timeout}
}

// Invoke implements rpc.Invoker. The script receives input, trigger, step,
// and trace_id locals, and can reach host services through the
// state_get, state_set, state_increment, emit, and log functions
func (i *LuaInvoker) Invoke(
	ctx context.Context, step *api.Step, inv *api.Invocation, svc rpc.Services,
) (any, error) {
	h := step.Handler
	if h == nil || h.Script == nil {
		return nil, fmt.Errorf("%w: %w", api.ErrValidation, api.ErrScriptRequired)
	}
	c, err := i.env.Compile(h.Script.Script, handlerArgs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	input, err := toGeneric(inv.Input)
	if err != nil {
		return nil, err
	}
	trigger, err := toGeneric(inv.Trigger)
	if err != nil {
		return nil, err
	}
	args := []any{input, trigger, string(inv.Step), string(inv.TraceID)}

	ctx, cancel := withTimeout(ctx, step, i.timeout)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		hctx := svc.Context(ctx)
		res, err := i.env.Execute(hctx, c, args, hostFunctions(hctx, svc))
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		if o.err != nil {
			return nil, &rpc.HandlerError{
				Message: o.err.Error(),
				Code:    rpc.CodeHandler,
			}
		}
		return o.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", rpc.ErrCallTimeout, step.Name)
		}
		return nil, ctx.Err()
	}
}

func hostFunctions(
	ctx context.Context, svc rpc.Services,
) map[string]lua.Function {
	return map[string]lua.Function{
		"state_get": func(L *lua.State) int {
			group, key := lua.CheckString(L, 1), lua.CheckString(L, 2)
			v, _, err := svc.State().Get(ctx, group, key)
			if err != nil {
				lua.Errorf(L, "%s", err.Error())
			}
			goToLua(L, v)
			return 1
		},
		"state_set": func(L *lua.State) int {
			group, key := lua.CheckString(L, 1), lua.CheckString(L, 2)
			v, err := svc.State().Set(ctx, group, key, luaToGo(L, 3))
			if err != nil {
				lua.Errorf(L, "%s", err.Error())
			}
			goToLua(L, v)
			return 1
		},
		"state_increment": func(L *lua.State) int {
			group, key := lua.CheckString(L, 1), lua.CheckString(L, 2)
			delta := lua.OptNumber(L, 3, 1)
			v, err := svc.State().Increment(ctx, group, key, delta)
			if err != nil {
				lua.Errorf(L, "%s", err.Error())
			}
			L.PushNumber(v)
			return 1
		},
		"emit": func(L *lua.State) int {
			topic := lua.CheckString(L, 1)
			err := svc.Emit(ctx, &api.EmitRequest{
				Topic: api.Topic(topic),
				Data:  luaToGo(L, 2),
			})
			if err != nil {
				lua.Errorf(L, "%s", err.Error())
			}
			return 0
		},
		"log": func(L *lua.State) int {
			level := lua.CheckString(L, 1)
			msg := lua.OptString(L, 2, "")
			svc.Log(ctx, &api.LogRequest{Level: level, Message: msg})
			return 0
		},
	}
}

func withTimeout(
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
