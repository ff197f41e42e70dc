package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kode4food/switchyard/internal/state"
	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// Services are the host capabilities a running handler can reach:
	// state, event emission, and logging. Each invocation gets its own
	// Services, bound to its step and trace. Context rebinds a request
	// context to the invocation that made the request
	Services interface {
		Context(ctx context.Context) context.Context
		State() *state.Store
		Emit(ctx context.Context, req *api.EmitRequest) error
		Log(ctx context.Context, req *api.LogRequest)
	}

	stateMethod func(
		ctx context.Context, st *state.Store, req *api.StateRequest,
	) (any, error)
)

var stateMethods = map[string]stateMethod{
	api.MethodStateGet: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		v, _, err := st.Get(ctx, r.GroupID, r.Key)
		return v, err
	},
	api.MethodStateSet: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Set(ctx, r.GroupID, r.Key, r.Value)
	},
	api.MethodStateDelete: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Delete(ctx, r.GroupID, r.Key)
	},
	api.MethodStateClear: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return nil, st.Clear(ctx, r.GroupID)
	},
	api.MethodStateGetGroup: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.GetGroup(ctx, r.GroupID)
	},
	api.MethodStateKeys: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Keys(ctx, r.GroupID)
	},
	api.MethodStateItems: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Items(ctx, r.GroupID, r.Filters...)
	},
	api.MethodStateIncrement: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Increment(ctx, r.GroupID, r.Key, r.Delta)
	},
	api.MethodStateDecrement: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Decrement(ctx, r.GroupID, r.Key, r.Delta)
	},
	api.MethodStatePush: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Push(ctx, r.GroupID, r.Key, r.Items...)
	},
	api.MethodStateUnshift: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Unshift(ctx, r.GroupID, r.Key, r.Items...)
	},
	api.MethodStatePop: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Pop(ctx, r.GroupID, r.Key)
	},
	api.MethodStateShift: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Shift(ctx, r.GroupID, r.Key)
	},
	api.MethodStateSetField: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.SetField(ctx, r.GroupID, r.Key, r.Field, r.Value)
	},
	api.MethodStateDeleteField: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.DeleteField(ctx, r.GroupID, r.Key, r.Field)
	},
	api.MethodStateCompareAndSwap: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.CompareAndSwap(ctx, r.GroupID, r.Key, r.Expected, r.Value)
	},
	api.MethodStateExists: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Exists(ctx, r.GroupID, r.Key)
	},
	api.MethodStateTransaction: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Transaction(ctx, r.GroupID, r.Ops)
	},
	api.MethodStateBatch: func(
		ctx context.Context, st *state.Store, r *api.StateRequest,
	) (any, error) {
		return st.Batch(ctx, r.GroupID, r.Ops)
	},
}

// BindServices registers the state.*, emit, and log methods on ch. Each
// request is served by the Services bound to the invocation it was made
// for (see WithScope), or by fallback when it carries none
func BindServices(ch *Channel, fallback Services) {
	for method, fn := range stateMethods {
		ch.Handle(method, func(
			ctx context.Context, args json.RawMessage,
		) (any, error) {
			svc, err := servicesFor(ctx, fallback)
			if err != nil {
				return nil, err
			}
			var req api.StateRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return fn(svc.Context(ctx), svc.State(), &req)
		})
	}

	ch.Handle(api.MethodEmit, func(
		ctx context.Context, args json.RawMessage,
	) (any, error) {
		svc, err := servicesFor(ctx, fallback)
		if err != nil {
			return nil, err
		}
		var req api.EmitRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, svc.Emit(svc.Context(ctx), &req)
	})

	ch.Handle(api.MethodLog, func(
		ctx context.Context, args json.RawMessage,
	) (any, error) {
		svc, err := servicesFor(ctx, fallback)
		if err != nil {
			return nil, err
		}
		var req api.LogRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		svc.Log(svc.Context(ctx), &req)
		return nil, nil
	})
}

func servicesFor(ctx context.Context, fallback Services) (Services, error) {
	if svc, ok := ScopeFrom(ctx).(Services); ok {
		return svc, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoServices
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	return nil
}
