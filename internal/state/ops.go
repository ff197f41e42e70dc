package state

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/kode4food/switchyard/pkg/api"
)

type change struct {
	old     any
	new     any
	key     string
	op      api.StateOpType
	existed bool
	deleted bool
}

var (
	ErrNotNumeric = errors.New("value is not a number")
	ErrNotArray   = errors.New("value is not an array")
	ErrNotObject  = errors.New("value is not an object")
)

// execOp applies one primitive to tx. It returns the op's result and, when
// the op wrote to its key, a description of the change
func execOp(tx *Tx, op *api.StateOp) (any, *change, error) {
	rec, exists := tx.Get(op.Key)
	var cur any
	if exists {
		cur = rec.Value
	}
	mod := func(next any) *change {
		tx.Put(op.Key, next)
		return &change{
			key: op.Key, op: op.Type, old: cur, new: next, existed: exists,
		}
	}

	switch op.Type {
	case api.OpGet:
		return cur, nil, nil

	case api.OpExists:
		return exists, nil, nil

	case api.OpSet:
		return op.Value, mod(op.Value), nil

	case api.OpDelete:
		if !exists {
			return nil, nil, nil
		}
		tx.Delete(op.Key)
		return cur, &change{
			key: op.Key, op: op.Type, old: cur, existed: true, deleted: true,
		}, nil

	case api.OpIncrement, api.OpDecrement:
		n, err := asNumber(op.Key, cur)
		if err != nil {
			return nil, nil, err
		}
		delta := op.Delta
		if delta == 0 {
			delta = 1
		}
		if op.Type == api.OpDecrement {
			n = max(0, n-delta)
		} else {
			n += delta
		}
		return n, mod(n), nil

	case api.OpPush, api.OpUnshift:
		arr, err := asArray(op.Key, cur)
		if err != nil {
			return nil, nil, err
		}
		var next []any
		if op.Type == api.OpPush {
			next = slices.Concat(arr, op.Items)
		} else {
			next = slices.Concat(op.Items, arr)
		}
		return next, mod(next), nil

	case api.OpPop, api.OpShift:
		arr, err := asArray(op.Key, cur)
		if err != nil {
			return nil, nil, err
		}
		if len(arr) == 0 {
			return nil, nil, nil
		}
		if op.Type == api.OpPop {
			last := arr[len(arr)-1]
			return last, mod(slices.Clone(arr[:len(arr)-1])), nil
		}
		return arr[0], mod(slices.Clone(arr[1:])), nil

	case api.OpSetField:
		obj, err := asObject(op.Key, cur)
		if err != nil {
			return nil, nil, err
		}
		next := maps.Clone(obj)
		next[op.Field] = op.Value
		return next, mod(next), nil

	case api.OpDeleteField:
		obj, err := asObject(op.Key, cur)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := obj[op.Field]; !ok {
			return obj, nil, nil
		}
		next := maps.Clone(obj)
		delete(next, op.Field)
		return next, mod(next), nil

	case api.OpCompareAndSwap:
		if !Equal(cur, op.Expected) {
			return false, nil, nil
		}
		return true, mod(op.Value), nil
	}
	return nil, nil, fmt.Errorf("%w: %s", api.ErrInvalidStateOp, op.Type)
}

func asNumber(key string, v any) (float64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: %s holds %s", ErrNotNumeric, key, api.TypeOf(v))
	}
}

func asArray(key string, v any) ([]any, error) {
	switch v := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s holds %s", ErrNotArray, key, api.TypeOf(v))
	}
}

func asObject(key string, v any) (map[string]any, error) {
	switch v := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s holds %s", ErrNotObject, key, api.TypeOf(v))
	}
}
