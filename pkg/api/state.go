package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kode4food/switchyard/pkg/util"
)

type (
	// ValueType names the JSON shape of a stored value
	ValueType string

	// StateOpType names one atomic state primitive
	StateOpType string

	// FilterOp names a comparison in the items predicate language
	FilterOp string

	// StateItem is one stored entry keyed by (group, key)
	StateItem struct {
		Value     any       `json:"value"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		GroupID   string    `json:"group_id"`
		Key       string    `json:"key"`
		Type      ValueType `json:"type"`
	}

	// StateFilter tests the value at Field of a stored value. Field is a
	// dotted path; an empty field addresses the value itself
	StateFilter struct {
		Value string   `json:"value,omitempty"`
		Field string   `json:"field"`
		Op    FilterOp `json:"op"`
	}

	// StateOp is one primitive applied within a transaction or batch
	StateOp struct {
		Value    any         `json:"value,omitempty"`
		Expected any         `json:"expected,omitempty"`
		ID       string      `json:"id,omitempty"`
		Type     StateOpType `json:"type"`
		Key      string      `json:"key"`
		Field    string      `json:"field,omitempty"`
		Items    []any       `json:"items,omitempty"`
		Delta    float64     `json:"delta,omitempty"`
	}

	// TransactionResult reports the outcome of an all-or-nothing op list
	TransactionResult struct {
		Error   string `json:"error,omitempty"`
		Results []any  `json:"results"`
		Success bool   `json:"success"`
	}

	// BatchResult reports independent per-op outcomes
	BatchResult struct {
		Results []*BatchItemResult `json:"results"`
	}

	// BatchItemResult is the outcome of one op within a batch
	BatchItemResult struct {
		Value any    `json:"value"`
		ID    string `json:"id,omitempty"`
		Error string `json:"error,omitempty"`
	}

	// StateMutation describes one committed change, delivered to watchers
	StateMutation struct {
		Old     any         `json:"old"`
		New     any         `json:"new"`
		GroupID string      `json:"group_id"`
		Key     string      `json:"key"`
		Op      StateOpType `json:"op"`
		TraceID TraceID     `json:"trace_id"`
		Existed bool        `json:"existed"`
		Deleted bool        `json:"deleted"`
	}

	// StateRequest is the argument shape of the state.* RPC methods
	StateRequest struct {
		Value    any            `json:"value,omitempty"`
		Expected any            `json:"expected,omitempty"`
		GroupID  string         `json:"group_id"`
		Key      string         `json:"key,omitempty"`
		Field    string         `json:"field,omitempty"`
		Items    []any          `json:"items,omitempty"`
		Ops      []*StateOp     `json:"ops,omitempty"`
		Filters  []*StateFilter `json:"filters,omitempty"`
		Delta    float64        `json:"delta,omitempty"`
	}
)

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeObject  ValueType = "object"
	TypeArray   ValueType = "array"
	TypeNull    ValueType = "null"
)

const (
	OpGet            StateOpType = "get"
	OpSet            StateOpType = "set"
	OpDelete         StateOpType = "delete"
	OpIncrement      StateOpType = "increment"
	OpDecrement      StateOpType = "decrement"
	OpPush           StateOpType = "push"
	OpPop            StateOpType = "pop"
	OpShift          StateOpType = "shift"
	OpUnshift        StateOpType = "unshift"
	OpSetField       StateOpType = "setField"
	OpDeleteField    StateOpType = "deleteField"
	OpCompareAndSwap StateOpType = "compareAndSwap"
	OpExists         StateOpType = "exists"
	OpUpdate         StateOpType = "update"
	OpClear          StateOpType = "clear"
)

const (
	FilterEq          FilterOp = "eq"
	FilterNeq         FilterOp = "neq"
	FilterGt          FilterOp = "gt"
	FilterGte         FilterOp = "gte"
	FilterLt          FilterOp = "lt"
	FilterLte         FilterOp = "lte"
	FilterContains    FilterOp = "contains"
	FilterNotContains FilterOp = "notContains"
	FilterStartsWith  FilterOp = "startsWith"
	FilterEndsWith    FilterOp = "endsWith"
	FilterIsNull      FilterOp = "isNull"
	FilterIsNotNull   FilterOp = "isNotNull"
)

var (
	ErrInvalidStateOp  = errors.New("invalid state operation")
	ErrInvalidFilterOp = errors.New("invalid filter operation")
	ErrStateGroupEmpty = errors.New("state group id empty")
	ErrStateKeyEmpty   = errors.New("state key empty")
	ErrFieldRequired   = errors.New("field required")
)

var (
	validStateOps = util.SetOf(
		OpGet, OpSet, OpDelete, OpIncrement, OpDecrement, OpPush, OpPop,
		OpShift, OpUnshift, OpSetField, OpDeleteField, OpCompareAndSwap,
		OpExists,
	)

	validFilterOps = util.SetOf(
		FilterEq, FilterNeq, FilterGt, FilterGte, FilterLt, FilterLte,
		FilterContains, FilterNotContains, FilterStartsWith, FilterEndsWith,
		FilterIsNull, FilterIsNotNull,
	)
)

// Validate checks that the op names a known primitive and carries the
// arguments it needs
func (o *StateOp) Validate() error {
	if !validStateOps.Contains(o.Type) {
		return fmt.Errorf("%w: %w: %s", ErrValidation, ErrInvalidStateOp, o.Type)
	}
	if o.Key == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrStateKeyEmpty)
	}
	if (o.Type == OpSetField || o.Type == OpDeleteField) && o.Field == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrFieldRequired)
	}
	return nil
}

// Validate checks that the filter names a known comparison
func (f *StateFilter) Validate() error {
	if !validFilterOps.Contains(f.Op) {
		return fmt.Errorf("%w: %w: %s", ErrValidation, ErrInvalidFilterOp, f.Op)
	}
	return nil
}

// TypeOf reports the JSON shape of a normalized value
func TypeOf(v any) ValueType {
	switch v.(type) {
	case nil:
		return TypeNull
	case string:
		return TypeString
	case float64, float32, int, int64, int32, json.Number:
		return TypeNumber
	case bool:
		return TypeBoolean
	case []any:
		return TypeArray
	default:
		return TypeObject
	}
}

func stringify(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
