package worker

import (
	"context"
	"log/slog"

	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/pkg/api"
)

// Context is handed to every handler. It carries the invocation and
// reaches back to the host for state, emits, and logging
type Context struct {
	// Context is the standard Go context for cancellation and deadlines
	context.Context

	// Invocation describes the step, trigger, and input being handled
	Invocation *api.Invocation

	ch *rpc.Channel
}

// Get returns the value at (group, key), or nil when missing
func (c *Context) Get(group, key string) (any, error) {
	var res any
	err := c.state(api.MethodStateGet, &api.StateRequest{
		GroupID: group, Key: key,
	}, &res)
	return res, err
}

// Set stores value at (group, key)
func (c *Context) Set(group, key string, value any) error {
	return c.state(api.MethodStateSet, &api.StateRequest{
		GroupID: group, Key: key, Value: value,
	}, nil)
}

// Delete removes (group, key) and returns the value it held
func (c *Context) Delete(group, key string) (any, error) {
	var res any
	err := c.state(api.MethodStateDelete, &api.StateRequest{
		GroupID: group, Key: key,
	}, &res)
	return res, err
}

// Increment adds delta to the number at (group, key)
func (c *Context) Increment(group, key string, delta float64) (float64, error) {
	var res float64
	err := c.state(api.MethodStateIncrement, &api.StateRequest{
		GroupID: group, Key: key, Delta: delta,
	}, &res)
	return res, err
}

// Push appends items to the array at (group, key)
func (c *Context) Push(group, key string, items ...any) ([]any, error) {
	var res []any
	err := c.state(api.MethodStatePush, &api.StateRequest{
		GroupID: group, Key: key, Items: items,
	}, &res)
	return res, err
}

// CompareAndSwap stores next only if the current value equals expected
func (c *Context) CompareAndSwap(
	group, key string, expected, next any,
) (bool, error) {
	var res bool
	err := c.state(api.MethodStateCompareAndSwap, &api.StateRequest{
		GroupID: group, Key: key, Expected: expected, Value: next,
	}, &res)
	return res, err
}

// Transaction applies ops to group as one atomic unit
func (c *Context) Transaction(
	group string, ops ...*api.StateOp,
) (*api.TransactionResult, error) {
	var res api.TransactionResult
	err := c.state(api.MethodStateTransaction, &api.StateRequest{
		GroupID: group, Ops: ops,
	}, &res)
	return &res, err
}

// Emit publishes an event to topic. The step must declare the topic in its
// enqueues
func (c *Context) Emit(topic api.Topic, data any) error {
	return c.ch.Call(c, api.MethodEmit, &api.EmitRequest{
		Topic: topic, Data: data,
	}, nil)
}

// Log writes a record to the host's log, attributed to this invocation
func (c *Context) Log(level slog.Level, msg string, attrs map[string]any) {
	_ = c.ch.Notify(c, api.MethodLog, &api.LogRequest{
		Level:   level.String(),
		Message: msg,
		Attrs:   attrs,
	})
}

// Call invokes any host method directly
func (c *Context) Call(method string, args, result any) error {
	return c.ch.Call(c, method, args, result)
}

func (c *Context) state(method string, req *api.StateRequest, res any) error {
	return c.ch.Call(c, method, req, res)
}
