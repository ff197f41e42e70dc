package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"

	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// Handler serves invocations of one step
	Handler func(ctx *Context, inv *api.Invocation) (any, error)

	// Handlers maps step names to their handlers
	Handlers map[api.StepName]Handler
)

var (
	ErrNoHandler = fmt.Errorf("%w: no handler for step", api.ErrValidation)
	ErrBadFD     = errors.New("invalid rpc descriptor")
)

// Run serves handlers on the transport the host set up for this process
// and returns once the host closes the channel
func Run(handlers Handlers) error {
	t, err := processTransport()
	if err != nil {
		return err
	}
	return Serve(context.Background(), t, handlers)
}

// Serve answers invoke requests on t until the peer closes the channel or
// ctx ends. It announces readiness as soon as it starts
func Serve(ctx context.Context, t rpc.Transport, handlers Handlers) error {
	ch := newChannel(t, handlers)
	if err := ch.Notify(ctx, api.MethodReady, nil); err != nil {
		_ = ch.Close()
		return err
	}
	return wait(ctx, ch)
}

// Connect dials a host's worker socket, registers the steps in handlers
// as workerID, and serves invocations until ctx ends or the host goes away
func Connect(
	ctx context.Context, url, workerID string, handlers Handlers,
) error {
	t, err := rpc.DialSocket(ctx, url)
	if err != nil {
		return err
	}
	return Attach(ctx, t, workerID, handlers)
}

// Attach registers the steps in handlers as workerID over an established
// transport and serves invocations until ctx ends or the host goes away
func Attach(
	ctx context.Context, t rpc.Transport, workerID string, handlers Handlers,
) error {
	ch := newChannel(t, handlers)
	err := ch.Call(ctx, api.MethodRegister, &api.RegisterRequest{
		WorkerID: workerID,
		Steps:    slices.Sorted(maps.Keys(handlers)),
	}, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	return wait(ctx, ch)
}

func newChannel(t rpc.Transport, handlers Handlers) *rpc.Channel {
	ch := rpc.NewChannel(t)
	ch.Handle(api.MethodInvoke, func(
		ctx context.Context, args json.RawMessage,
	) (any, error) {
		var inv api.Invocation
		if err := json.Unmarshal(args, &inv); err != nil {
			return nil, fmt.Errorf("%w: %w", api.ErrValidation, err)
		}
		h, ok := handlers[inv.Step]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, inv.Step)
		}
		return h(&Context{Context: ctx, Invocation: &inv, ch: ch}, &inv)
	})
	return ch
}

func wait(ctx context.Context, ch *rpc.Channel) error {
	select {
	case <-ch.Done():
	case <-ctx.Done():
		_ = ch.Close()
	}
	ch.Wait()
	if err := ch.Err(); err != rpc.ErrChannelClosed && ctx.Err() == nil {
		return err
	}
	return nil
}

func processTransport() (rpc.Transport, error) {
	fdStr := os.Getenv(rpc.EnvRPCFD)
	if fdStr == "" {
		return rpc.NewLineTransport(os.Stdin, os.Stdout, nil, nil), nil
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("%w: %q", ErrBadFD, fdStr)
	}
	in := os.NewFile(uintptr(fd), "rpc-in")
	out := os.NewFile(uintptr(fd+1), "rpc-out")
	if in == nil || out == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	return rpc.NewFrameTransport(in, out, closers{in, out}), nil
}

type closers []*os.File

func (c closers) Close() error {
	var errs []error
	for _, f := range c {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
