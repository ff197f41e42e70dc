package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/internal/state"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

// hostServices are the services of one invocation. Everything the handler
// emits or logs is attributed to the invocation's step and trace
type hostServices struct {
	d     *Dispatcher
	step  *api.Step
	trace api.TraceID
	flows []string
	depth int
}

var _ rpc.Services = (*hostServices)(nil)

// Context binds the invocation's trace and state trigger depth to ctx, so
// work a worker requests over a channel continues the invocation's chain
func (s *hostServices) Context(ctx context.Context) context.Context {
	ctx = api.WithTraceID(ctx, s.trace)
	return context.WithValue(ctx, depthKey{}, s.depth)
}

func (s *hostServices) State() *state.Store {
	return s.d.state
}

// Emit publishes an event for the running step. Only topics the step
// declared in its enqueues are accepted
func (s *hostServices) Emit(ctx context.Context, req *api.EmitRequest) error {
	if req == nil || req.Topic == "" {
		return fmt.Errorf("%w: %w", api.ErrValidation, api.ErrEventTopicEmpty)
	}
	if !s.step.CanEmit(req.Topic) {
		return fmt.Errorf("%w: %w: %s emitted %s",
			api.ErrValidation, ErrInvalidEmit, s.step.Name, req.Topic)
	}
	ev := &api.Event{
		Topic:          req.Topic,
		Data:           req.Data,
		TraceID:        s.trace,
		Flows:          s.flows,
		MessageGroupID: req.MessageGroupID,
	}
	res, err := s.d.Publish(api.WithTraceID(ctx, s.trace), ev)
	if err != nil {
		return err
	}
	emitted.WithLabelValues(string(req.Topic)).Inc()
	s.d.record(&hub.Record{
		Type:    api.TraceEmitted,
		TraceID: s.trace,
		Step:    s.step.Name,
		Topic:   req.Topic,
		Data:    map[string]any{"event_id": res.ID, "data": req.Data},
	})
	return nil
}

func (s *hostServices) Log(ctx context.Context, req *api.LogRequest) {
	attrs := []any{log.StepName(s.step.Name), log.TraceID(s.trace)}
	for _, k := range slices.Sorted(maps.Keys(req.Attrs)) {
		attrs = append(attrs, slog.Any(k, req.Attrs[k]))
	}
	slog.Log(ctx, log.ParseLevel(req.Level), req.Message, attrs...)
}
