package dispatch

import (
	"context"
	"log/slog"

	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type depthKey struct{}

// onMutation re-enters the dispatcher for every committed state mutation,
// on the mutating goroutine and under the mutation's trace. Chains of
// state-triggered steps stop at the configured depth
func (d *Dispatcher) onMutation(ctx context.Context, m *api.StateMutation) {
	d.record(&hub.Record{
		Type:    api.TraceStateChanged,
		TraceID: m.TraceID,
		Data:    m,
	})
	if len(d.registry.Bindings(api.TriggerState)) == 0 {
		return
	}

	depth := stateDepth(ctx)
	if depth >= d.cfg.MaxStateDepth {
		slog.Warn("State trigger depth exceeded",
			log.GroupID(m.GroupID),
			log.Key(m.Key),
			log.TraceID(m.TraceID),
			slog.Int("depth", depth))
		return
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	in := &api.TriggerInput{
		Kind:    api.TriggerState,
		New:     m.New,
		Group:   m.GroupID,
		Key:     m.Key,
		Op:      m.Op,
		TraceID: m.TraceID,
	}
	if m.Existed {
		in.Old = m.Old
	}
	// failures are logged per invocation and never retried
	_, _ = d.Fire(ctx, api.TriggerState, in)
}

func stateDepth(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}
