package dispatch

import (
	"context"

	"github.com/kode4food/switchyard/internal/deadletter"
	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/internal/queue"
	"github.com/kode4food/switchyard/pkg/api"
)

type traceSink struct {
	store deadletter.Store
	hub   *hub.Hub
}

// NewDeadLetterSink returns the queue's dead-letter sink. Every letter is
// published to h as a trace event before it is stored
func NewDeadLetterSink(store deadletter.Store, h *hub.Hub) queue.DeadLetterSink {
	return &traceSink{store: store, hub: h}
}

func (s *traceSink) Put(ctx context.Context, dl *api.DeadLetter) error {
	if s.hub != nil {
		s.hub.Record(&hub.Record{
			Type:    api.TraceDeadLettered,
			TraceID: dl.Event.TraceID,
			Topic:   dl.Topic,
			Data: map[string]any{
				"id":         dl.ID,
				"subscriber": dl.Subscriber,
				"attempts":   dl.Attempts,
				"reason":     dl.Error,
			},
		})
	}
	return s.store.Put(ctx, dl)
}
