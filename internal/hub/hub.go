package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/topic"

	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// Hub fans trace events out to every live consumer. Publishing never
	// waits on consumers
	Hub struct {
		topic  topic.Topic[*api.TraceEvent]
		prod   topic.Producer[*api.TraceEvent]
		now    func() time.Time
		mu     sync.RWMutex
		closed bool
	}

	// Consumer receives trace events published after it was created
	Consumer = topic.Consumer[*api.TraceEvent]

	// Record describes one trace event before it is stamped and encoded
	Record struct {
		Data    any
		Err     error
		Type    api.TraceEventType
		TraceID api.TraceID
		Step    api.StepName
		Topic   api.Topic
	}
)

// New creates an open Hub
func New() *Hub {
	t := caravan.NewTopic[*api.TraceEvent]()
	return &Hub{
		topic: t,
		prod:  t.NewProducer(),
		now:   time.Now,
	}
}

// Publish stamps ev when it has no timestamp and sends it to consumers.
// Events published after Close are dropped
func (h *Hub) Publish(ev *api.TraceEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = h.now().UnixMilli()
	}
	h.prod.Send() <- ev
}

// Record encodes r and publishes it
func (h *Hub) Record(r *Record) {
	ev := &api.TraceEvent{
		Type:    r.Type,
		TraceID: r.TraceID,
		Step:    r.Step,
		Topic:   r.Topic,
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	if r.Data != nil {
		data, err := json.Marshal(r.Data)
		if err != nil {
			slog.Warn("Trace data not encodable",
				slog.String("type", string(r.Type)),
				log.TraceID(r.TraceID),
				log.Error(err))
		} else {
			ev.Data = data
		}
	}
	h.Publish(ev)
}

// NewConsumer creates a consumer. Callers must Close it
func (h *Hub) NewConsumer() Consumer {
	return h.topic.NewConsumer()
}

// Close stops accepting events
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.prod.Close()
}
