package wait

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/util"
)

type (
	Wait struct {
		t        *testing.T
		consumer hub.Consumer
		timeout  time.Duration
	}

	Predicate[T any] func(T) bool

	EventFilter Predicate[*api.TraceEvent]
)

const DefaultTimeout = time.Second * 5

func On(t *testing.T, consumer hub.Consumer) *Wait {
	return &Wait{
		t:        t,
		consumer: consumer,
		timeout:  DefaultTimeout,
	}
}

func (w *Wait) WithTimeout(timeout time.Duration) *Wait {
	res := *w
	res.timeout = timeout
	return &res
}

// ForEvents waits for count matching events from the consumer and returns
// them in arrival order
func (w *Wait) ForEvents(count int, filter EventFilter) []*api.TraceEvent {
	w.t.Helper()

	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()

	res := make([]*api.TraceEvent, 0, count)
	for len(res) < count {
		select {
		case ev, ok := <-w.consumer.Receive():
			if !ok {
				w.t.Fatalf(
					"event consumer closed before receiving %d events", count,
				)
			}
			if !filter(ev) {
				continue
			}
			res = append(res, ev)
		case <-deadline.C:
			w.t.Fatalf("timeout waiting for %d events", count)
		}
	}
	return res
}

// ForEvent waits for a single matching event
func (w *Wait) ForEvent(filter EventFilter) *api.TraceEvent {
	w.t.Helper()
	return w.ForEvents(1, filter)[0]
}

// And composes event filters and returns true when all match
func And(filters ...EventFilter) EventFilter {
	return func(ev *api.TraceEvent) bool {
		for _, filter := range filters {
			if !filter(ev) {
				return false
			}
		}
		return true
	}
}

// Type creates a filter for a single event type
func Type(eventType api.TraceEventType) EventFilter {
	return Types(eventType)
}

// Types creates a filter for the given event types
func Types(eventTypes ...api.TraceEventType) EventFilter {
	if len(eventTypes) == 0 {
		return func(*api.TraceEvent) bool { return false }
	}
	lookup := util.SetOf(eventTypes...)
	return func(ev *api.TraceEvent) bool {
		return ev != nil && lookup.Contains(ev.Type)
	}
}

// Step matches events attributed to any of the named steps
func Step(names ...api.StepName) EventFilter {
	lookup := util.SetOf(names...)
	return func(ev *api.TraceEvent) bool {
		return ev != nil && lookup.Contains(ev.Step)
	}
}

// Trace matches events of one trace
func Trace(id api.TraceID) EventFilter {
	return func(ev *api.TraceEvent) bool {
		return ev != nil && ev.TraceID == id
	}
}

// Topic matches events about one topic
func Topic(topic api.Topic) EventFilter {
	return func(ev *api.TraceEvent) bool {
		return ev != nil && ev.Topic == topic
	}
}

// Succeeded matches successful invocations of the named steps
func Succeeded(names ...api.StepName) EventFilter {
	return And(Type(api.TraceInvokeSucceeded), Step(names...))
}

// Failed matches failed invocations of the named steps
func Failed(names ...api.StepName) EventFilter {
	return And(Type(api.TraceInvokeFailed), Step(names...))
}

// Finished matches invocations of the named steps that either succeeded
// or failed
func Finished(names ...api.StepName) EventFilter {
	return And(
		Types(api.TraceInvokeSucceeded, api.TraceInvokeFailed),
		Step(names...),
	)
}

// DeadLettered matches dead letters on a topic
func DeadLettered(topic api.Topic) EventFilter {
	return And(Type(api.TraceDeadLettered), Topic(topic))
}

// Unmarshal creates a filter that unmarshals event data and applies pred
func Unmarshal[T any](pred Predicate[T]) EventFilter {
	return func(ev *api.TraceEvent) bool {
		if ev == nil {
			return false
		}
		var data T
		if json.Unmarshal(ev.Data, &data) != nil {
			return false
		}
		return pred(data)
	}
}
