package wait_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/switchyard/internal/assert/wait"
	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/pkg/api"
)

func TestTypesFilter(t *testing.T) {
	filter := wait.Types(api.TraceInvokeStarted, api.TraceInvokeFailed)
	assert.False(t, filter(nil))
	assert.True(t, filter(&api.TraceEvent{Type: api.TraceInvokeStarted}))
	assert.False(t, filter(&api.TraceEvent{Type: api.TraceEmitted}))
	assert.False(t, wait.Types()(&api.TraceEvent{Type: api.TraceEmitted}))
}

func TestStepFilters(t *testing.T) {
	ok := &api.TraceEvent{Type: api.TraceInvokeSucceeded, Step: "a"}
	bad := &api.TraceEvent{Type: api.TraceInvokeFailed, Step: "a"}
	other := &api.TraceEvent{Type: api.TraceInvokeSucceeded, Step: "b"}

	assert.True(t, wait.Succeeded("a")(ok))
	assert.False(t, wait.Succeeded("a")(bad))
	assert.False(t, wait.Succeeded("a")(other))
	assert.True(t, wait.Failed("a")(bad))
	assert.True(t, wait.Finished("a")(ok))
	assert.True(t, wait.Finished("a")(bad))
	assert.True(t, wait.Finished("a", "b")(other))
}

func TestUnmarshalFilter(t *testing.T) {
	filter := wait.Unmarshal(func(data map[string]any) bool {
		return data["subscriber"] == "s1"
	})
	assert.True(t, filter(&api.TraceEvent{
		Data: []byte(`{"subscriber":"s1"}`),
	}))
	assert.False(t, filter(&api.TraceEvent{Data: []byte(`{`)}))
	assert.False(t, filter(nil))
}

func TestWaitForEvent(t *testing.T) {
	h := hub.New()
	defer h.Close()
	consumer := h.NewConsumer()
	defer consumer.Close()

	go func() {
		h.Record(&hub.Record{Type: api.TraceEmitted, TraceID: "t1"})
		h.Record(&hub.Record{
			Type: api.TraceDeadLettered, TraceID: "t1", Topic: "orders",
		})
	}()

	ev := wait.On(t, consumer).ForEvent(wait.DeadLettered("orders"))
	assert.Equal(t, api.TraceID("t1"), ev.TraceID)
}

func TestWaitForEvents(t *testing.T) {
	h := hub.New()
	defer h.Close()
	consumer := h.NewConsumer()
	defer consumer.Close()

	go func() {
		for _, id := range []api.TraceID{"a", "b", "a"} {
			h.Record(&hub.Record{Type: api.TraceStateChanged, TraceID: id})
		}
	}()

	res := wait.On(t, consumer).ForEvents(2, wait.Trace("a"))
	assert.Len(t, res, 2)
}
