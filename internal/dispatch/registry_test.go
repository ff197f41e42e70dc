package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/dispatch"
	"github.com/kode4food/switchyard/internal/script"
	"github.com/kode4food/switchyard/pkg/api"
)

func TestRegisterValidation(t *testing.T) {
	reg := dispatch.NewRegistry(script.NewRegistry())

	assert.ErrorIs(t, reg.Register(nil), dispatch.ErrStepNil)

	err := reg.Register(&api.Step{Name: "bad"})
	assert.ErrorIs(t, err, api.ErrValidation)
	assert.ErrorIs(t, err, api.ErrHandlerRequired)

	err = reg.Register(nativeStep("cron", &api.Trigger{
		Kind: api.TriggerCron, Schedule: "whenever",
	}))
	assert.ErrorIs(t, err, api.ErrValidation)

	err = reg.Register(nativeStep("cond", &api.Trigger{
		Kind:  api.TriggerQueue,
		Topic: "orders",
		Condition: &api.ScriptConfig{
			Language: api.ScriptLangLua, Script: "return (",
		},
	}))
	assert.ErrorIs(t, err, api.ErrValidation)

	_, ok := reg.Get("cond")
	assert.False(t, ok)
}

func TestRegisterReplaces(t *testing.T) {
	reg := dispatch.NewRegistry(script.NewRegistry())

	var seen []api.StepName
	var removed int
	reg.OnChange(func(name api.StepName, step *api.Step) {
		seen = append(seen, name)
		if step == nil {
			removed++
		}
	})

	require.NoError(t, reg.Register(nativeStep("b", queueTrigger("x"))))
	require.NoError(t, reg.Register(nativeStep("a",
		queueTrigger("x"), apiTrigger("GET", "/a"),
	)))
	assert.Len(t, reg.Bindings(api.TriggerQueue), 2)

	require.NoError(t, reg.Register(nativeStep("a", apiTrigger("GET", "/a"))))
	queue := reg.Bindings(api.TriggerQueue)
	if assert.Len(t, queue, 1) {
		assert.Equal(t, api.StepName("b"), queue[0].Step.Name)
	}

	steps := reg.Steps()
	if assert.Len(t, steps, 2) {
		assert.Equal(t, api.StepName("a"), steps[0].Name)
		assert.Equal(t, api.StepName("b"), steps[1].Name)
	}

	require.NoError(t, reg.Unregister("b"))
	assert.ErrorIs(t, reg.Unregister("b"), dispatch.ErrStepNotFound)
	assert.Empty(t, reg.Bindings(api.TriggerQueue))
	assert.Equal(t, []api.StepName{"b", "a", "a", "b"}, seen)
	assert.Equal(t, 1, removed)
}

func TestBindingOrder(t *testing.T) {
	reg := dispatch.NewRegistry(script.NewRegistry())
	require.NoError(t, reg.Register(nativeStep("z", queueTrigger("x"))))
	require.NoError(t, reg.Register(nativeStep("m",
		queueTrigger("y"), queueTrigger("x"),
	)))

	res := reg.Bindings(api.TriggerQueue)
	if assert.Len(t, res, 3) {
		assert.Equal(t, api.StepName("m"), res[0].Step.Name)
		assert.Equal(t, 0, res[0].Index)
		assert.Equal(t, api.StepName("m"), res[1].Step.Name)
		assert.Equal(t, 1, res[1].Index)
		assert.Equal(t, api.StepName("z"), res[2].Step.Name)
	}
}

func TestBindingConditions(t *testing.T) {
	reg := dispatch.NewRegistry(script.NewRegistry())
	tr := queueTrigger("orders")
	tr.Condition = &api.ScriptConfig{
		Language: api.ScriptLangPath, Script: "data.priority",
	}
	tr.Predicate = api.DataCondition(func(data any) bool {
		m, ok := data.(map[string]any)
		return ok && m["region"] == "eu"
	})
	require.NoError(t, reg.Register(nativeStep("route", tr)))

	b := reg.StepBindings("route")[0]
	for _, tc := range []struct {
		data any
		want bool
	}{
		{map[string]any{"priority": true, "region": "eu"}, true},
		{map[string]any{"priority": true, "region": "us"}, false},
		{map[string]any{"priority": false, "region": "eu"}, false},
		{map[string]any{"region": "eu"}, false},
	} {
		ok, err := b.Accepts(&api.TriggerInput{
			Kind: api.TriggerQueue, Data: tc.data,
		})
		assert.NoError(t, err)
		assert.Equal(t, tc.want, ok, tc.data)
	}
}

func nativeStep(name api.StepName, triggers ...*api.Trigger) *api.Step {
	return &api.Step{
		Name:     name,
		Handler:  &api.HandlerConfig{Kind: api.WorkerNative},
		Triggers: triggers,
	}
}

func queueTrigger(topic api.Topic) *api.Trigger {
	return &api.Trigger{Kind: api.TriggerQueue, Topic: topic}
}

func apiTrigger(method, path string) *api.Trigger {
	return &api.Trigger{Kind: api.TriggerAPI, Method: method, Path: path}
}

func stateTrigger(key string) *api.Trigger {
	return &api.Trigger{Kind: api.TriggerState, Key: key}
}
