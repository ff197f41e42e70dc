package helpers

import (
	"github.com/google/uuid"

	"github.com/kode4food/switchyard/pkg/api"
)

// NewStepName returns a unique step name with the given prefix
func NewStepName(prefix string) api.StepName {
	return api.StepName(prefix + "-" + uuid.New().String()[:8])
}

// NewNativeStep creates a step served by a native (in-host) handler
func NewNativeStep(name api.StepName, triggers ...*api.Trigger) *api.Step {
	return &api.Step{
		Name:     name,
		Handler:  &api.HandlerConfig{Kind: api.WorkerNative},
		Triggers: triggers,
	}
}

// NewLuaStep creates a step whose handler is the given Lua script
func NewLuaStep(
	name api.StepName, script string, triggers ...*api.Trigger,
) *api.Step {
	return &api.Step{
		Name: name,
		Handler: &api.HandlerConfig{
			Kind: api.WorkerLua,
			Script: &api.ScriptConfig{
				Language: api.ScriptLangLua,
				Script:   script,
			},
		},
		Triggers: triggers,
	}
}

// APITrigger creates an api trigger for method and path
func APITrigger(method, path string) *api.Trigger {
	return &api.Trigger{Kind: api.TriggerAPI, Method: method, Path: path}
}

// QueueTrigger creates a queue trigger on topic with optional settings
func QueueTrigger(topic api.Topic, cfg *api.QueueConfig) *api.Trigger {
	return &api.Trigger{Kind: api.TriggerQueue, Topic: topic, Queue: cfg}
}

// CronTrigger creates a cron trigger for the schedule expression
func CronTrigger(schedule string) *api.Trigger {
	return &api.Trigger{Kind: api.TriggerCron, Schedule: schedule}
}

// StateTrigger creates a state trigger for a key pattern
func StateTrigger(key string) *api.Trigger {
	return &api.Trigger{Kind: api.TriggerState, Key: key}
}

// WithCondition attaches a script condition to tr and returns it
func WithCondition(tr *api.Trigger, lang, script string) *api.Trigger {
	tr.Condition = &api.ScriptConfig{Language: lang, Script: script}
	return tr
}
