package api_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/switchyard/pkg/api"
)

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name string
		tr   *api.Trigger
		err  error
	}{
		{"api", &api.Trigger{
			Kind: api.TriggerAPI, Method: "post", Path: "/orders",
		}, nil},
		{"api bad method", &api.Trigger{
			Kind: api.TriggerAPI, Method: "BREW", Path: "/orders",
		}, api.ErrTriggerMethod},
		{"api bad path", &api.Trigger{
			Kind: api.TriggerAPI, Method: "GET", Path: "orders",
		}, api.ErrTriggerPath},
		{"queue", &api.Trigger{Kind: api.TriggerQueue, Topic: "t"}, nil},
		{"queue no topic", &api.Trigger{
			Kind: api.TriggerQueue,
		}, api.ErrTriggerTopic},
		{"queue bad config", &api.Trigger{
			Kind: api.TriggerQueue, Topic: "t",
			Queue: &api.QueueConfig{Type: "lifo"},
		}, api.ErrInvalidQueueType},
		{"cron", &api.Trigger{
			Kind: api.TriggerCron, Schedule: "*/5 * * * *",
		}, nil},
		{"cron blank", &api.Trigger{
			Kind: api.TriggerCron, Schedule: "  ",
		}, api.ErrTriggerSchedule},
		{"state", &api.Trigger{Kind: api.TriggerState, Key: "user.*"}, nil},
		{"state no key", &api.Trigger{
			Kind: api.TriggerState,
		}, api.ErrTriggerKey},
		{"state bad pattern", &api.Trigger{
			Kind: api.TriggerState, Key: "user.[",
		}, api.ErrTriggerKeyPattern},
		{"bad kind", &api.Trigger{Kind: "email"}, api.ErrInvalidTriggerKind},
		{"bad condition", &api.Trigger{
			Kind: api.TriggerQueue, Topic: "t",
			Condition: &api.ScriptConfig{Script: "return true"},
		}, api.ErrScriptLanguageEmpty},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tr.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestMatchPath(t *testing.T) {
	params, ok := api.MatchPath("/orders/:id/items/:item", "/orders/7/items/9")
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"id": "7", "item": "9"}, params)

	_, ok = api.MatchPath("/orders/:id", "/orders/7/items")
	assert.False(t, ok)

	_, ok = api.MatchPath("/orders/:id", "/orders")
	assert.False(t, ok)

	params, ok = api.MatchPath("/files/*", "/files/a/b/c")
	assert.True(t, ok)
	assert.Equal(t, "a/b/c", params["*"])

	params, ok = api.MatchPath("/", "/")
	assert.True(t, ok)
	assert.Empty(t, params)
}

func TestTriggerMatchesRequest(t *testing.T) {
	tr := &api.Trigger{Kind: api.TriggerAPI, Method: "post", Path: "/u/:id"}
	params, ok := tr.MatchesRequest("POST", "/u/42")
	assert.True(t, ok)
	assert.Equal(t, "42", params["id"])

	_, ok = tr.MatchesRequest("GET", "/u/42")
	assert.False(t, ok)
}

func TestTriggerMatchesState(t *testing.T) {
	tr := &api.Trigger{Kind: api.TriggerState, Key: "user.score"}
	assert.True(t, tr.MatchesState("any", "user.score"))
	assert.False(t, tr.MatchesState("any", "user.level"))

	tr = &api.Trigger{Kind: api.TriggerState, Key: "user.*", Group: "game-*"}
	assert.True(t, tr.MatchesState("game-1", "user.level"))
	assert.False(t, tr.MatchesState("shop-1", "user.level"))
	assert.False(t, api.MatchKey("[", "x"))
}

func TestStateCondition(t *testing.T) {
	p := api.StateCondition(func(n, o any) bool {
		f, ok := n.(float64)
		return ok && f > 100 && o != nil
	})
	ok, err := p(&api.TriggerInput{New: 110.0, Old: 60.0})
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, _ = p(&api.TriggerInput{New: 110.0})
	assert.False(t, ok)
}

func TestTriggerContext(t *testing.T) {
	tr := &api.Trigger{Kind: api.TriggerAPI, Method: "get", Path: "/x"}
	ctx := tr.Context(2)
	assert.Equal(t, api.TriggerAPI, ctx.Kind)
	assert.Equal(t, 2, ctx.Index)
	assert.Equal(t, "GET", ctx.Method)
	assert.Equal(t, "/x", ctx.Path)
}
