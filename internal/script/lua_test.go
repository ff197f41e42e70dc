package script_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/script"
	"github.com/kode4food/switchyard/pkg/api"
)

func TestLuaPredicate(t *testing.T) {
	env := script.NewLuaEnv()

	tests := []struct {
		name     string
		src      string
		input    *api.TriggerInput
		expected bool
	}{
		{
			name:     "data_value",
			src:      "return value > 10",
			input:    &api.TriggerInput{Kind: api.TriggerQueue, Data: 15},
			expected: true,
		},
		{
			name:     "data_value_false",
			src:      "return value > 10",
			input:    &api.TriggerInput{Kind: api.TriggerQueue, Data: 5},
			expected: false,
		},
		{
			name: "state_created",
			src:  "return old == nil and value == 'on'",
			input: &api.TriggerInput{
				Kind: api.TriggerState, New: "on", Key: "switch",
			},
			expected: true,
		},
		{
			name: "state_changed",
			src:  "return old ~= value",
			input: &api.TriggerInput{
				Kind: api.TriggerState, New: 2, Old: 2,
			},
			expected: false,
		},
		{
			name: "input_fields",
			src:  "return input.topic == 'orders' and input.data.qty == 3",
			input: &api.TriggerInput{
				Kind:  api.TriggerQueue,
				Topic: "orders",
				Data:  map[string]any{"qty": 3},
			},
			expected: true,
		},
		{
			name:     "kind",
			src:      "return kind == 'cron'",
			input:    &api.TriggerInput{Kind: api.TriggerCron},
			expected: true,
		},
		{
			name:     "truthy_result",
			src:      "return 'yes'",
			input:    &api.TriggerInput{Kind: api.TriggerAPI},
			expected: true,
		},
		{
			name:     "sandboxed",
			src:      "return os == nil and io == nil and require == nil",
			input:    &api.TriggerInput{Kind: api.TriggerAPI},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := env.Predicate(tt.src)
			require.NoError(t, err)
			res, err := pred(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res)
		})
	}
}

func TestLuaPredicateRuntimeError(t *testing.T) {
	env := script.NewLuaEnv()
	pred, err := env.Predicate("return value.x.y")
	require.NoError(t, err)

	_, err = pred(&api.TriggerInput{Kind: api.TriggerQueue})
	assert.ErrorIs(t, err, script.ErrLuaExecution)
}

func TestLuaValidate(t *testing.T) {
	env := script.NewLuaEnv()
	assert.NoError(t, env.Validate("return value ~= nil"))
	assert.ErrorIs(t, env.Validate("return ("), script.ErrLuaLoad)
}

func TestLuaCompileCache(t *testing.T) {
	env := script.NewLuaEnv()
	args := []string{"a", "b"}

	c1, err := env.Compile("return a + b", args)
	require.NoError(t, err)
	c2, err := env.Compile("return a + b", args)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	c3, err := env.Compile("return a + b", []string{"b", "a"})
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)
}

func TestLuaExecuteConversion(t *testing.T) {
	env := script.NewLuaEnv()
	c, err := env.Compile(`
		return {
			sum = a + b,
			list = {1, 2, 3},
			name = name,
			nested = {ok = true, ratio = 0.5},
			empty = {},
		}
	`, []string{"a", "b", "name"})
	require.NoError(t, err)

	res, err := env.Execute(context.Background(), c, []any{5, 10.0, "bob"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"sum":    15,
		"list":   []any{1, 2, 3},
		"name":   "bob",
		"nested": map[string]any{"ok": true, "ratio": 0.5},
		"empty":  map[string]any{},
	}, res)
}

func TestLuaExecuteInputs(t *testing.T) {
	env := script.NewLuaEnv()
	c, err := env.Compile(`
		local total = 0
		for _, item in ipairs(items) do
			total = total + item.qty
		end
		return total
	`, []string{"items"})
	require.NoError(t, err)

	res, err := env.Execute(context.Background(), c, []any{[]any{
		map[string]any{"qty": 2.0},
		map[string]any{"qty": 3.0},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res)

	res, err = env.Execute(context.Background(), c, nil, nil)
	assert.ErrorIs(t, err, script.ErrLuaExecution)
	assert.Nil(t, res)
}

func TestLuaExecuteStopsRunawayScript(t *testing.T) {
	env := script.NewLuaEnv()
	spin, err := env.Compile("while true do end", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := env.Execute(ctx, spin, nil, nil)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, script.ErrLuaExecution)
		assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("script kept running after its context ended")
	}

	ok, err := env.Compile("return 1 + 1", nil)
	require.NoError(t, err)
	res, err := env.Execute(context.Background(), ok, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res)
}
