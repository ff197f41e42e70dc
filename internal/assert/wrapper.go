package assert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/config"
	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// Getter reads a single state value
	Getter interface {
		Get(ctx context.Context, groupID, key string) (any, bool, error)
	}

	// Wrapper wraps testify assertions with runtime-specific helpers
	Wrapper struct {
		*testing.T
		*assert.Assertions
		Require *require.Assertions
	}
)

// DefaultRetryInterval is the default polling interval for Eventually checks
const DefaultRetryInterval = 10 * time.Millisecond

// New creates a new test assertion wrapper with both assert and require from
// testify plus runtime-specific helpers
func New(t *testing.T) *Wrapper {
	return &Wrapper{
		T:          t,
		Assertions: assert.New(t),
		Require:    require.New(t),
	}
}

// StepValid asserts that a step is valid
func (w *Wrapper) StepValid(st *api.Step) {
	w.Helper()
	w.NoError(st.Validate())
	w.NotEmpty(st.Name)
	w.NotEmpty(st.Triggers)
	if w.NotNil(st.Handler) && st.Handler.Kind == api.WorkerLua {
		w.NotNil(st.Handler.Script, "lua steps should have a script")
	}
}

// StepInvalid asserts that a step is invalid and returns the validation error
func (w *Wrapper) StepInvalid(
	st *api.Step, expectedErrorContains string,
) error {
	w.Helper()
	err := st.Validate()
	w.Error(err)
	if err != nil && expectedErrorContains != "" {
		w.Contains(err.Error(), expectedErrorContains)
	}
	return err
}

// StateEquals asserts that a stored key holds the expected value
func (w *Wrapper) StateEquals(
	ctx context.Context, get Getter, groupID, key string, expected any,
) {
	w.Helper()
	val, ok, err := get.Get(ctx, groupID, key)
	w.NoError(err, "failed to get state key: %s", key)
	w.True(ok, "group %s should have state key: %s", groupID, key)
	w.Equal(expected, val)
}

// StateMissing asserts that a key is not stored
func (w *Wrapper) StateMissing(
	ctx context.Context, get Getter, groupID, key string,
) {
	w.Helper()
	_, ok, err := get.Get(ctx, groupID, key)
	w.NoError(err, "failed to check state key: %s", key)
	w.False(ok, "group %s should not have state key: %s", groupID, key)
}

// ConfigValid asserts that a configuration is valid
func (w *Wrapper) ConfigValid(cfg *config.Config) {
	w.Helper()
	w.NoError(cfg.Validate())
	w.True(cfg.APIPort > 0 && cfg.APIPort <= 65535)
	w.True(cfg.StepTimeout > 0)
}

// ConfigInvalid asserts that a configuration is invalid
func (w *Wrapper) ConfigInvalid(cfg *config.Config, contains string) {
	w.Helper()
	err := cfg.Validate()
	w.Error(err)
	if err != nil && contains != "" {
		w.Contains(err.Error(), contains)
	}
}

// Eventually runs a condition repeatedly until it passes or times out
func (w *Wrapper) Eventually(
	condition func() bool, timeout time.Duration, msg string, args ...any,
) {
	w.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(DefaultRetryInterval)
	}
	w.Fail(msg, args...)
}

// EventuallyWithError runs a condition that returns an error until it succeeds
// or times out
func (w *Wrapper) EventuallyWithError(
	condition func() error, timeout time.Duration, msg string, args ...any,
) {
	w.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		err := condition()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(DefaultRetryInterval)
	}
	if lastErr != nil {
		w.Fail(msg+": last error: "+lastErr.Error(), args...)
		return
	}
	w.Fail(msg, args...)
}
