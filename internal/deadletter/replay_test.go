package deadletter_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/deadletter"
	"github.com/kode4food/switchyard/internal/queue"
	"github.com/kode4food/switchyard/internal/scheduler"
	"github.com/kode4food/switchyard/pkg/api"
)

func TestReplayThroughQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := scheduler.NewSystem()
	go s.Run(ctx)

	store := deadletter.NewMemoryStore()
	eng := queue.New(s, store)
	defer func() {
		stopCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = eng.Stop(stopCtx)
	}()

	var healthy atomic.Bool
	var handled atomic.Int32
	_, err := eng.Subscribe("orders", "billing",
		func(context.Context, *api.Event) error {
			if !healthy.Load() {
				return errors.New("down")
			}
			handled.Add(1)
			return nil
		},
		api.QueueConfig{MaxRetries: api.NoRetries},
	)
	require.NoError(t, err)

	require.NoError(t, eng.Publish(ctx, &api.Event{
		Topic: "orders", TraceID: "trace-1",
	}))
	assert.Eventually(t, func() bool {
		n, _ := store.Count(ctx, "orders", "billing")
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	healthy.Store(true)
	n, err := deadletter.Replay(ctx, store, eng, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool {
		return handled.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}
