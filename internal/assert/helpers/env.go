package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/config"
	"github.com/kode4food/switchyard/internal/deadletter"
	"github.com/kode4food/switchyard/internal/dispatch"
	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/internal/lock"
	"github.com/kode4food/switchyard/internal/queue"
	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/internal/scheduler"
	"github.com/kode4food/switchyard/internal/script"
	"github.com/kode4food/switchyard/internal/state"
	"github.com/kode4food/switchyard/pkg/api"
)

// TestRuntimeEnv holds every component of a running step runtime. State,
// locks, and dead letters live in a miniredis instance
type TestRuntimeEnv struct {
	Dispatcher  *dispatch.Dispatcher
	Registry    *dispatch.Registry
	Queue       *queue.Engine
	State       *state.Store
	Locker      lock.Locker
	DeadLetters deadletter.Store
	Hub         *hub.Hub
	Invoker     *MockInvoker
	Workers     *rpc.SocketInvoker
	Redis       *miniredis.Miniredis
	Config      *config.Config
	Cleanup     func()
}

const testPrefix = "test"

// NewTestConfig creates a default configuration with debug logging enabled
func NewTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LogLevel = "debug"
	cfg.StepTimeout = 5 * api.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// NewTestRuntime creates a started runtime whose native and lua steps are
// served by a MockInvoker and a Lua environment, and whose socket steps by
// remote workers connecting through Workers
func NewTestRuntime(t *testing.T) *TestRuntimeEnv {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	cfg := NewTestConfig()
	timeout := time.Duration(cfg.StepTimeout) * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	sched := scheduler.NewSystem()
	go sched.Run(ctx)

	h := hub.New()
	letters := deadletter.NewRedisStore(client, testPrefix)
	q := queue.New(sched, dispatch.NewDeadLetterSink(letters, h))
	st := state.New(state.NewRedisBackend(client, testPrefix))
	locker := lock.NewRedisLocker(client, testPrefix, "test-instance")
	cron := scheduler.NewCron(ctx, sched, locker, time.Minute)

	scripts := script.NewRegistry()
	mock := NewMockInvoker()
	workers := rpc.NewSocketInvoker(timeout, int(cfg.RPC.PayloadThreshold))
	reg := dispatch.NewRegistry(scripts)
	disp := dispatch.New(dispatch.Deps{
		Registry: reg,
		Invoker: rpc.Invokers{
			api.WorkerNative: mock,
			api.WorkerLua:    script.NewLuaInvoker(scripts.Lua(), timeout),
			api.WorkerSocket: workers,
		},
		Queue:  q,
		State:  st,
		Hub:    h,
		Cron:   cron,
		Config: cfg,
	})
	require.NoError(t, disp.Start())

	cleanup := func() {
		_ = disp.Stop()
		_ = q.Stop(context.Background())
		cancel()
		h.Close()
		_ = st.Close()
		_ = client.Close()
		server.Close()
	}

	return &TestRuntimeEnv{
		Dispatcher:  disp,
		Registry:    reg,
		Queue:       q,
		State:       st,
		Locker:      locker,
		DeadLetters: letters,
		Hub:         h,
		Invoker:     mock,
		Workers:     workers,
		Redis:       server,
		Config:      cfg,
		Cleanup:     cleanup,
	}
}

// WithTestEnv creates a test runtime, executes the provided function with
// it, and ensures cleanup happens automatically
func WithTestEnv(t *testing.T, fn func(*TestRuntimeEnv)) {
	t.Helper()
	env := NewTestRuntime(t)
	defer env.Cleanup()
	fn(env)
}

// Register registers steps, failing the test on the first error
func (e *TestRuntimeEnv) Register(t *testing.T, steps ...*api.Step) {
	t.Helper()
	for _, st := range steps {
		require.NoError(t, e.Registry.Register(st))
	}
}
