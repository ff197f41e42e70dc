package rpc_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/internal/state"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
	"github.com/kode4food/switchyard/pkg/worker"
)

type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

const workerEnv = "SWITCHYARD_TEST_WORKER"

var testHandlers = worker.Handlers{
	"echo": func(_ *worker.Context, inv *api.Invocation) (any, error) {
		return inv.Input.Data, nil
	},
	"count": func(ctx *worker.Context, _ *api.Invocation) (any, error) {
		n, err := ctx.Increment("g", "n", 1)
		if err != nil {
			return nil, err
		}
		ctx.Log(slog.LevelInfo, "counted", map[string]any{"n": n})
		return n, ctx.Emit("counted", n)
	},
	"chatty": func(*worker.Context, *api.Invocation) (any, error) {
		fmt.Println("hello from stdout")
		fmt.Fprintln(os.Stderr, "hello from stderr")
		return "ok", nil
	},
	"fail": func(*worker.Context, *api.Invocation) (any, error) {
		return nil, errors.New("bad input")
	},
	"big": func(*worker.Context, *api.Invocation) (any, error) {
		return strings.Repeat("z", 2<<20), nil
	},
	"slow": func(ctx *worker.Context, _ *api.Invocation) (any, error) {
		time.Sleep(10 * time.Second)
		return nil, nil
	},
	"crash": func(*worker.Context, *api.Invocation) (any, error) {
		os.Exit(3)
		return nil, nil
	},
}

func TestMain(m *testing.M) {
	switch os.Getenv(workerEnv) {
	case "":
		os.Exit(m.Run())
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "exit":
		os.Exit(2)
	default:
		if err := worker.Run(testHandlers); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
}

func TestProcessInvokerModes(t *testing.T) {
	for _, mode := range []string{rpc.ModeNative, rpc.ModeStdio} {
		t.Run(mode, func(t *testing.T) {
			p := rpc.NewProcessInvoker(rpc.ProcessConfig{Mode: mode})
			svc := newServices(state.New(state.NewMemoryBackend()), "tr")

			res, err := p.Invoke(context.Background(), workerStep(t, "echo", "1"),
				invocation("echo", map[string]any{"x": 1.0}), svc,
			)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"x": 1.0}, res)

			res, err = p.Invoke(context.Background(), workerStep(t, "count", "1"),
				invocation("count", nil), svc,
			)
			require.NoError(t, err)
			assert.Equal(t, 1.0, res)
			require.Len(t, svc.emitted, 1)
			assert.Equal(t, api.Topic("counted"), svc.emitted[0].Topic)
			svc.mu.Lock()
			require.Len(t, svc.logs, 1)
			assert.Equal(t, "counted", svc.logs[0].Message)
			svc.mu.Unlock()
		})
	}
}

func TestProcessHandlerError(t *testing.T) {
	p := rpc.NewProcessInvoker(rpc.ProcessConfig{})
	_, err := p.Invoke(context.Background(), workerStep(t, "fail", "1"),
		invocation("fail", nil), newServices(nil, "tr"),
	)
	var he *rpc.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "bad input", he.Message)

	_, err = p.Invoke(context.Background(), workerStep(t, "nobody", "1"),
		invocation("nobody", nil), newServices(nil, "tr"),
	)
	assert.ErrorIs(t, err, api.ErrValidation)
}

func TestProcessLargeResult(t *testing.T) {
	p := rpc.NewProcessInvoker(rpc.ProcessConfig{})
	res, err := p.Invoke(context.Background(), workerStep(t, "big", "1"),
		invocation("big", nil), newServices(nil, "tr"),
	)
	require.NoError(t, err)
	assert.Len(t, res, 2<<20)
}

func TestProcessCrash(t *testing.T) {
	p := rpc.NewProcessInvoker(rpc.ProcessConfig{})
	_, err := p.Invoke(context.Background(), workerStep(t, "crash", "1"),
		invocation("crash", nil), newServices(nil, "tr"),
	)
	assert.ErrorIs(t, err, rpc.ErrChannelClosed)
	assert.ErrorIs(t, err, rpc.ErrProcessExited)
}

func TestProcessStepTimeout(t *testing.T) {
	p := rpc.NewProcessInvoker(rpc.ProcessConfig{})
	step := workerStep(t, "slow", "1")
	step.TimeoutMs = 100

	start := time.Now()
	_, err := p.Invoke(context.Background(), step,
		invocation("slow", nil), newServices(nil, "tr"),
	)
	assert.ErrorIs(t, err, rpc.ErrCallTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessSpawnFailures(t *testing.T) {
	p := rpc.NewProcessInvoker(rpc.ProcessConfig{
		SpawnTimeout: 200 * time.Millisecond,
	})
	_, err := p.Invoke(context.Background(), workerStep(t, "echo", "hang"),
		invocation("echo", nil), newServices(nil, "tr"),
	)
	assert.ErrorIs(t, err, rpc.ErrSpawnTimeout)

	_, err = p.Invoke(context.Background(), workerStep(t, "echo", "exit"),
		invocation("echo", nil), newServices(nil, "tr"),
	)
	assert.ErrorIs(t, err, rpc.ErrProcessExited)

	step := workerStep(t, "echo", "1")
	step.Handler.Command = []string{"/nonexistent/worker"}
	_, err = p.Invoke(context.Background(), step,
		invocation("echo", nil), newServices(nil, "tr"),
	)
	assert.Error(t, err)
}

func TestProcessRelogsOutput(t *testing.T) {
	buf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(log.NewWithWriter(buf, "test", "test", "", slog.LevelInfo))
	defer slog.SetDefault(prev)

	for _, mode := range []string{rpc.ModeNative, rpc.ModeStdio} {
		p := rpc.NewProcessInvoker(rpc.ProcessConfig{Mode: mode})
		res, err := p.Invoke(context.Background(),
			workerStep(t, "chatty", "1"), invocation("chatty", nil),
			newServices(nil, "tr"),
		)
		require.NoError(t, err)
		assert.Equal(t, "ok", res)
	}

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "hello from stdout"))
	assert.Equal(t, 2, strings.Count(out, "hello from stderr"))
	assert.Contains(t, out, `"step":"chatty"`)
	assert.Contains(t, out, `"level":"ERROR"`)
}

func workerStep(t *testing.T, name api.StepName, mode string) *api.Step {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return &api.Step{
		Name: name,
		Handler: &api.HandlerConfig{
			Kind:    api.WorkerProcess,
			Command: []string{exe},
			Env:     map[string]string{workerEnv: mode},
		},
		Triggers: []*api.Trigger{{Kind: api.TriggerAPI}},
	}
}

func invocation(step api.StepName, data any) *api.Invocation {
	return &api.Invocation{
		Step:    step,
		TraceID: "tr",
		Input:   &api.TriggerInput{Kind: api.TriggerAPI, Data: data},
	}
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
