package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// ProcessConfig tunes how worker processes are spawned
	ProcessConfig struct {
		Mode             string
		Env              []string
		SpawnTimeout     time.Duration
		StepTimeout      time.Duration
		StopGrace        time.Duration
		PayloadThreshold int
		SpillDir         string
	}

	// ProcessInvoker runs each invocation in a freshly spawned worker
	// process. The worker speaks the protocol over a descriptor pair in
	// native mode, or over its stdin and stdout in stdio mode
	ProcessInvoker struct {
		cfg ProcessConfig
	}

	process struct {
		cmd     *exec.Cmd
		ch      *Channel
		ready   chan struct{}
		exited  chan struct{}
		files   []*os.File
		waitErr error
		relogs  sync.WaitGroup
	}
)

const (
	ModeAuto   = "auto"
	ModeNative = "native"
	ModeStdio  = "stdio"

	// EnvRPCFD names the descriptor a native worker reads requests from.
	// It writes responses to the next descriptor
	EnvRPCFD = "SWITCHYARD_RPC_FD"

	// EnvStep tells a worker which step it was spawned for
	EnvStep = "SWITCHYARD_STEP"

	nativeReadFD = 3

	defaultSpawnTimeout = 10 * time.Second
	defaultStopGrace    = 2 * time.Second
)

var _ Invoker = (*ProcessInvoker)(nil)

// NewProcessInvoker creates a ProcessInvoker
func NewProcessInvoker(cfg ProcessConfig) *ProcessInvoker {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = defaultSpawnTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.PayloadThreshold == 0 {
		cfg.PayloadThreshold = DefaultPayloadThreshold
	}
	return &ProcessInvoker{cfg: cfg}
}

// Invoke implements Invoker
func (p *ProcessInvoker) Invoke(
	ctx context.Context, step *api.Step, inv *api.Invocation, svc Services,
) (any, error) {
	proc, err := p.spawn(ctx, step)
	if err != nil {
		return nil, err
	}
	defer p.stop(proc)

	BindServices(proc.ch, svc)
	ctx, cancel := withStepTimeout(ctx, step, p.cfg.StepTimeout)
	defer cancel()

	var res any
	err = proc.ch.Call(WithScope(ctx, svc), api.MethodInvoke, inv, &res)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrChannelClosed) && !errors.Is(err, ErrCallTimeout) {
		select {
		case <-proc.exited:
			return nil, exitError(proc.waitErr)
		case <-time.After(p.cfg.StopGrace):
		}
	}
	return nil, err
}

func (p *ProcessInvoker) spawn(
	ctx context.Context, step *api.Step,
) (*process, error) {
	h := step.Handler
	cmd := exec.Command(h.Command[0], h.Command[1:]...)
	cmd.Dir = h.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	for _, k := range slices.Sorted(maps.Keys(h.Env)) {
		cmd.Env = append(cmd.Env, k+"="+h.Env[k])
	}
	cmd.Env = append(cmd.Env, EnvStep+"="+string(step.Name))

	proc := &process{
		cmd:    cmd,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	t, err := p.connect(proc, step.Name)
	if err != nil {
		proc.closeFiles()
		return nil, err
	}
	proc.ch = NewChannel(t,
		WithPayloadThreshold(p.cfg.PayloadThreshold),
		WithSpillDir(p.cfg.SpillDir),
	)
	var once sync.Once
	proc.ch.Handle(api.MethodReady, func(
		context.Context, json.RawMessage,
	) (any, error) {
		once.Do(func() { close(proc.ready) })
		return nil, nil
	})

	if err := cmd.Start(); err != nil {
		proc.closeFiles()
		_ = proc.ch.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	proc.closeFiles()
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.exited)
	}()

	timer := time.NewTimer(p.cfg.SpawnTimeout)
	defer timer.Stop()
	select {
	case <-proc.ready:
		return proc, nil
	case <-proc.exited:
		_ = proc.ch.Close()
		return nil, exitError(proc.waitErr)
	case <-timer.C:
		p.kill(proc)
		return nil, fmt.Errorf("%w: %s", ErrSpawnTimeout, step.Name)
	case <-ctx.Done():
		p.kill(proc)
		return nil, ctx.Err()
	}
}

// connect wires the child's stdio and protocol descriptors. Descriptors
// the child inherits are collected in proc.files and closed in the parent
// once it has started
func (p *ProcessInvoker) connect(
	proc *process, step api.StepName,
) (Transport, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, err
	}
	proc.cmd.Stdout = stdoutW
	proc.cmd.Stderr = stderrW
	proc.files = append(proc.files, stdoutW, stderrW)
	proc.relog(stderrR, slog.LevelError, step)

	if !p.native() {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			_ = stdoutR.Close()
			return nil, err
		}
		proc.cmd.Stdin = stdinR
		proc.files = append(proc.files, stdinR)
		return NewLineTransport(stdoutR, stdinW, multiCloser{stdinW, stdoutR},
			chatterFor(step),
		), nil
	}

	proc.cmd.Stdin = nil
	proc.relog(stdoutR, slog.LevelInfo, step)
	hostR, workerW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	workerR, hostW, err := os.Pipe()
	if err != nil {
		_ = hostR.Close()
		_ = workerW.Close()
		return nil, err
	}
	proc.cmd.ExtraFiles = []*os.File{workerR, workerW}
	proc.cmd.Env = append(proc.cmd.Env,
		fmt.Sprintf("%s=%d", EnvRPCFD, nativeReadFD),
	)
	proc.files = append(proc.files, workerR, workerW)
	return NewFrameTransport(hostR, hostW, multiCloser{hostW, hostR}), nil
}

func (p *ProcessInvoker) native() bool {
	switch p.cfg.Mode {
	case ModeStdio:
		return false
	case ModeNative:
		return true
	default:
		return runtime.GOOS != "windows"
	}
}

func (p *ProcessInvoker) stop(proc *process) {
	_ = proc.ch.Close()
	select {
	case <-proc.exited:
	case <-time.After(p.cfg.StopGrace):
		p.kill(proc)
	}
	proc.ch.Wait()
	proc.relogs.Wait()
}

func (p *ProcessInvoker) kill(proc *process) {
	_ = proc.ch.Close()
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
	<-proc.exited
}

func (proc *process) relog(r io.ReadCloser, level slog.Level, step api.StepName) {
	proc.relogs.Go(func() {
		defer func() { _ = r.Close() }()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			slog.Log(context.Background(), level, "Worker output",
				log.StepName(step),
				slog.String("line", sc.Text()))
		}
	})
}

func (proc *process) closeFiles() {
	for _, f := range proc.files {
		_ = f.Close()
	}
	proc.files = nil
}

func chatterFor(step api.StepName) ChatterFunc {
	return func(line string) {
		slog.Info("Worker output",
			log.StepName(step),
			slog.String("line", line))
	}
}

func exitError(err error) error {
	if err == nil {
		return ErrProcessExited
	}
	return fmt.Errorf("%w: %w", ErrProcessExited, err)
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
