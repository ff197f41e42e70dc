package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	app "github.com/kode4food/switchyard"
	"github.com/kode4food/switchyard/internal/config"
	"github.com/kode4food/switchyard/internal/deadletter"
	"github.com/kode4food/switchyard/internal/dispatch"
	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/internal/lock"
	"github.com/kode4food/switchyard/internal/manifest"
	"github.com/kode4food/switchyard/internal/queue"
	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/internal/scheduler"
	"github.com/kode4food/switchyard/internal/script"
	"github.com/kode4food/switchyard/internal/server"
	"github.com/kode4food/switchyard/internal/state"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type switchyard struct {
	cfg         *config.Config
	ctx         context.Context
	cancel      context.CancelFunc
	redis       []*redis.Client
	state       *state.Store
	locker      lock.Locker
	deadLetters deadletter.Store
	hub         *hub.Hub
	sched       *scheduler.Scheduler
	queue       *queue.Engine
	workers     *rpc.SocketInvoker
	dispatcher  *dispatch.Dispatcher
	apiServer   *server.Server
	httpServer  *http.Server
	quit        chan os.Signal
}

var (
	ErrCreateStateStore  = errors.New("failed to create state store")
	ErrCreateLocker      = errors.New("failed to create lock store")
	ErrCreateDeadLetters = errors.New("failed to create dead letter store")
	ErrCreateTempDir     = errors.New("failed to create rpc temp dir")
	ErrLoadManifest      = errors.New("failed to load step manifest")
)

const archivePrefix = "dead-letters"

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &switchyard{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		s.closeStores()
		os.Exit(1)
	}
}

func (s *switchyard) run() error {
	if err := s.initializeStores(); err != nil {
		return err
	}

	if err := s.initializeRuntime(); err != nil {
		return err
	}
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *switchyard) setupLogging() {
	level := log.ParseLevel(s.cfg.LogLevel)
	logger := log.NewWithLevel(app.Name, s.cfg.Env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Switchyard starting",
		slog.String("log_level", s.cfg.LogLevel),
		slog.String("instance_id", s.cfg.InstanceID))

	slog.Info("Configuration loaded",
		slog.String("state_backend", s.cfg.State.Backend),
		slog.String("lock_backend", s.cfg.Lock.Backend),
		slog.String("dlq_backend", s.cfg.DeadLetter.Backend),
		slog.Bool("dlq_archive", s.cfg.DeadLetter.ArchiveURL != ""),
		slog.String("rpc_transport", s.cfg.RPC.Transport),
		slog.String("manifest", s.cfg.ManifestPath),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort))
}

func (s *switchyard) initializeStores() error {
	backend, err := s.stateBackend()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateStateStore, err)
	}
	s.state = state.New(backend)

	s.locker, err = s.lockStore()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateLocker, err)
	}
	if s.cfg.Lock.RetryAttempts > 0 {
		s.locker = lock.Retrying(s.locker, s.cfg.Lock.RetryAttempts,
			time.Duration(s.cfg.Lock.RetryDelay)*time.Millisecond,
		)
	}

	s.deadLetters, err = s.deadLetterStore()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateDeadLetters, err)
	}
	return nil
}

func (s *switchyard) stateBackend() (state.Backend, error) {
	switch s.cfg.State.Backend {
	case config.BackendRedis:
		r := s.cfg.State.Redis
		return state.NewRedisBackend(s.redisClient(r), r.Prefix), nil
	case config.BackendSQLite:
		return state.NewSQLiteBackend(s.cfg.State.SQLitePath)
	default:
		return state.NewMemoryBackend(), nil
	}
}

func (s *switchyard) lockStore() (lock.Locker, error) {
	id := s.cfg.InstanceID
	switch s.cfg.Lock.Backend {
	case config.BackendRedis:
		r := s.cfg.Lock.Redis
		return lock.NewRedisLocker(s.redisClient(r), r.Prefix, id), nil
	case config.BackendSQLite:
		return lock.NewSQLiteLocker(s.cfg.Lock.SQLitePath, id)
	default:
		return lock.NewMemoryLocker(lock.NewMemoryTable(), id), nil
	}
}

func (s *switchyard) deadLetterStore() (deadletter.Store, error) {
	var primary deadletter.Store
	switch s.cfg.DeadLetter.Backend {
	case config.BackendRedis:
		r := s.cfg.DeadLetter.Redis
		primary = deadletter.NewRedisStore(s.redisClient(r), r.Prefix)
	default:
		primary = deadletter.NewMemoryStore()
	}

	url := s.cfg.DeadLetter.ArchiveURL
	if url == "" {
		return primary, nil
	}
	archive, err := deadletter.OpenArchive(s.ctx, url, archivePrefix)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	return deadletter.Tee(primary, archive), nil
}

func (s *switchyard) redisClient(r config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	})
	s.redis = append(s.redis, client)
	return client
}

func (s *switchyard) initializeRuntime() error {
	timeout := time.Duration(s.cfg.StepTimeout) * time.Millisecond
	tempDir := s.cfg.TempPath()
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return fmt.Errorf("%w: %w", ErrCreateTempDir, err)
	}

	scripts := script.NewRegistry()
	registry := dispatch.NewRegistry(scripts)
	if path := s.cfg.ManifestPath; path != "" {
		m, err := manifest.Load(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLoadManifest, err)
		}
		if err := m.Apply(registry); err != nil {
			return fmt.Errorf("%w: %w", ErrLoadManifest, err)
		}
	}

	s.hub = hub.New()
	s.sched = scheduler.NewSystem()
	go s.sched.Run(s.ctx)

	threshold := int(s.cfg.RPC.PayloadThreshold)
	s.workers = rpc.NewSocketInvoker(timeout, threshold)
	s.queue = queue.New(s.sched, dispatch.NewDeadLetterSink(s.deadLetters, s.hub))
	cron := scheduler.NewCron(s.ctx, s.sched, s.locker,
		time.Duration(s.cfg.Lock.TTL)*time.Millisecond,
	)

	s.dispatcher = dispatch.New(dispatch.Deps{
		Registry: registry,
		Invoker: rpc.Invokers{
			api.WorkerProcess: rpc.NewProcessInvoker(rpc.ProcessConfig{
				Mode:             s.cfg.RPC.Transport,
				SpawnTimeout:     s.spawnTimeout(),
				StepTimeout:      timeout,
				PayloadThreshold: threshold,
				SpillDir:         tempDir,
			}),
			api.WorkerSocket: s.workers,
			api.WorkerLua:    script.NewLuaInvoker(scripts.Lua(), timeout),
			api.WorkerNative: rpc.NewNativeInvoker(timeout),
		},
		Queue:  s.queue,
		State:  s.state,
		Hub:    s.hub,
		Cron:   cron,
		Config: s.cfg,
	})
	return s.dispatcher.Start()
}

func (s *switchyard) spawnTimeout() time.Duration {
	return time.Duration(s.cfg.RPC.SpawnTimeout) * time.Millisecond
}

func (s *switchyard) startServer() {
	s.apiServer = server.NewServer(server.Deps{
		Dispatcher:  s.dispatcher,
		Queue:       s.queue,
		State:       s.state,
		Locker:      s.locker,
		DeadLetters: s.deadLetters,
		Hub:         s.hub,
		Workers:     s.workers,
	})
	mux := s.apiServer.SetupRoutes()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler: mux,
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
			s.quit <- syscall.SIGTERM
		}
	}()
}

func (s *switchyard) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}
	s.apiServer.CloseWebSockets()

	if err := s.dispatcher.Stop(); err != nil {
		slog.Error("Dispatcher shutdown failed", log.Error(err))
	}
	if err := s.queue.Stop(ctx); err != nil {
		slog.Error("Queue shutdown failed", log.Error(err))
	}
	if err := s.locker.Shutdown(ctx); err != nil {
		slog.Error("Lock release failed", log.Error(err))
	}

	s.cancel()
	s.hub.Close()
	s.closeStores()

	slog.Info("Server exited")
}

func (s *switchyard) closeStores() {
	if s.deadLetters != nil {
		if err := s.deadLetters.Close(); err != nil {
			slog.Error("Dead letter store close failed", log.Error(err))
		}
	}
	if s.state != nil {
		if err := s.state.Close(); err != nil {
			slog.Error("State store close failed", log.Error(err))
		}
	}
	for _, client := range s.redis {
		_ = client.Close()
	}
	s.cancel()
}
