package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/util"
)

type (
	// Config holds configuration settings for the step runtime
	Config struct {
		// API Server
		APIHost  string
		APIPort  int
		LogLevel string
		Env      string

		// Identity & Registry
		InstanceID   string
		ManifestPath string

		// Stores
		State      StateConfig
		Lock       LockConfig
		DeadLetter DeadLetterConfig

		// Queue defaults, overridden per subscription
		Queue api.QueueConfig

		// Workers
		RPC RPCConfig

		// Engine
		StepTimeout     int64
		MaxStateDepth   int
		ShutdownTimeout time.Duration
	}

	// RedisConfig addresses one Redis database and key prefix
	RedisConfig struct {
		Addr     string
		Password string
		Prefix   string
		DB       int
	}

	// StateConfig selects and configures the state store backend
	StateConfig struct {
		Backend    string
		SQLitePath string
		Redis      RedisConfig
	}

	// LockConfig selects the lock backend and cron lock behavior
	LockConfig struct {
		Backend       string
		SQLitePath    string
		Redis         RedisConfig
		TTL           int64
		RetryDelay    int64
		RetryAttempts int
	}

	// DeadLetterConfig selects where exhausted events are kept
	DeadLetterConfig struct {
		Backend    string
		ArchiveURL string
		Redis      RedisConfig
	}

	// RPCConfig controls how worker processes are spawned and spoken to
	RPCConfig struct {
		Transport        string
		TempDir          string
		SpawnTimeout     int64
		PayloadThreshold int64
	}
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"

	TransportAuto   = "auto"
	TransportNative = "native"
	TransportStdio  = "stdio"
)

const (
	DefaultStepTimeout     = 30 * api.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxStateDepth   = 16

	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535
	DefaultRedisDB = 0

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "switchyard"
	DefaultSQLitePath    = "switchyard.db"

	DefaultLockTTL           = 5 * api.Minute
	DefaultLockRetryAttempts = 0
	DefaultLockRetryDelay    = api.Second

	DefaultQueueConcurrency   = 10
	DefaultQueueMaxRetries    = 3
	DefaultVisibilityTimeout  = 30 * api.Second
	DefaultRetryInitBackoff   = api.Second
	DefaultMaxRetryBackoff    = api.Minute
	DefaultRetryBackoffType   = api.BackoffTypeExponential
	DefaultSpawnTimeout       = 10 * api.Second
	DefaultPayloadThreshold   = 1 << 20
	DefaultTempDirName        = "switchyard"
	MaxQueueConcurrency       = 10_000
	MaxQueueRetries           = 1000
	MaxStepTimeout            = 365 * api.Day
	MaxRetryInitBackoff       = api.Day
	MaxRetryMaxBackoff        = MaxRetryInitBackoff
	MaxLockTTL                = api.Day
	MaxLockRetryAttempts      = 100
	MaxSpawnTimeout           = 10 * api.Minute
	MaxPayloadThreshold       = 1 << 30
	MaxStateDepth             = 1024
	MaxVisibilityTimeout      = 12 * api.Hour
	defaultInstanceIDTemplate = "switchyard-%s"
)

var (
	ErrInvalidAPIPort          = errors.New("invalid API port")
	ErrInvalidStepTimeout      = errors.New("step timeout must be positive")
	ErrInvalidBackend          = errors.New("invalid store backend")
	ErrInvalidTransport        = errors.New("invalid rpc transport")
	ErrInvalidLockTTL          = errors.New("lock ttl must be positive")
	ErrInvalidConcurrency      = errors.New("queue concurrency must be positive")
	ErrInvalidMaxRetries       = errors.New("queue max retries cannot be negative")
	ErrInvalidVisibility       = errors.New("visibility timeout must be positive")
	ErrInvalidRetryInitBackoff = errors.New(
		"retry initial backoff must be positive",
	)
	ErrInvalidRetryMaxBackoff = errors.New(
		"retry max backoff must be positive",
	)
	ErrRetryMaxBackoffTooSmall = errors.New(
		"retry max backoff must be >= retry initial backoff",
	)
	ErrInvalidRetryBackoffType = errors.New("invalid retry backoff type")
	ErrInvalidSpawnTimeout     = errors.New("spawn timeout must be positive")
	ErrInvalidThreshold        = errors.New("payload threshold must be positive")
	ErrInvalidStateDepth       = errors.New("max state depth must be positive")
	ErrInstanceIDEmpty         = errors.New("instance id empty")
)

var (
	stateBackends = util.SetOf(BackendMemory, BackendRedis, BackendSQLite)
	dlqBackends   = util.SetOf(BackendMemory, BackendRedis)
	transports    = util.SetOf(TransportAuto, TransportNative, TransportStdio)
)

// NewDefaultConfig creates a configuration with sensible defaults for all
// runtime settings, stores, and retry behavior
func NewDefaultConfig() *Config {
	redis := RedisConfig{
		Addr:   DefaultRedisEndpoint,
		DB:     DefaultRedisDB,
		Prefix: DefaultRedisPrefix,
	}
	return &Config{
		APIPort:    DefaultAPIPort,
		APIHost:    DefaultAPIHost,
		LogLevel:   "info",
		Env:        "dev",
		InstanceID: fmt.Sprintf(defaultInstanceIDTemplate, uuid.NewString()),
		State: StateConfig{
			Backend:    BackendMemory,
			SQLitePath: DefaultSQLitePath,
			Redis:      redis,
		},
		Lock: LockConfig{
			Backend:       BackendMemory,
			SQLitePath:    DefaultSQLitePath,
			Redis:         redis,
			TTL:           DefaultLockTTL,
			RetryAttempts: DefaultLockRetryAttempts,
			RetryDelay:    DefaultLockRetryDelay,
		},
		DeadLetter: DeadLetterConfig{
			Backend: BackendMemory,
			Redis:   redis,
		},
		Queue: api.QueueConfig{
			Type:                api.QueueStandard,
			Concurrency:         DefaultQueueConcurrency,
			MaxRetries:          DefaultQueueMaxRetries,
			VisibilityTimeoutMs: DefaultVisibilityTimeout,
			InitBackoffMs:       DefaultRetryInitBackoff,
			MaxBackoffMs:        DefaultMaxRetryBackoff,
			BackoffType:         DefaultRetryBackoffType,
		},
		RPC: RPCConfig{
			Transport:        TransportAuto,
			TempDir:          DefaultTempDirName,
			SpawnTimeout:     DefaultSpawnTimeout,
			PayloadThreshold: DefaultPayloadThreshold,
		},
		StepTimeout:     DefaultStepTimeout,
		MaxStateDepth:   DefaultMaxStateDepth,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed.
func (c *Config) LoadFromEnv() error {
	loadEnvString("API_HOST", &c.APIHost)
	loadEnvString("LOG_LEVEL", &c.LogLevel)
	loadEnvString("ENV", &c.Env)
	loadEnvString("INSTANCE_ID", &c.InstanceID)
	loadEnvString("STEP_MANIFEST", &c.ManifestPath)
	loadEnvString("STATE_BACKEND", &c.State.Backend)
	loadEnvString("STATE_SQLITE_PATH", &c.State.SQLitePath)
	loadEnvString("LOCK_BACKEND", &c.Lock.Backend)
	loadEnvString("LOCK_SQLITE_PATH", &c.Lock.SQLitePath)
	loadEnvString("DLQ_BACKEND", &c.DeadLetter.Backend)
	loadEnvString("DLQ_ARCHIVE_URL", &c.DeadLetter.ArchiveURL)
	loadEnvString("QUEUE_BACKOFF_TYPE", &c.Queue.BackoffType)
	loadEnvString("RPC_TRANSPORT", &c.RPC.Transport)
	loadEnvString("RPC_TEMP_DIR", &c.RPC.TempDir)

	LoadRedisConfigFromEnv(&c.State.Redis, "STATE")
	LoadRedisConfigFromEnv(&c.Lock.Redis, "LOCK")
	LoadRedisConfigFromEnv(&c.DeadLetter.Redis, "DLQ")

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt(
		"STEP_TIMEOUT", &c.StepTimeout, 0, MaxStepTimeout,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"MAX_STATE_TRIGGER_DEPTH", &c.MaxStateDepth, 0, MaxStateDepth,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CRON_LOCK_TTL", &c.Lock.TTL, 0, MaxLockTTL,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CRON_LOCK_RETRY_ATTEMPTS", &c.Lock.RetryAttempts,
		-1, MaxLockRetryAttempts,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CRON_LOCK_RETRY_DELAY", &c.Lock.RetryDelay, 0, MaxRetryInitBackoff,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"QUEUE_CONCURRENCY", &c.Queue.Concurrency, 0, MaxQueueConcurrency,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"QUEUE_MAX_RETRIES", &c.Queue.MaxRetries, -1, MaxQueueRetries,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"QUEUE_VISIBILITY_TIMEOUT", &c.Queue.VisibilityTimeoutMs,
		0, MaxVisibilityTimeout,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"QUEUE_INITIAL_BACKOFF", &c.Queue.InitBackoffMs,
		0, MaxRetryInitBackoff,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"QUEUE_MAX_BACKOFF", &c.Queue.MaxBackoffMs, 0, MaxRetryMaxBackoff,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"WORKER_SPAWN_TIMEOUT", &c.RPC.SpawnTimeout, 0, MaxSpawnTimeout,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"RPC_PAYLOAD_THRESHOLD", &c.RPC.PayloadThreshold,
		0, MaxPayloadThreshold,
	); err != nil {
		return err
	}

	return nil
}

// QueueSettings returns the effective settings of a subscription: fields
// left at zero in override are filled in from the configured defaults
func (c *Config) QueueSettings(override *api.QueueConfig) api.QueueConfig {
	res := c.Queue
	if override == nil {
		return res
	}
	if override.Type != "" {
		res.Type = override.Type
	}
	if override.MessageGroupField != "" {
		res.MessageGroupField = override.MessageGroupField
	}
	if override.ConsumerGroup != "" {
		res.ConsumerGroup = override.ConsumerGroup
	}
	if override.BackoffType != "" {
		res.BackoffType = override.BackoffType
	}
	if override.Concurrency > 0 {
		res.Concurrency = override.Concurrency
	}
	if override.MaxRetries != 0 {
		res.MaxRetries = override.MaxRetries
	}
	if override.VisibilityTimeoutMs > 0 {
		res.VisibilityTimeoutMs = override.VisibilityTimeoutMs
	}
	if override.DelayMs > 0 {
		res.DelayMs = override.DelayMs
	}
	if override.InitBackoffMs > 0 {
		res.InitBackoffMs = override.InitBackoffMs
	}
	if override.MaxBackoffMs > 0 {
		res.MaxBackoffMs = override.MaxBackoffMs
	}
	if res.MaxBackoffMs < res.InitBackoffMs {
		res.MaxBackoffMs = res.InitBackoffMs
	}
	return res
}

// TempPath returns the directory large RPC payloads are spilled to
func (c *Config) TempPath() string {
	return TempPath(c.RPC.TempDir)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}
	if c.StepTimeout <= 0 {
		return ErrInvalidStepTimeout
	}
	if c.InstanceID == "" {
		return ErrInstanceIDEmpty
	}
	if c.MaxStateDepth <= 0 {
		return ErrInvalidStateDepth
	}
	if !stateBackends.Contains(c.State.Backend) {
		return fmt.Errorf("%w: state %s", ErrInvalidBackend, c.State.Backend)
	}
	if !stateBackends.Contains(c.Lock.Backend) {
		return fmt.Errorf("%w: lock %s", ErrInvalidBackend, c.Lock.Backend)
	}
	if !dlqBackends.Contains(c.DeadLetter.Backend) {
		return fmt.Errorf("%w: dead letter %s",
			ErrInvalidBackend, c.DeadLetter.Backend)
	}
	if c.Lock.TTL <= 0 {
		return ErrInvalidLockTTL
	}
	if !transports.Contains(c.RPC.Transport) {
		return fmt.Errorf("%w: %s", ErrInvalidTransport, c.RPC.Transport)
	}
	if c.RPC.SpawnTimeout <= 0 {
		return ErrInvalidSpawnTimeout
	}
	if c.RPC.PayloadThreshold <= 0 {
		return ErrInvalidThreshold
	}
	return c.validateQueue()
}

func (c *Config) validateQueue() error {
	q := &c.Queue
	if q.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if q.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if q.VisibilityTimeoutMs <= 0 {
		return ErrInvalidVisibility
	}
	if q.InitBackoffMs <= 0 {
		return ErrInvalidRetryInitBackoff
	}
	if q.MaxBackoffMs <= 0 {
		return ErrInvalidRetryMaxBackoff
	}
	if q.MaxBackoffMs < q.InitBackoffMs {
		return ErrRetryMaxBackoffTooSmall
	}
	if !api.IsValidBackoffType(q.BackoffType) {
		return fmt.Errorf("%w: %s", ErrInvalidRetryBackoffType, q.BackoffType)
	}
	return nil
}

// TempPath resolves a temp directory name under the system temp root.
// Absolute paths are returned unchanged
func TempPath(dir string) string {
	if dir == "" {
		dir = DefaultTempDirName
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(os.TempDir(), dir)
}

// LoadRedisConfigFromEnv loads Redis configuration from environment
// variables with the given prefix (e.g., "STATE" or "LOCK")
func LoadRedisConfigFromEnv(r *RedisConfig, prefix string) {
	loadEnvString(prefix+"_REDIS_ADDR", &r.Addr)
	loadEnvString(prefix+"_REDIS_PASSWORD", &r.Password)
	loadEnvString(prefix+"_REDIS_PREFIX", &r.Prefix)
	if dbStr := os.Getenv(prefix + "_REDIS_DB"); dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err == nil {
			r.DB = db
		}
	}
}

func loadEnvString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max). Returns an error if
// the value cannot be parsed or falls outside the valid range.
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, tv, min+1, max)
	}
	*dst = tv
	return nil
}
