package config_test

import (
	"os"
	"path/filepath"
	"testing"

	testify "github.com/stretchr/testify/assert"

	"github.com/kode4food/switchyard/internal/assert"
	"github.com/kode4food/switchyard/internal/config"
	"github.com/kode4food/switchyard/pkg/api"
)

func TestConfigValidation(t *testing.T) {
	as := assert.New(t)

	t.Run("valid_default_config", func(t *testing.T) {
		as.ConfigValid(config.NewDefaultConfig())
	})

	tests := []struct {
		name          string
		configMod     func(*config.Config)
		errorContains string
	}{
		{
			name:          "invalid_api_port_zero",
			configMod:     func(c *config.Config) { c.APIPort = 0 },
			errorContains: "invalid API port",
		},
		{
			name:          "invalid_api_port_too_high",
			configMod:     func(c *config.Config) { c.APIPort = 70000 },
			errorContains: "invalid API port",
		},
		{
			name:          "zero_step_timeout",
			configMod:     func(c *config.Config) { c.StepTimeout = 0 },
			errorContains: "step timeout must be positive",
		},
		{
			name:          "empty_instance_id",
			configMod:     func(c *config.Config) { c.InstanceID = "" },
			errorContains: "instance id empty",
		},
		{
			name:          "bad_state_backend",
			configMod:     func(c *config.Config) { c.State.Backend = "etcd" },
			errorContains: "invalid store backend",
		},
		{
			name:          "bad_lock_backend",
			configMod:     func(c *config.Config) { c.Lock.Backend = "zk" },
			errorContains: "invalid store backend",
		},
		{
			name: "sqlite_dead_letters_unsupported",
			configMod: func(c *config.Config) {
				c.DeadLetter.Backend = config.BackendSQLite
			},
			errorContains: "invalid store backend",
		},
		{
			name:          "zero_lock_ttl",
			configMod:     func(c *config.Config) { c.Lock.TTL = 0 },
			errorContains: "lock ttl must be positive",
		},
		{
			name:          "bad_transport",
			configMod:     func(c *config.Config) { c.RPC.Transport = "pigeon" },
			errorContains: "invalid rpc transport",
		},
		{
			name:          "zero_spawn_timeout",
			configMod:     func(c *config.Config) { c.RPC.SpawnTimeout = 0 },
			errorContains: "spawn timeout must be positive",
		},
		{
			name:          "zero_threshold",
			configMod:     func(c *config.Config) { c.RPC.PayloadThreshold = 0 },
			errorContains: "payload threshold must be positive",
		},
		{
			name:          "zero_concurrency",
			configMod:     func(c *config.Config) { c.Queue.Concurrency = 0 },
			errorContains: "queue concurrency must be positive",
		},
		{
			name:          "negative_retries",
			configMod:     func(c *config.Config) { c.Queue.MaxRetries = -1 },
			errorContains: "queue max retries cannot be negative",
		},
		{
			name: "max_backoff_too_small",
			configMod: func(c *config.Config) {
				c.Queue.InitBackoffMs = 5000
				c.Queue.MaxBackoffMs = 1000
			},
			errorContains: "retry max backoff must be >= retry initial backoff",
		},
		{
			name:          "bad_backoff_type",
			configMod:     func(c *config.Config) { c.Queue.BackoffType = "x" },
			errorContains: "invalid retry backoff type",
		},
		{
			name:          "zero_state_depth",
			configMod:     func(c *config.Config) { c.MaxStateDepth = 0 },
			errorContains: "max state depth must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tt.configMod(cfg)
			assert.New(t).ConfigInvalid(cfg, tt.errorContains)
		})
	}
}

func TestDefaultConfigValues(t *testing.T) {
	as := assert.New(t)

	cfg := config.NewDefaultConfig()

	as.Equal(config.DefaultAPIPort, cfg.APIPort)
	as.Equal("0.0.0.0", cfg.APIHost)
	as.Equal(config.DefaultStepTimeout, cfg.StepTimeout)
	as.Equal(config.DefaultShutdownTimeout, cfg.ShutdownTimeout)
	as.Equal("info", cfg.LogLevel)
	as.Equal(int64(300000), cfg.Lock.TTL)
	as.Equal(int64(1<<20), cfg.RPC.PayloadThreshold)
	as.Equal(config.BackendMemory, cfg.State.Backend)
	as.Contains(cfg.InstanceID, "switchyard-")
	as.NotEqual(cfg.InstanceID, config.NewDefaultConfig().InstanceID)
}

func TestQueueSettings(t *testing.T) {
	cfg := config.NewDefaultConfig()

	res := cfg.QueueSettings(nil)
	testify.Equal(t, cfg.Queue, res)

	res = cfg.QueueSettings(&api.QueueConfig{
		Type:          api.QueueFIFO,
		Concurrency:   4,
		MaxRetries:    api.NoRetries,
		InitBackoffMs: 120000,
	})
	testify.Equal(t, api.QueueFIFO, res.Type)
	testify.Equal(t, 4, res.Concurrency)
	testify.Equal(t, api.NoRetries, res.MaxRetries)
	testify.Equal(t, int64(120000), res.InitBackoffMs)
	testify.Equal(t, int64(120000), res.MaxBackoffMs)
	testify.Equal(t, cfg.Queue.VisibilityTimeoutMs, res.VisibilityTimeoutMs)
}

func TestTempPath(t *testing.T) {
	testify.Equal(t,
		filepath.Join(os.TempDir(), "switchyard"), config.TempPath(""),
	)
	testify.Equal(t, "/var/spool/x", config.TempPath("/var/spool/x"))
	cfg := config.NewDefaultConfig()
	testify.Equal(t, config.TempPath("switchyard"), cfg.TempPath())
}

func TestRedisLoadFromEnv(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis.example.com:6379")
	t.Setenv("TEST_REDIS_PASSWORD", "secret123")
	t.Setenv("TEST_REDIS_DB", "5")
	t.Setenv("TEST_REDIS_PREFIX", "custom-prefix")
	t.Setenv("BAD_REDIS_DB", "not_a_number")

	r := &config.RedisConfig{}
	config.LoadRedisConfigFromEnv(r, "TEST")
	testify.Equal(t, "redis.example.com:6379", r.Addr)
	testify.Equal(t, "secret123", r.Password)
	testify.Equal(t, 5, r.DB)
	testify.Equal(t, "custom-prefix", r.Prefix)

	bad := &config.RedisConfig{DB: 2}
	config.LoadRedisConfigFromEnv(bad, "BAD")
	testify.Equal(t, 2, bad.DB)
}

func TestConfigLoadFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(*testing.T, *config.Config)
		wantErr bool
	}{
		{
			name:    "load_api_port",
			envVars: map[string]string{"API_PORT": "9090"},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, 9090, c.APIPort)
			},
		},
		{
			name: "load_backends",
			envVars: map[string]string{
				"STATE_BACKEND":      "redis",
				"LOCK_BACKEND":       "sqlite",
				"LOCK_SQLITE_PATH":   "/tmp/locks.db",
				"DLQ_BACKEND":        "redis",
				"DLQ_ARCHIVE_URL":    "mem://dlq",
				"STATE_REDIS_ADDR":   "state:6379",
				"STEP_MANIFEST":      "steps.yaml",
				"INSTANCE_ID":        "node-a",
				"RPC_TRANSPORT":      "stdio",
				"QUEUE_BACKOFF_TYPE": "linear",
			},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, "redis", c.State.Backend)
				testify.Equal(t, "sqlite", c.Lock.Backend)
				testify.Equal(t, "/tmp/locks.db", c.Lock.SQLitePath)
				testify.Equal(t, "redis", c.DeadLetter.Backend)
				testify.Equal(t, "mem://dlq", c.DeadLetter.ArchiveURL)
				testify.Equal(t, "state:6379", c.State.Redis.Addr)
				testify.Equal(t, "steps.yaml", c.ManifestPath)
				testify.Equal(t, "node-a", c.InstanceID)
				testify.Equal(t, "stdio", c.RPC.Transport)
				testify.Equal(t, "linear", c.Queue.BackoffType)
			},
		},
		{
			name: "load_lock_settings",
			envVars: map[string]string{
				"CRON_LOCK_TTL":            "60000",
				"CRON_LOCK_RETRY_ATTEMPTS": "0",
				"CRON_LOCK_RETRY_DELAY":    "250",
			},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, int64(60000), c.Lock.TTL)
				testify.Equal(t, 0, c.Lock.RetryAttempts)
				testify.Equal(t, int64(250), c.Lock.RetryDelay)
			},
		},
		{
			name: "load_queue_settings",
			envVars: map[string]string{
				"QUEUE_CONCURRENCY":        "4",
				"QUEUE_MAX_RETRIES":        "0",
				"QUEUE_VISIBILITY_TIMEOUT": "1000",
				"QUEUE_INITIAL_BACKOFF":    "10",
				"QUEUE_MAX_BACKOFF":        "20",
			},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, 4, c.Queue.Concurrency)
				testify.Equal(t, 0, c.Queue.MaxRetries)
				testify.Equal(t, int64(1000), c.Queue.VisibilityTimeoutMs)
				testify.Equal(t, int64(10), c.Queue.InitBackoffMs)
				testify.Equal(t, int64(20), c.Queue.MaxBackoffMs)
			},
		},
		{
			name: "load_rpc_settings",
			envVars: map[string]string{
				"WORKER_SPAWN_TIMEOUT":  "500",
				"RPC_PAYLOAD_THRESHOLD": "2048",
			},
			check: func(t *testing.T, c *config.Config) {
				testify.Equal(t, int64(500), c.RPC.SpawnTimeout)
				testify.Equal(t, int64(2048), c.RPC.PayloadThreshold)
			},
		},
		{
			name:    "invalid_api_port",
			envVars: map[string]string{"API_PORT": "not_a_number"},
			wantErr: true,
		},
		{
			name:    "zero_concurrency_rejected",
			envVars: map[string]string{"QUEUE_CONCURRENCY": "0"},
			wantErr: true,
		},
		{
			name:    "lock_ttl_out_of_range",
			envVars: map[string]string{"CRON_LOCK_TTL": "-5"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg := config.NewDefaultConfig()
			err := cfg.LoadFromEnv()
			if tt.wantErr {
				testify.Error(t, err)
				return
			}
			testify.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}
