package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Duration is a time.Duration that reads "30s" style strings from
// settings.json. Bare numbers are taken as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds: %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds all weave server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath string `json:"db_path"`

	QueueBackend  string `json:"queue_backend"` // redis | memory
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	PoolSize         int      `json:"pool_size"`
	GroupConcurrency int      `json:"group_concurrency"`
	LockDuration     Duration `json:"lock_duration"`
	LockRenewTime    Duration `json:"lock_renew_time"`
	MaxAttempts      int      `json:"max_attempts"`

	SchedulerInterval         Duration `json:"scheduler_interval"`
	SchedulerRegion           string   `json:"scheduler_region"`
	SchedulerClaimLimit       int      `json:"scheduler_claim_limit"`
	PollingMaxIntervalSeconds int      `json:"polling_max_interval_seconds"`
	DedupeTTL                 Duration `json:"dedupe_ttl"`

	ResumeTokenSecret string   `json:"resume_token_secret"`
	ResumeTokenTTL    Duration `json:"resume_token_ttl"`
	// CallbackNotifyURL receives resume tokens of parked nodes that name no
	// notify_url of their own.
	CallbackNotifyURL string   `json:"callback_notify_url"`
	SandboxTimeout    Duration `json:"sandbox_timeout"`

	QuotaMaxConcurrent int      `json:"quota_max_concurrent"`
	QuotaMaxTasks      int      `json:"quota_max_tasks"`
	QuotaTaskWindow    Duration `json:"quota_task_window"`
	QuotaRatePerSecond float64  `json:"quota_rate_per_second"`
	QuotaBurst         int      `json:"quota_burst"`

	VaultMasterKey string `json:"vault_master_key"`
	VaultSalt      string `json:"vault_salt"`
	MetricsAddr    string `json:"metrics_addr"`
}

func defaultConfig() Config {
	return Config{
		DBPath:                    filepath.Join(weaveDir(), "weave.db"),
		QueueBackend:              "memory",
		RedisAddr:                 "localhost:6379",
		LogLevel:                  "info",
		LogFormat:                 "json",
		PoolSize:                  8,
		GroupConcurrency:          4,
		LockDuration:              Duration(30 * time.Second),
		LockRenewTime:             Duration(15 * time.Second),
		MaxAttempts:               3,
		SchedulerInterval:         Duration(time.Minute),
		SchedulerRegion:           "default",
		SchedulerClaimLimit:       100,
		PollingMaxIntervalSeconds: 3600,
		DedupeTTL:                 Duration(7 * 24 * time.Hour),
		ResumeTokenTTL:            Duration(24 * time.Hour),
		SandboxTimeout:            Duration(10 * time.Second),
		QuotaTaskWindow:           Duration(time.Hour),
		VaultSalt:                 "weave-vault",
		MetricsAddr:               ":9464",
	}
}

func weaveDir() string {
	if v := os.Getenv("WEAVE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weave"
	}
	return filepath.Join(home, ".weave")
}

func settingsPath() string {
	return filepath.Join(weaveDir(), "settings.json")
}

// loadConfig layers settings.json and WEAVE_* env vars over the defaults.
// path overrides the settings file location when non-empty.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// applyEnv overrides cfg from WEAVE_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = Duration(d)
		}
	}

	str("WEAVE_DB_PATH", &cfg.DBPath)
	str("WEAVE_QUEUE_BACKEND", &cfg.QueueBackend)
	str("WEAVE_REDIS_ADDR", &cfg.RedisAddr)
	str("WEAVE_REDIS_PASSWORD", &cfg.RedisPassword)
	integer("WEAVE_REDIS_DB", &cfg.RedisDB)
	str("WEAVE_LOG_LEVEL", &cfg.LogLevel)
	str("WEAVE_LOG_FORMAT", &cfg.LogFormat)
	integer("WEAVE_POOL_SIZE", &cfg.PoolSize)
	integer("WEAVE_GROUP_CONCURRENCY", &cfg.GroupConcurrency)
	duration("WEAVE_LOCK_DURATION", &cfg.LockDuration)
	duration("WEAVE_LOCK_RENEW_TIME", &cfg.LockRenewTime)
	integer("WEAVE_MAX_ATTEMPTS", &cfg.MaxAttempts)
	duration("WEAVE_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	str("WEAVE_SCHEDULER_REGION", &cfg.SchedulerRegion)
	integer("WEAVE_SCHEDULER_CLAIM_LIMIT", &cfg.SchedulerClaimLimit)
	integer("WEAVE_POLLING_MAX_INTERVAL_SECONDS", &cfg.PollingMaxIntervalSeconds)
	duration("WEAVE_DEDUPE_TTL", &cfg.DedupeTTL)
	str("WEAVE_RESUME_TOKEN_SECRET", &cfg.ResumeTokenSecret)
	duration("WEAVE_RESUME_TOKEN_TTL", &cfg.ResumeTokenTTL)
	str("WEAVE_CALLBACK_NOTIFY_URL", &cfg.CallbackNotifyURL)
	duration("WEAVE_SANDBOX_TIMEOUT", &cfg.SandboxTimeout)
	integer("WEAVE_QUOTA_MAX_CONCURRENT", &cfg.QuotaMaxConcurrent)
	integer("WEAVE_QUOTA_MAX_TASKS", &cfg.QuotaMaxTasks)
	duration("WEAVE_QUOTA_TASK_WINDOW", &cfg.QuotaTaskWindow)
	float("WEAVE_QUOTA_RATE_PER_SECOND", &cfg.QuotaRatePerSecond)
	integer("WEAVE_QUOTA_BURST", &cfg.QuotaBurst)
	str("WEAVE_VAULT_MASTER_KEY", &cfg.VaultMasterKey)
	str("WEAVE_VAULT_SALT", &cfg.VaultSalt)
	str("WEAVE_METRICS_ADDR", &cfg.MetricsAddr)

	return firstErr
}

func (c Config) validate() error {
	switch c.QueueBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("queue_backend must be redis or memory, got %q", c.QueueBackend)
	}
	if c.LockRenewTime >= c.LockDuration {
		return fmt.Errorf("lock_renew_time (%s) must be shorter than lock_duration (%s)",
			c.LockRenewTime.D(), c.LockDuration.D())
	}
	if c.SchedulerInterval.D() < time.Second {
		return fmt.Errorf("scheduler_interval must be at least 1s, got %s", c.SchedulerInterval.D())
	}
	return nil
}

// resumeSecret is the resume token signing key. serve refuses to start
// without one.
func (c Config) resumeSecret() ([]byte, error) {
	if len(c.ResumeTokenSecret) < 16 {
		return nil, fmt.Errorf("resume_token_secret must be at least 16 bytes (set WEAVE_RESUME_TOKEN_SECRET)")
	}
	return []byte(c.ResumeTokenSecret), nil
}
