// Package config loads and validates the service's configuration.
// Env-var-first, per spec.md §6 (an optional config.toml is still
// supported, exactly as the teacher's loader did). Each key is read from
// the environment variable with the key's name in upper case, unit
// suffix included (ytdlp_timeout_ms from YTDLP_TIMEOUT_MS,
// ytdlp_max_buffer_mb from YTDLP_MAX_BUFFER_MB); the unsuffixed names
// YTDLP_TIMEOUT, YTDLP_MAX_BUFFER, TASK_BUFFER, WORKER_IDLE and
// SHUTDOWN_GRACE are not read.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	Port     int    `mapstructure:"port"`
	NodeEnv  string `mapstructure:"node_env"`

	RequireAuth bool   `mapstructure:"require_auth"`
	APIKey      string `mapstructure:"api_key"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	RedisEnabled  bool   `mapstructure:"redis_enabled"`
	RedisURL      string `mapstructure:"redis_url"`
	RedisPassword string `mapstructure:"redis_password"`

	RateLimitWindowMs      int `mapstructure:"rate_limit_window_ms"`
	RateLimitMaxRequests   int `mapstructure:"rate_limit_max_requests"`

	MinWorkers int `mapstructure:"min_workers"`
	MaxWorkers int `mapstructure:"max_workers"`

	YtdlpTimeoutMs    int    `mapstructure:"ytdlp_timeout_ms"`
	YtdlpMaxBufferMB  int    `mapstructure:"ytdlp_max_buffer_mb"`
	YtdlpPath         string `mapstructure:"ytdlp_path"`

	TaskBufferMs      int `mapstructure:"task_buffer_ms"`
	WorkerIdleMs      int `mapstructure:"worker_idle_ms"`
	ShutdownGraceMs   int `mapstructure:"shutdown_grace_ms"`
	MaxTasksPerWorker int `mapstructure:"max_tasks_per_worker"`

	CircuitFailureThreshold int `mapstructure:"circuit_failure_threshold"`
	CircuitSuccessThreshold int `mapstructure:"circuit_success_threshold"`
	CircuitTimeoutMs        int `mapstructure:"circuit_timeout_ms"`
	CircuitVolumeThreshold  int `mapstructure:"circuit_volume_threshold"`
}

// YtdlpTimeout, WorkerIdle, ShutdownGrace, TaskBuffer are exposed as
// time.Duration for call sites that want them directly.
func (c *Config) YtdlpTimeout() time.Duration  { return time.Duration(c.YtdlpTimeoutMs) * time.Millisecond }
func (c *Config) TaskBuffer() time.Duration    { return time.Duration(c.TaskBufferMs) * time.Millisecond }
func (c *Config) TaskTimeout() time.Duration   { return c.YtdlpTimeout() + c.TaskBuffer() }
func (c *Config) WorkerIdle() time.Duration    { return time.Duration(c.WorkerIdleMs) * time.Millisecond }
func (c *Config) ShutdownGrace() time.Duration { return time.Duration(c.ShutdownGraceMs) * time.Millisecond }
func (c *Config) CircuitTimeout() time.Duration {
	return time.Duration(c.CircuitTimeoutMs) * time.Millisecond
}

// Load reads configuration from environment variables (optionally
// overlaid on a config.toml, when present), applies defaults, and
// validates the startup-critical fields per spec.md §4.5 step 1.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	viper.SetDefault("node_env", "dev")
	viper.SetDefault("require_auth", false)
	viper.SetDefault("api_key", "")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("redis_enabled", false)
	viper.SetDefault("redis_url", "localhost:6379")
	viper.SetDefault("redis_password", "")
	viper.SetDefault("rate_limit_window_ms", 60_000)
	viper.SetDefault("rate_limit_max_requests", 10)
	viper.SetDefault("min_workers", 2)
	viper.SetDefault("max_workers", 8)
	viper.SetDefault("ytdlp_timeout_ms", 30_000)
	viper.SetDefault("ytdlp_max_buffer_mb", 10)
	viper.SetDefault("ytdlp_path", "")
	viper.SetDefault("task_buffer_ms", 5_000)
	viper.SetDefault("worker_idle_ms", 60_000)
	viper.SetDefault("shutdown_grace_ms", 10_000)
	viper.SetDefault("max_tasks_per_worker", 500)
	viper.SetDefault("circuit_failure_threshold", 5)
	viper.SetDefault("circuit_success_threshold", 2)
	viper.SetDefault("circuit_timeout_ms", 60_000)
	viper.SetDefault("circuit_volume_threshold", 10)

	// A config file is optional here, unlike the teacher's collector
	// target, since every field above has a workable default.
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.logSummary()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RequireAuth && len(c.APIKey) < 16 {
		return fmt.Errorf("require_auth is true but api_key is missing or shorter than 16 characters")
	}

	switch strings.ToLower(c.NodeEnv) {
	case "dev", "development", "staging", "prod", "production", "test":
		// ok
	case "":
		c.NodeEnv = "dev"
	default:
		log.Printf("WARN:  unknown node_env=%q, defaulting to 'dev'", c.NodeEnv)
		c.NodeEnv = "dev"
	}

	if c.MinWorkers <= 0 {
		log.Printf("WARN:  min_workers <= 0 (%d), defaulting to 2", c.MinWorkers)
		c.MinWorkers = 2
	}
	if c.MaxWorkers < c.MinWorkers {
		log.Printf("WARN:  max_workers (%d) < min_workers (%d), raising max_workers to match", c.MaxWorkers, c.MinWorkers)
		c.MaxWorkers = c.MinWorkers
	}

	if c.RedisEnabled && c.RedisURL == "" {
		return fmt.Errorf("redis_enabled is true but redis_url is empty")
	}

	return nil
}

func (c *Config) logSummary() {
	log.Printf("INFO:  configuration loaded")
	log.Printf("INFO:    port: %d", c.Port)
	log.Printf("INFO:    node_env: %s", c.NodeEnv)
	log.Printf("INFO:    require_auth: %v", c.RequireAuth)
	log.Printf("INFO:    allowed_origins: %v", c.AllowedOrigins)
	log.Printf("INFO:    redis_enabled: %v", c.RedisEnabled)
	log.Printf("INFO:    rate_limit: %d req / %dms", c.RateLimitMaxRequests, c.RateLimitWindowMs)
	log.Printf("INFO:    workers: [%d, %d], max_tasks_per_worker: %d", c.MinWorkers, c.MaxWorkers, c.MaxTasksPerWorker)
	log.Printf("INFO:    ytdlp_timeout_ms: %d, task_buffer_ms: %d", c.YtdlpTimeoutMs, c.TaskBufferMs)
	log.Printf("INFO:    circuit: failures=%d successes=%d timeout_ms=%d volume=%d",
		c.CircuitFailureThreshold, c.CircuitSuccessThreshold, c.CircuitTimeoutMs, c.CircuitVolumeThreshold)
}
