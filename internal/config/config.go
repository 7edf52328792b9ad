package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"ratequeue/internal/consumer"
	"ratequeue/internal/kafka"
	"ratequeue/internal/logging"
	"ratequeue/internal/postgres"
	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimit"
	"ratequeue/internal/retry"
	"ratequeue/internal/supervisor"
)

const DefaultPath = "config/config.yaml"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Queue      QueueConfig      `yaml:"queue"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	TaskLog    TaskLogConfig    `yaml:"task_log"`
	Log        logging.Config   `yaml:"log"`
	Kafka      kafka.Config     `yaml:"kafka"`
	Postgres   postgres.Config  `yaml:"postgres"`
	WorkerID   string           `yaml:"worker_id"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

type RateLimitConfig struct {
	Prefix    string              `yaml:"prefix"`
	Windows   []ratelimit.Window  `yaml:"windows"`
	Selection ratelimit.Selection `yaml:"selection"`
	Timeout   time.Duration       `yaml:"timeout"`
}

type QueueConfig struct {
	Name         string        `yaml:"name"`
	MaxAttempts  int64         `yaml:"max_attempts"`
	Backoff      retry.Policy  `yaml:"backoff"`
	Lease        time.Duration `yaml:"lease"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
	ReclaimBatch int           `yaml:"reclaim_batch"`
}

type ReaperConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Embedded runs a reaper inside every worker process.
	Embedded *bool `yaml:"embedded"`
}

func (r ReaperConfig) RunEmbedded() bool {
	return r.Embedded == nil || *r.Embedded
}

type SupervisorConfig struct {
	Workers      int           `yaml:"workers"`
	RestartDelay time.Duration `yaml:"restart_delay"`
	WorkerBinary string        `yaml:"worker_binary"`
	WorkerArgs   []string      `yaml:"worker_args"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

type TaskLogConfig struct {
	Path string `yaml:"path"`
}

// LoadFromEnv loads .env (when present), reads the YAML file named by
// CONFIG_PATH and applies environment overrides. A missing file at the
// default path is not an error; defaults are used instead.
func LoadFromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg, err := Load(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
		cfg, err = Parse(nil)
		if err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ApplyEnv overrides file settings with PORT, REDIS_ADDR, REDIS_PASSWORD,
// WORKER_ID and WORKERS.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("WORKER_ID"); ok && v != "" {
		c.WorkerID = v
	}
	if v, ok := lookup("WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKERS: %w", err)
		}
		c.Supervisor.Workers = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if len(c.RateLimit.Windows) == 0 {
		c.RateLimit.Windows = ratelimit.DefaultWindows()
	}
	if c.RateLimit.Selection == "" {
		c.RateLimit.Selection = ratelimit.SelectFirst
	}
	if c.RateLimit.Timeout <= 0 {
		c.RateLimit.Timeout = 2 * time.Second
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		c.Queue.Name = "tasks"
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = retry.DefaultMaxAttempts
	}
	if c.Queue.Backoff == (retry.Policy{}) {
		c.Queue.Backoff = retry.DefaultPolicy()
	}
	if c.Queue.Backoff.Kind == "" {
		c.Queue.Backoff.Kind = retry.Exponential
	}
	if c.Queue.Backoff.Max == 0 {
		c.Queue.Backoff.Max = retry.DefaultMax
	}
	if c.Queue.Lease <= 0 {
		c.Queue.Lease = 30 * time.Second
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = 200 * time.Millisecond
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 1
	}
	if c.Queue.ReclaimBatch <= 0 {
		c.Queue.ReclaimBatch = 100
	}
	if c.Reaper.Interval <= 0 {
		c.Reaper.Interval = time.Second
	}
	if c.Supervisor.Workers <= 0 {
		c.Supervisor.Workers = 2
	}
	if c.Supervisor.RestartDelay <= 0 {
		c.Supervisor.RestartDelay = time.Second
	}
	if c.Supervisor.StopTimeout <= 0 {
		c.Supervisor.StopTimeout = 10 * time.Second
	}
	if strings.TrimSpace(c.TaskLog.Path) == "" {
		c.TaskLog.Path = "logs/tasks.log"
	}
	if c.Kafka.Enabled() && strings.TrimSpace(c.Kafka.DLQTopic) == "" {
		c.Kafka.DLQTopic = c.Queue.Name + ".dlq"
	}
}

func (c Config) ValidateForWorker() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if err := validateRedis(c.Redis); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if len(c.RateLimit.Windows) == 0 {
		return fmt.Errorf("rate_limit.windows is required")
	}
	switch c.RateLimit.Selection {
	case ratelimit.SelectFirst, ratelimit.SelectLongest:
	default:
		return fmt.Errorf("rate_limit.selection must be %q or %q", ratelimit.SelectFirst, ratelimit.SelectLongest)
	}
	if strings.TrimSpace(c.TaskLog.Path) == "" {
		return fmt.Errorf("task_log.path is required")
	}
	if c.Kafka.Enabled() {
		if err := c.Kafka.ValidateDLQ(); err != nil {
			return err
		}
	}
	if c.Postgres.Enabled() {
		if err := c.Postgres.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) ValidateForSupervisor() error {
	if c.Supervisor.Workers <= 0 {
		return fmt.Errorf("supervisor.workers must be positive")
	}
	if strings.TrimSpace(c.Supervisor.WorkerBinary) == "" {
		return fmt.Errorf("supervisor.worker_binary is required")
	}
	if err := validateRedis(c.Redis); err != nil {
		return err
	}
	return nil
}

func (c Config) ValidateForReaper() error {
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive")
	}
	if err := validateRedis(c.Redis); err != nil {
		return err
	}
	return c.validateQueue()
}

func (c Config) validateQueue() error {
	if strings.TrimSpace(c.Queue.Name) == "" {
		return fmt.Errorf("queue.name is required")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if err := c.Queue.Backoff.Validate(); err != nil {
		return fmt.Errorf("queue.backoff: %w", err)
	}
	if c.Queue.Lease <= 0 {
		return fmt.Errorf("queue.lease must be positive")
	}
	return nil
}

func validateRedis(cfg RedisConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}

func (c Config) QueueConfig() queue.Config {
	return queue.Config{
		Name:               c.Queue.Name,
		DefaultMaxAttempts: c.Queue.MaxAttempts,
		DefaultBackoff:     c.Queue.Backoff,
		ReclaimBatch:       c.Queue.ReclaimBatch,
	}
}

func (c Config) LimiterOptions() []ratelimit.Option {
	opts := []ratelimit.Option{
		ratelimit.WithWindows(c.RateLimit.Windows...),
		ratelimit.WithSelection(c.RateLimit.Selection),
		ratelimit.WithTimeout(c.RateLimit.Timeout),
	}
	if c.RateLimit.Prefix != "" {
		opts = append(opts, ratelimit.WithPrefix(c.RateLimit.Prefix))
	}
	return opts
}

func (c Config) ConsumerConfig(workerID string) consumer.Config {
	return consumer.Config{
		WorkerID:     workerID,
		QueueName:    c.Queue.Name,
		Concurrency:  c.Queue.Concurrency,
		Lease:        c.Queue.Lease,
		PollInterval: c.Queue.PollInterval,
		DLQTopic:     c.Kafka.DLQTopic,
	}
}

func (c Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		Workers:      c.Supervisor.Workers,
		RestartDelay: c.Supervisor.RestartDelay,
	}
}
