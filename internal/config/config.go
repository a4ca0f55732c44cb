package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	WorkerID    string
	WorkerCount int
	QueuePrefix string
	TaskTypes   []string

	PopTimeout         time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	MaxRetriesDefault  int
	DefaultTaskTimeout time.Duration

	ScheduledInterval time.Duration
	ExpiredInterval   time.Duration
	ExpiredMaxAge     time.Duration
	ReclaimInterval   time.Duration
	HeartbeatInterval time.Duration
	WorkerTTL         time.Duration

	HealthAddr      string
	AuthToken       string
	ShutdownTimeout time.Duration
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Queue store address")
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Task record store connection string")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker instance ID")
	fs.IntVar(&c.WorkerCount, "workers", c.WorkerCount, "Number of concurrent workers")
	fs.StringVar(&c.QueuePrefix, "queue-prefix", c.QueuePrefix, "Queue store key prefix")
	fs.DurationVar(&c.PopTimeout, "pop-timeout", c.PopTimeout, "Maximum blocking wait per pop")
	fs.DurationVar(&c.BackoffBase, "backoff-base", c.BackoffBase, "Retry backoff base delay")
	fs.DurationVar(&c.BackoffMax, "backoff-max", c.BackoffMax, "Retry backoff ceiling")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for tasks on shutdown")
	fs.StringVar(&c.HealthAddr, "health-addr", c.HealthAddr, "HTTP address for health/metrics")
}

func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("knowq-%s-%d", hostname, time.Now().Unix())
	}

	cfg := &Config{
		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		DatabaseURL:   dbURL,

		WorkerID:    workerID,
		WorkerCount: envInt("WORKER_COUNT", 4),
		QueuePrefix: envString("QUEUE_PREFIX", "knowq"),
		TaskTypes:   envList("TASK_TYPES"),

		PopTimeout:         envDuration("POP_TIMEOUT", 5*time.Second),
		BackoffBase:        envDuration("BACKOFF_BASE", time.Second),
		BackoffMax:         envDuration("BACKOFF_MAX", 5*time.Minute),
		MaxRetriesDefault:  envInt("MAX_RETRIES_DEFAULT", 3),
		DefaultTaskTimeout: envDuration("DEFAULT_TASK_TIMEOUT", 10*time.Minute),

		ScheduledInterval: envDuration("SCHEDULED_INTERVAL", 10*time.Second),
		ExpiredInterval:   envDuration("EXPIRED_INTERVAL", 5*time.Minute),
		ExpiredMaxAge:     envDuration("EXPIRED_MAX_AGE", 30*time.Minute),
		ReclaimInterval:   envDuration("RECLAIM_INTERVAL", time.Hour),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", time.Minute),
		WorkerTTL:         envDuration("WORKER_TTL", 5*time.Minute),

		HealthAddr:      envString("HEALTH_ADDR", ":8080"),
		AuthToken:       os.Getenv("AUTH_TOKEN"),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff-max must be >= backoff-base")
	}
	if c.PopTimeout <= 0 {
		return fmt.Errorf("pop-timeout must be positive")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
