package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"knowq.yaml",
	"knowq.yml",
	"knowq.toml",
	".knowq.yaml",
	".knowq.yml",
	".knowq.toml",
}

type FileConfig struct {
	DSN    string           `yaml:"dsn" toml:"dsn"`
	Redis  RedisFileConfig  `yaml:"redis" toml:"redis"`
	Worker WorkerFileConfig `yaml:"worker" toml:"worker"`
	Queue  QueueFileConfig  `yaml:"queue" toml:"queue"`
	Web    WebFileConfig    `yaml:"web" toml:"web"`
}

type RedisFileConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       *int   `yaml:"db" toml:"db"`
}

type WorkerFileConfig struct {
	WorkerID           string   `yaml:"worker_id" toml:"worker_id"`
	Count              *int     `yaml:"count" toml:"count"`
	TaskTypes          []string `yaml:"task_types" toml:"task_types"`
	PopTimeout         string   `yaml:"pop_timeout" toml:"pop_timeout"`
	MaxRetriesDefault  *int     `yaml:"max_retries_default" toml:"max_retries_default"`
	DefaultTaskTimeout string   `yaml:"default_task_timeout" toml:"default_task_timeout"`
	HeartbeatInterval  string   `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	WorkerTTL          string   `yaml:"worker_ttl" toml:"worker_ttl"`
	ShutdownTimeout    string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type QueueFileConfig struct {
	Prefix            string `yaml:"prefix" toml:"prefix"`
	BackoffBase       string `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax        string `yaml:"backoff_max" toml:"backoff_max"`
	ScheduledInterval string `yaml:"scheduled_interval" toml:"scheduled_interval"`
	ExpiredInterval   string `yaml:"expired_interval" toml:"expired_interval"`
	ExpiredMaxAge     string `yaml:"expired_max_age" toml:"expired_max_age"`
	ReclaimInterval   string `yaml:"reclaim_interval" toml:"reclaim_interval"`
}

type WebFileConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("KNOWQ_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}
	if fileCfg.Redis.Addr != "" {
		cfg.RedisAddr = fileCfg.Redis.Addr
	}
	if fileCfg.Redis.Password != "" {
		cfg.RedisPassword = fileCfg.Redis.Password
	}
	if fileCfg.Redis.DB != nil {
		cfg.RedisDB = *fileCfg.Redis.DB
	}

	if fileCfg.Worker.WorkerID != "" {
		cfg.WorkerID = fileCfg.Worker.WorkerID
	}
	if fileCfg.Worker.Count != nil {
		cfg.WorkerCount = *fileCfg.Worker.Count
	}
	if len(fileCfg.Worker.TaskTypes) > 0 {
		cfg.TaskTypes = append([]string{}, fileCfg.Worker.TaskTypes...)
	}
	if fileCfg.Worker.MaxRetriesDefault != nil {
		cfg.MaxRetriesDefault = *fileCfg.Worker.MaxRetriesDefault
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"worker.pop_timeout", fileCfg.Worker.PopTimeout, &cfg.PopTimeout},
		{"worker.default_task_timeout", fileCfg.Worker.DefaultTaskTimeout, &cfg.DefaultTaskTimeout},
		{"worker.heartbeat_interval", fileCfg.Worker.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"worker.worker_ttl", fileCfg.Worker.WorkerTTL, &cfg.WorkerTTL},
		{"worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"queue.backoff_base", fileCfg.Queue.BackoffBase, &cfg.BackoffBase},
		{"queue.backoff_max", fileCfg.Queue.BackoffMax, &cfg.BackoffMax},
		{"queue.scheduled_interval", fileCfg.Queue.ScheduledInterval, &cfg.ScheduledInterval},
		{"queue.expired_interval", fileCfg.Queue.ExpiredInterval, &cfg.ExpiredInterval},
		{"queue.expired_max_age", fileCfg.Queue.ExpiredMaxAge, &cfg.ExpiredMaxAge},
		{"queue.reclaim_interval", fileCfg.Queue.ReclaimInterval, &cfg.ReclaimInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}

	if fileCfg.Queue.Prefix != "" {
		cfg.QueuePrefix = fileCfg.Queue.Prefix
	}
	if fileCfg.Web.Addr != "" {
		cfg.HealthAddr = fileCfg.Web.Addr
	}
	if fileCfg.Web.AuthToken != "" {
		cfg.AuthToken = fileCfg.Web.AuthToken
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
