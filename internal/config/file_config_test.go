package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileConfigYAML(t *testing.T) {
	path := writeTempConfig(t, "knowq.yaml", `
dsn: postgres://db/knowq
redis:
  addr: redis:6379
  db: 2
worker:
  count: 8
  task_types: [index_build]
  pop_timeout: 3s
queue:
  prefix: kq
  backoff_base: 2s
web:
  addr: ":9090"
  auth_token: hunter2
`)

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := &Config{}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.DatabaseURL != "postgres://db/knowq" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.RedisDB != 2 {
		t.Errorf("redis = %q/%d", cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.WorkerCount != 8 {
		t.Errorf("WorkerCount = %d, want 8", cfg.WorkerCount)
	}
	if cfg.PopTimeout != 3*time.Second {
		t.Errorf("PopTimeout = %v, want 3s", cfg.PopTimeout)
	}
	if cfg.QueuePrefix != "kq" || cfg.BackoffBase != 2*time.Second {
		t.Errorf("queue = %q/%v", cfg.QueuePrefix, cfg.BackoffBase)
	}
	if cfg.HealthAddr != ":9090" || cfg.AuthToken != "hunter2" {
		t.Errorf("web = %q/%q", cfg.HealthAddr, cfg.AuthToken)
	}
}

func TestLoadFileConfigTOML(t *testing.T) {
	path := writeTempConfig(t, "knowq.toml", `
dsn = "postgres://db/knowq"

[worker]
count = 2

[queue]
backoff_max = "10m"
`)

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := &Config{}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.WorkerCount != 2 {
		t.Errorf("WorkerCount = %d, want 2", cfg.WorkerCount)
	}
	if cfg.BackoffMax != 10*time.Minute {
		t.Errorf("BackoffMax = %v, want 10m", cfg.BackoffMax)
	}
}

func TestLoadFileConfigRejectsUnknownExtension(t *testing.T) {
	path := writeTempConfig(t, "knowq.ini", "dsn=x")
	if _, err := LoadFileConfig(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestApplyFileConfigRejectsBadDuration(t *testing.T) {
	cfg := &Config{}
	fileCfg := &FileConfig{}
	fileCfg.Worker.PopTimeout = "soon"
	if err := ApplyFileConfig(cfg, fileCfg); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestApplyFileConfigNilIsNoop(t *testing.T) {
	cfg := &Config{WorkerCount: 4}
	if err := ApplyFileConfig(cfg, nil); err != nil {
		t.Fatalf("apply nil: %v", err)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("config mutated by nil file config")
	}
}

func TestParseConfigFlag(t *testing.T) {
	path, ok, err := parseConfigFlag([]string{"--config", "custom.yaml", "-workers", "2"})
	if err != nil || !ok || path != "custom.yaml" {
		t.Fatalf("got %q, %v, %v", path, ok, err)
	}

	path, ok, err = parseConfigFlag([]string{"--config=inline.toml"})
	if err != nil || !ok || path != "inline.toml" {
		t.Fatalf("got %q, %v, %v", path, ok, err)
	}

	_, ok, err = parseConfigFlag([]string{"-workers", "2"})
	if err != nil || ok {
		t.Fatalf("expected no config flag, got ok=%v err=%v", ok, err)
	}

	if _, _, err := parseConfigFlag([]string{"--config"}); err == nil {
		t.Fatal("expected error for missing flag value")
	}
}
