package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"BLOCKCOLLAB_ADDR", "BLOCKCOLLAB_SERVER_URL", "BLOCKCOLLAB_SESSION", "BLOCKCOLLAB_USER",
		"BLOCKCOLLAB_STORE_URL", "REDIS_ADDR", "DATABASE_URL", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadServerDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8081" || cfg.OutboxLimit != 256 || cfg.Redis.Addr != "" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Redis.LatestTTL != 24*time.Hour || cfg.Log.Level != "info" {
		t.Errorf("nested defaults = %+v", cfg)
	}
}

func TestLoadServerFileAndEnv(t *testing.T) {
	path := writeFile(t, `
addr: ":9000"
shutdown_grace: 3s
redis:
  addr: "file:6379"
  latest_ttl: 1h
discovery:
  disabled: true
log:
  level: debug
`)
	clearEnv(t)
	t.Setenv("REDIS_ADDR", "env:6379")
	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" || cfg.ShutdownGrace != 3*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Redis.Addr != "env:6379" {
		t.Errorf("Redis.Addr = %q, want the environment override", cfg.Redis.Addr)
	}
	if cfg.Redis.LatestTTL != time.Hour || !cfg.Discovery.Disabled {
		t.Errorf("nested values = %+v", cfg)
	}
	if l, _ := ParseLevel(cfg.Log.Level); l != slog.LevelDebug {
		t.Errorf("level = %v", l)
	}
}

func TestLoadAgent(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
server_url: http://broker:8081
session: lesson-3
store:
  kind: sqlite
  sqlite_path: /tmp/saved.db
  retries: 5
`)
	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "http://broker:8081" || cfg.Session != "lesson-3" {
		t.Errorf("agent = %+v", cfg)
	}
	if cfg.Store.Kind != "sqlite" || cfg.Store.Retries != 5 || cfg.Store.TokenEnv != "BLOCKCOLLAB_TOKEN" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Addr != ":8080" || cfg.DraftsPath != "drafts.db" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadAgentRejectsBadStore(t *testing.T) {
	clearEnv(t)
	tests := []string{
		"store:\n  kind: ftp\n",
		"store:\n  kind: http\n",
		"store:\n  kind: postgres\n",
		"log:\n  level: loud\n",
	}
	for _, body := range tests {
		if _, err := LoadAgent(writeFile(t, body)); err == nil {
			t.Errorf("LoadAgent(%q) succeeded", body)
		}
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	if _, err := LoadServer(writeFile(t, "addr: [unclosed\n")); err == nil {
		t.Error("malformed YAML accepted")
	}
}
