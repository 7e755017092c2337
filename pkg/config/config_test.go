package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
db:
  host: db.internal
  port: 5433
jwt:
  secret: s3cret
websocket:
  pong_wait: 20s
  ping_interval: 30s
summary:
  endpoint: http://llm.local/generate
  api_keys: [a, b]
`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":9090")
	}
	if cfg.DB.Host != "db.internal" || cfg.DB.Port != 5433 {
		t.Errorf("DB = %+v", cfg.DB)
	}
	if cfg.Session.PreparationSeconds != 60 {
		t.Errorf("PreparationSeconds = %d, want default 60", cfg.Session.PreparationSeconds)
	}
	if cfg.WebSocket.PingInterval >= cfg.WebSocket.PongWait {
		t.Errorf("PingInterval %s not below PongWait %s", cfg.WebSocket.PingInterval, cfg.WebSocket.PongWait)
	}
	if len(cfg.Summary.APIKeys) != 2 {
		t.Errorf("APIKeys = %v, want 2 keys", cfg.Summary.APIKeys)
	}
	if cfg.JWT.TTL != 240*time.Hour {
		t.Errorf("JWT.TTL = %s, want 240h", cfg.JWT.TTL)
	}
}

func TestLoadEnvAndFlagsOverride(t *testing.T) {
	path := writeConfig(t, "jwt:\n  secret: from-file\nlog:\n  level: info\n")
	t.Setenv("SPEECH_JWT_SECRET", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	if err := fs.Parse([]string{"--log-level", "debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Errorf("JWT.Secret = %q, want %q", cfg.JWT.Secret, "from-env")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":1\"\n")
	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected error when jwt.secret is empty")
	}
}
