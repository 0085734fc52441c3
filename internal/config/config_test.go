package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "20s"
storage:
  path: ./data/bdaybot.db
  busy_timeout: "5s"
scheduler:
  tick_spec: "* * * * *"
  workers: 8
  max_attempts: 2
  feb29_policy: mar1
dispatch:
  per_send_timeout: "10s"
  rate_per_sec: 3
`

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Scheduler.Workers != 8 || cfg.Scheduler.MaxAttempts != 2 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if got := cfg.Telegram.PollTimeoutOr(10 * time.Second); got != 20*time.Second {
		t.Fatalf("poll timeout = %v", got)
	}
	if got := cfg.Dispatch.PerSendTimeoutOr(15 * time.Second); got != 10*time.Second {
		t.Fatalf("per-send timeout = %v", got)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML+"\nsurprise: true\n")
	if _, err := Parse(path); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestMissingTokenRejected(t *testing.T) {
	if os.Getenv("BOT_TOKEN") != "" {
		t.Skip("BOT_TOKEN set in environment")
	}
	path := writeFile(t, "config.yaml", "storage:\n  path: ./x.db\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("Load without token = %v", err)
	}
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv("BOT_TOKEN", "env:token")
	path := writeFile(t, "config.yaml", "telegram:\n  token: \"file:token\"\nstorage:\n  path: ./x.db\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env:token" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	t.Setenv("BOT_TOKEN", "t")
	path := writeFile(t, "config.yaml", "storage:\n  path: ./x.db\n  busy_timeout: \"fast\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestInvalidPolicyRejected(t *testing.T) {
	t.Setenv("BOT_TOKEN", "t")
	path := writeFile(t, "config.yaml", "storage:\n  path: ./x.db\nscheduler:\n  feb29_policy: feb30\n")
	if _, err := Load(path); err == nil {
		t.Fatal("invalid feb29 policy accepted")
	}
}

func TestJSONAlsoAccepted(t *testing.T) {
	t.Setenv("BOT_TOKEN", "t")
	path := writeFile(t, "config.json", `{"storage": {"path": "./x.db"}}`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load json: %v", err)
	}
}
