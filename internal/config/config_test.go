package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "sqlite3" {
		t.Fatalf("expected sqlite3 driver, got %q", cfg.Store.Driver)
	}
	if cfg.Plans.Limits["free"] != 10 || cfg.Plans.Limits["pro"] != 200 {
		t.Fatalf("unexpected default plan limits: %+v", cfg.Plans.Limits)
	}
	if cfg.Chat.MaxToolRounds != 5 {
		t.Fatalf("expected default tool rounds 5, got %d", cfg.Chat.MaxToolRounds)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
plans:
  override_emails:
    - vip@example.com
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090 from file, got %d", cfg.Server.Port)
	}
	if len(cfg.Plans.OverrideEmails) != 1 || cfg.Plans.OverrideEmails[0] != "vip@example.com" {
		t.Fatalf("unexpected override emails: %+v", cfg.Plans.OverrideEmails)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected env api key, got %q", cfg.OpenAI.APIKey)
	}
}
