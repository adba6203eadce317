package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tier != "moderate" || cfg.Role != "worker" {
		t.Fatalf("defaults: tier=%s role=%s", cfg.Tier, cfg.Role)
	}
	if cfg.DBPath != filepath.Join(cfg.HomeDir, "warden.db") {
		t.Fatalf("db path = %s", cfg.DBPath)
	}
	if cfg.Scheduler.TTLMinutes != 45 {
		t.Fatalf("ttl = %d", cfg.Scheduler.TTLMinutes)
	}
	if cfg.Budget.MaxSteps != 50 {
		t.Fatalf("max steps = %d", cfg.Budget.MaxSteps)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHome, home)
	t.Setenv(EnvTier, "safe")

	yaml := "tier: dangerous\nallowed_domains:\n  - good.com\nbudget:\n  max_steps: 7\n"
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Env wins over file.
	if cfg.Tier != "safe" {
		t.Fatalf("tier = %s, want safe", cfg.Tier)
	}
	if len(cfg.AllowedDomains) != 1 || cfg.AllowedDomains[0] != "good.com" {
		t.Fatalf("domains = %v", cfg.AllowedDomains)
	}
	if cfg.Budget.MaxSteps != 7 {
		t.Fatalf("max steps = %d", cfg.Budget.MaxSteps)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHome, home)
	if err := os.WriteFile(ConfigPath(home), []byte("tier: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprintStable(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fingerprint() != cfg.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	other := cfg
	other.Tier = "dangerous"
	if cfg.Fingerprint() == other.Fingerprint() {
		t.Fatal("fingerprint ignores tier")
	}
}

func TestWatcherSeesConfigWrite(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("tier: safe\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(ConfigPath(home), []byte("tier: moderate\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("event path = %s", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload event within 5s")
	}
}
