package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenwick-labs/warden/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	home := t.TempDir()
	return config.Config{
		HomeDir:     home,
		DBPath:      filepath.Join(home, "warden.db"),
		SandboxRoot: filepath.Join(home, "workspace"),
		PolicyPath:  filepath.Join(home, "policy.yaml"),
	}
}

func TestRun_HealthyHome(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.SandboxRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := Run(ctx, cfg, "test")
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 checks, got %d", len(d.Results))
	}
	if d.Failed() {
		t.Fatalf("expected no failures, got %+v", d.Results)
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Fatalf("system info not populated: %+v", d.System)
	}
}

func TestCheckHome_Unwritable(t *testing.T) {
	cfg := testConfig(t)
	cfg.HomeDir = filepath.Join(cfg.HomeDir, "missing", "nested")

	result := checkHome(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for missing home, got %s", result.Status)
	}
}

func TestCheckSandbox_Missing(t *testing.T) {
	cfg := testConfig(t)

	result := checkSandbox(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for missing sandbox root, got %s", result.Status)
	}
}

func TestCheckSandbox_NotADirectory(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.SandboxRoot, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := checkSandbox(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for file sandbox root, got %s", result.Status)
	}
}

func TestCheckPolicy_Malformed(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.PolicyPath, []byte("tools: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := checkPolicy(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for malformed policy, got %s", result.Status)
	}
}

func TestCheckLLM_NotConfigured(t *testing.T) {
	cfg := testConfig(t)

	result := checkLLM(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without LLM endpoint, got %s", result.Status)
	}
}

func TestCheckLLM_InvalidURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.BaseURL = "://bad"

	result := checkLLM(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for invalid base_url, got %s", result.Status)
	}
}

func TestCheckDocker_Disabled(t *testing.T) {
	cfg := testConfig(t)

	result := checkDocker(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP with docker disabled, got %s", result.Status)
	}
}
