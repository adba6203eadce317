// Package doctor runs environment diagnostics for a warden installation:
// config, database, sandbox, policy catalog, docker, and LLM reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fenwick-labs/warden/internal/config"
	"github.com/fenwick-labs/warden/internal/llm"
	"github.com/fenwick-labs/warden/internal/persistence"
	"github.com/fenwick-labs/warden/internal/policy"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkHome,
		checkDatabase,
		checkSandbox,
		checkPolicy,
		checkDocker,
		checkLLM,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

func checkHome(_ context.Context, cfg config.Config) CheckResult {
	if cfg.HomeDir == "" {
		return CheckResult{Name: "Home", Status: "FAIL", Message: "Home directory not set"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Home", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Home", Status: "PASS", Message: fmt.Sprintf("%s is writable", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg config.Config) CheckResult {
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListAuditEntries(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkSandbox(_ context.Context, cfg config.Config) CheckResult {
	info, err := os.Stat(cfg.SandboxRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Name:    "Sandbox",
				Status:  "WARN",
				Message: fmt.Sprintf("Sandbox root %s does not exist", cfg.SandboxRoot),
				Detail:  "It is created on first use; pre-create it to control permissions",
			}
		}
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", cfg.SandboxRoot)}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: fmt.Sprintf("Sandbox root %s exists", cfg.SandboxRoot)}
}

func checkPolicy(_ context.Context, cfg config.Config) CheckResult {
	if _, err := os.Stat(cfg.PolicyPath); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Policy",
			Status:  "PASS",
			Message: "No policy.yaml, using built-in catalog",
		}
	}
	cat, err := policy.LoadCatalog(cfg.PolicyPath)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("Catalog load failed: %v", err)}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  "PASS",
		Message: fmt.Sprintf("Catalog loaded from %s (%d tools)", cfg.PolicyPath, len(cat.Names())),
	}
}

func checkDocker(ctx context.Context, cfg config.Config) CheckResult {
	if !cfg.Exec.Docker {
		return CheckResult{Name: "Docker", Status: "SKIP", Message: "Docker execution disabled"}
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: "docker binary not found on PATH"}
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: fmt.Sprintf("Daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: fmt.Sprintf("Daemon reachable, image %s", cfg.Exec.DockerImage)}
}

func checkLLM(ctx context.Context, cfg config.Config) CheckResult {
	if cfg.LLM.BaseURL == "" {
		return CheckResult{Name: "LLM", Status: "SKIP", Message: "No LLM endpoint configured"}
	}

	u, err := url.Parse(cfg.LLM.BaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "LLM", Status: "FAIL", Message: fmt.Sprintf("Invalid base_url %q", cfg.LLM.BaseURL)}
	}

	status := "PASS"
	detail := ""
	if cfg.LLM.APIKey == "" && os.Getenv(llm.EnvAPIKey) == "" {
		status = "WARN"
		detail = fmt.Sprintf("No api_key in config and %s not set", llm.EnvAPIKey)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "LLM",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", u.Hostname(), err),
			Detail:  detail,
		}
	}

	return CheckResult{
		Name:    "LLM",
		Status:  status,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", u.Hostname(), len(addrs), latency.Milliseconds()),
		Detail:  detail,
	}
}
