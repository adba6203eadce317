// Package config loads warden's YAML configuration from the warden home
// directory, with environment overrides for deployment knobs.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/fenwick-labs/warden/internal/otel"
)

// Environment overrides.
const (
	EnvHome    = "WARDEN_HOME"
	EnvDB      = "WARDEN_DB"
	EnvSandbox = "WARDEN_SANDBOX"
	EnvTier    = "WARDEN_TIER"
	EnvActor   = "WARDEN_ACTOR"
	EnvLog     = "WARDEN_LOG_LEVEL"
)

// BudgetConfig bounds one agent run.
type BudgetConfig struct {
	MaxSteps     int `yaml:"max_steps"`
	MaxSeconds   int `yaml:"max_seconds"`
	MaxRecursion int `yaml:"max_recursion"`
}

// SchedulerConfig drives the polling loop.
type SchedulerConfig struct {
	IntervalSeconds     int    `yaml:"interval_seconds"`
	TTLMinutes          int    `yaml:"ttl_minutes"`
	MaxOrchestrators    int    `yaml:"max_orchestrators"`
	OrchestrationMarker string `yaml:"orchestration_marker"`
	WorkerCommand       string `yaml:"worker_command"`
	OrchestratorCommand string `yaml:"orchestrator_command"`
}

// ExecConfig selects how allowed commands run.
type ExecConfig struct {
	Docker        bool   `yaml:"docker"`
	DockerImage   string `yaml:"docker_image"`
	DockerMemory  int64  `yaml:"docker_memory_mb"`
	DockerNetwork string `yaml:"docker_network"`
}

// LLMConfig points workers at an OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath          string   `yaml:"db_path"`
	SandboxRoot     string   `yaml:"sandbox_root"`
	SandboxReadOnly bool     `yaml:"sandbox_read_only"`
	Tier            string   `yaml:"tier"`
	Role            string   `yaml:"role"`
	Actor           string   `yaml:"actor"`
	AllowedDomains  []string `yaml:"allowed_domains"`
	AllowLoopback   bool     `yaml:"allow_loopback"`
	Unrestricted    bool     `yaml:"unrestricted"`
	PolicyPath      string   `yaml:"policy_path"`
	LogLevel        string   `yaml:"log_level"`

	Budget    BudgetConfig    `yaml:"budget"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Exec      ExecConfig      `yaml:"exec"`
	LLM       LLMConfig       `yaml:"llm"`
	OTel      otel.Config     `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		Tier:     "moderate",
		Role:     "worker",
		Actor:    "warden",
		LogLevel: "info",
		Budget: BudgetConfig{
			MaxSteps:     50,
			MaxSeconds:   1800,
			MaxRecursion: 5,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds:     30,
			TTLMinutes:          45,
			MaxOrchestrators:    2,
			OrchestrationMarker: "[ORCH]",
		},
		Exec: ExecConfig{
			DockerImage:   "alpine:latest",
			DockerMemory:  512,
			DockerNetwork: "none",
		},
	}
}

// HomeDir returns the warden home, honoring WARDEN_HOME.
func HomeDir() string {
	if override := os.Getenv(EnvHome); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

// ConfigPath is the location of config.yaml under a home dir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the warden home, creating the home directory
// if needed. A missing file yields defaults; a malformed file is an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.yaml: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDerivedDefaults(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDB); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvSandbox); v != "" {
		cfg.SandboxRoot = v
	}
	if v := os.Getenv(EnvTier); v != "" {
		cfg.Tier = v
	}
	if v := os.Getenv(EnvActor); v != "" {
		cfg.Actor = v
	}
	if v := os.Getenv(EnvLog); v != "" {
		cfg.LogLevel = v
	}
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "warden.db")
	}
	if cfg.SandboxRoot == "" {
		cfg.SandboxRoot = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 30
	}
	if cfg.Scheduler.TTLMinutes <= 0 {
		cfg.Scheduler.TTLMinutes = 45
	}
	if cfg.Scheduler.MaxOrchestrators <= 0 {
		cfg.Scheduler.MaxOrchestrators = 2
	}
	if cfg.Budget.MaxSteps <= 0 {
		cfg.Budget.MaxSteps = 50
	}
	if cfg.Budget.MaxSeconds <= 0 {
		cfg.Budget.MaxSeconds = 1800
	}
	if cfg.Budget.MaxRecursion <= 0 {
		cfg.Budget.MaxRecursion = 5
	}
}

// Save writes the config back to config.yaml.
func (c Config) Save() error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(c.HomeDir), out, 0o644)
}

// Fingerprint returns a stable hash of the gating-relevant settings, logged
// at startup so audit readers can correlate decisions with configuration.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tier=%s|role=%s|sandbox=%s|ro=%v|domains=%v|loopback=%v|unrestricted=%v|steps=%d|secs=%d|rec=%d",
		c.Tier, c.Role, c.SandboxRoot, c.SandboxReadOnly, c.AllowedDomains, c.AllowLoopback, c.Unrestricted,
		c.Budget.MaxSteps, c.Budget.MaxSeconds, c.Budget.MaxRecursion)
	return "cfg-" + strconv.FormatUint(h.Sum64(), 16)
}
