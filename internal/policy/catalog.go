// Package policy is the gating core: an immutable per-action catalog and
// the engine that turns a proposed action into ALLOW, ESCALATE, or DENY.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier is the ordered permission class attached to each action kind.
type Tier string

const (
	TierSafe      Tier = "safe"
	TierModerate  Tier = "moderate"
	TierDangerous Tier = "dangerous"
)

var tierRank = map[Tier]int{
	TierSafe:      0,
	TierModerate:  1,
	TierDangerous: 2,
}

// ParseTier validates a tier string from config or flags.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierRank[t]; !ok {
		return "", fmt.Errorf("unknown tier %q (want safe, moderate, or dangerous)", s)
	}
	return t, nil
}

// Exceeds reports whether t is strictly above other in the safe <
// moderate < dangerous ordering.
func (t Tier) Exceeds(other Tier) bool {
	return tierRank[t] > tierRank[other]
}

// ToolPolicy is the per-action rule set. Loaded once at process start and
// never mutated at runtime.
type ToolPolicy struct {
	Name             string   `yaml:"name"`
	Tier             Tier     `yaml:"tier"`
	RequiresApproval bool     `yaml:"requires_approval"`
	Sandboxed        bool     `yaml:"sandboxed"`
	AllowedDomains   []string `yaml:"allowed_domains,omitempty"`
	MaxBytes         int64    `yaml:"max_bytes,omitempty"`
	TimeoutSeconds   int      `yaml:"timeout_seconds,omitempty"`
}

// Catalog maps action names to their policies. Treat as immutable after
// construction; Lookup returns copies.
type Catalog struct {
	policies map[string]ToolPolicy
}

func builtinPolicies() []ToolPolicy {
	return []ToolPolicy{
		{Name: "read_file", Tier: TierSafe, Sandboxed: true, MaxBytes: 1 << 20, TimeoutSeconds: 10},
		{Name: "list_dir", Tier: TierSafe, Sandboxed: true, MaxBytes: 1 << 18, TimeoutSeconds: 10},
		{Name: "write_file", Tier: TierModerate, Sandboxed: true, MaxBytes: 1 << 20, TimeoutSeconds: 10},
		{Name: "edit_file", Tier: TierModerate, Sandboxed: true, MaxBytes: 1 << 20, TimeoutSeconds: 10},
		{Name: "http_request", Tier: TierModerate, MaxBytes: 1 << 20, TimeoutSeconds: 30},
		{Name: "run_tests", Tier: TierModerate, Sandboxed: true, MaxBytes: 1 << 20, TimeoutSeconds: 300},
		{Name: "exec", Tier: TierDangerous, RequiresApproval: true, Sandboxed: true, MaxBytes: 1 << 20, TimeoutSeconds: 60},
		{Name: "delete_path", Tier: TierDangerous, RequiresApproval: true, Sandboxed: true, TimeoutSeconds: 10},
	}
}

// DefaultCatalog returns the built-in policy set.
func DefaultCatalog() *Catalog {
	c := &Catalog{policies: make(map[string]ToolPolicy)}
	for _, p := range builtinPolicies() {
		c.policies[p.Name] = p
	}
	return c
}

// NewCatalog builds a catalog from an explicit policy list, for tests and
// embedders that want a frozen fixture.
func NewCatalog(policies []ToolPolicy) (*Catalog, error) {
	c := &Catalog{policies: make(map[string]ToolPolicy, len(policies))}
	for _, p := range policies {
		if p.Name == "" {
			return nil, fmt.Errorf("policy with empty name")
		}
		if _, ok := tierRank[p.Tier]; !ok {
			return nil, fmt.Errorf("policy %q: unknown tier %q", p.Name, p.Tier)
		}
		c.policies[p.Name] = p
	}
	return c, nil
}

// LoadCatalog reads the built-in set, then overlays per-tool overrides from
// a YAML file. Overrides may tighten or loosen individual tools but cannot
// remove the approval requirement from dangerous-tier tools.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read policy catalog: %w", err)
	}
	var overlay struct {
		Tools []ToolPolicy `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse policy catalog: %w", err)
	}
	for _, p := range overlay.Tools {
		if p.Name == "" {
			return nil, fmt.Errorf("policy catalog %s: tool with empty name", path)
		}
		if _, ok := tierRank[p.Tier]; !ok {
			return nil, fmt.Errorf("policy catalog %s: tool %q has unknown tier %q", path, p.Name, p.Tier)
		}
		if p.Tier == TierDangerous {
			p.RequiresApproval = true
		}
		c.policies[p.Name] = p
	}
	return c, nil
}

// Lookup returns the policy for an action name.
func (c *Catalog) Lookup(name string) (ToolPolicy, bool) {
	p, ok := c.policies[name]
	return p, ok
}

// Names returns the catalog's action names, for diagnostics.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.policies))
	for name := range c.policies {
		out = append(out, name)
	}
	return out
}
