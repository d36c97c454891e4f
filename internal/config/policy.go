package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyConfig holds the deterministic content-policy rules evaluated by
// the policy gate. Rules are data; the evaluator supplies no thresholds of
// its own.
type PolicyConfig struct {
	// BannedTerms apply to every platform.
	BannedTerms []string `yaml:"banned_terms"`

	// MinCitations is the number of citations required when a draft is
	// flagged as containing claims.
	MinCitations int `yaml:"min_citations"`

	// Platforms maps a platform name to its specific rules. Platform
	// names are matched case-insensitively.
	Platforms map[string]PlatformPolicy `yaml:"platforms"`
}

// PlatformPolicy holds per-platform rules.
type PlatformPolicy struct {
	MaxLength    int      `yaml:"max_length"`
	BannedTerms  []string `yaml:"banned_terms"`
	RequiredTags []string `yaml:"required_tags"`
}

// Platform returns the rules for a platform, or false when the platform is
// unknown.
func (c *PolicyConfig) Platform(name string) (PlatformPolicy, bool) {
	p, ok := c.Platforms[strings.ToLower(name)]
	return p, ok
}

// DefaultPolicyConfig returns a usable baseline covering the shipped
// platforms.
func DefaultPolicyConfig() *PolicyConfig {
	return &PolicyConfig{
		BannedTerms:  []string{"guaranteed returns", "get rich quick", "risk-free"},
		MinCitations: 1,
		Platforms: map[string]PlatformPolicy{
			"twitter": {
				MaxLength:    280,
				BannedTerms:  []string{"follow for follow"},
				RequiredTags: nil,
			},
			"linkedin": {
				MaxLength:    3000,
				BannedTerms:  nil,
				RequiredTags: []string{"disclosure"},
			},
			"instagram": {
				MaxLength:    2200,
				BannedTerms:  nil,
				RequiredTags: []string{"ad"},
			},
		},
	}
}

// LoadPolicyConfig loads policy rules from file.
func LoadPolicyConfig(path string) (*PolicyConfig, error) {
	cfg := DefaultPolicyConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config: %w", err)
	}

	// Replace, don't merge: a policy file is the full rule set.
	loaded := &PolicyConfig{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	cfg = loaded

	if findings := cfg.Validate(); len(findings) > 0 {
		return nil, fmt.Errorf("invalid policy config: %s", findings[0])
	}

	return cfg, nil
}

// Validate checks rule sanity, returning one finding per problem.
func (c *PolicyConfig) Validate() []string {
	var findings []string

	if c.MinCitations < 0 {
		findings = append(findings, "min_citations must not be negative")
	}
	if len(c.Platforms) == 0 {
		findings = append(findings, "at least one platform must be configured")
	}
	for name, p := range c.Platforms {
		if name != strings.ToLower(name) {
			findings = append(findings, fmt.Sprintf("platform %q must be lower-case", name))
		}
		if p.MaxLength <= 0 {
			findings = append(findings, fmt.Sprintf("platform %q: max_length must be positive", name))
		}
	}

	return findings
}
