package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postforge/postforge/internal/persistence/postgres"
)

// EnforcementMode controls whether a FAIL decision blocks downstream
// publishing. It is threaded explicitly through every constructor; there
// is no package-level mode state.
type EnforcementMode string

const (
	EnforcementOff      EnforcementMode = "off"
	EnforcementAdvisory EnforcementMode = "advisory"
	EnforcementEnforced EnforcementMode = "enforced"
)

// Valid reports whether the mode is one of the known values.
func (m EnforcementMode) Valid() bool {
	switch m {
	case EnforcementOff, EnforcementAdvisory, EnforcementEnforced:
		return true
	}
	return false
}

// LedgerMode controls how balance-changing appends behave.
type LedgerMode string

const (
	LedgerOff    LedgerMode = "off"    // appends are no-ops
	LedgerShadow LedgerMode = "shadow" // appends go to the pending store only
	LedgerLive   LedgerMode = "live"   // appends hit the real ledger and balance
)

// Valid reports whether the mode is one of the known values.
func (m LedgerMode) Valid() bool {
	switch m {
	case LedgerOff, LedgerShadow, LedgerLive:
		return true
	}
	return false
}

// Config is the top-level application configuration.
type Config struct {
	Enforcement EnforcementMode `yaml:"enforcement_mode"`
	Ledger      LedgerMode      `yaml:"ledger_mode"`

	HTTP      HTTPConfig      `yaml:"http"`
	Database  postgres.Config `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Receipts  ReceiptConfig   `yaml:"receipts"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	PolicyPath    string `yaml:"policy_path"`
	GuardrailPath string `yaml:"guardrail_path"`
}

// HTTPConfig holds the collaborator-facing HTTP listener settings.
type HTTPConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig holds the balance read-cache settings.
type RedisConfig struct {
	Addr    string        `yaml:"addr"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
	Enabled bool          `yaml:"enabled"`
}

// ReceiptConfig holds receipt issuance settings.
type ReceiptConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ReconcileConfig holds reconciliation job settings.
type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// DefaultConfig returns a safe baseline: advisory gate, shadow ledger, no
// external storage.
func DefaultConfig() *Config {
	return &Config{
		Enforcement: EnforcementAdvisory,
		Ledger:      LedgerShadow,
		HTTP: HTTPConfig{
			Listen:       ":8089",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: postgres.DefaultConfig(),
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			TTL:     30 * time.Second,
			Enabled: false,
		},
		Receipts: ReceiptConfig{
			TTL:           15 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			Interval:      1 * time.Hour,
			RatePerSecond: 50,
			Burst:         10,
		},
		PolicyPath:    "config/policy.yaml",
		GuardrailPath: "config/guardrails.yaml",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if findings := cfg.Validate(); len(findings) > 0 {
		return nil, fmt.Errorf("invalid config: %s", findings[0])
	}

	return cfg, nil
}

// Validate checks mode values and timing ranges, returning one finding per
// problem.
func (c *Config) Validate() []string {
	var findings []string

	if !c.Enforcement.Valid() {
		findings = append(findings, fmt.Sprintf("unknown enforcement_mode %q", c.Enforcement))
	}
	if !c.Ledger.Valid() {
		findings = append(findings, fmt.Sprintf("unknown ledger_mode %q", c.Ledger))
	}
	if c.Receipts.TTL <= 0 {
		findings = append(findings, "receipt TTL must be positive")
	}
	if c.Reconcile.RatePerSecond <= 0 {
		findings = append(findings, "reconcile rate_per_second must be positive")
	}
	if c.Reconcile.Burst < 1 {
		findings = append(findings, "reconcile burst must be at least 1")
	}

	return findings
}
