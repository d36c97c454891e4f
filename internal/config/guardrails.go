package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GuardrailConfig holds the deterministic anti-gaming thresholds applied
// before any EARN reaches the ledger. Reductions compose multiplicatively;
// composition is a policy constant here, not behavior scattered through
// the engine.
type GuardrailConfig struct {
	// Minimum-interval tiers measured against last_earn_at.
	Interval IntervalTiers `yaml:"interval"`

	// DailyCap bounds daily_total; an attempt past the cap is clamped to
	// remaining headroom.
	DailyCap int64 `yaml:"daily_cap"`

	// DailyWindow sets how long until the daily counters reset.
	DailyWindow time.Duration `yaml:"daily_window"`

	// Anomaly settings: more than HourlyThreshold earns in the trailing
	// hour applies a flat Reduction.
	Anomaly AnomalyConfig `yaml:"anomaly"`
}

// IntervalTiers defines the minimum-interval reductions. An attempt
// earlier than FullBlockUnder is fully blocked; earlier than
// HeavyReduceUnder keeps 25%; earlier than HalfReduceUnder keeps 50%;
// beyond that, no interval reduction.
type IntervalTiers struct {
	FullBlockUnder   time.Duration `yaml:"full_block_under"`
	HeavyReduceUnder time.Duration `yaml:"heavy_reduce_under"`
	HalfReduceUnder  time.Duration `yaml:"half_reduce_under"`
}

// AnomalyConfig defines the trailing-hour anomaly reduction.
type AnomalyConfig struct {
	HourlyThreshold int           `yaml:"hourly_threshold"`
	Reduction       float64       `yaml:"reduction"`
	Window          time.Duration `yaml:"window"`
}

// DefaultGuardrailConfig returns the production baseline.
func DefaultGuardrailConfig() *GuardrailConfig {
	return &GuardrailConfig{
		Interval: IntervalTiers{
			FullBlockUnder:   60 * time.Second,
			HeavyReduceUnder: 180 * time.Second,
			HalfReduceUnder:  300 * time.Second,
		},
		DailyCap:    500,
		DailyWindow: 24 * time.Hour,
		Anomaly: AnomalyConfig{
			HourlyThreshold: 10,
			Reduction:       0.30,
			Window:          time.Hour,
		},
	}
}

// LoadGuardrailConfig loads guardrail configuration from file.
func LoadGuardrailConfig(path string) (*GuardrailConfig, error) {
	cfg := DefaultGuardrailConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guardrail config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse guardrail YAML: %w", err)
	}

	if findings := cfg.Validate(); len(findings) > 0 {
		return nil, fmt.Errorf("invalid guardrail config: %s", findings[0])
	}

	return cfg, nil
}

// Validate checks threshold ordering and ranges, returning one finding per
// problem.
func (c *GuardrailConfig) Validate() []string {
	var findings []string

	if c.Interval.FullBlockUnder <= 0 {
		findings = append(findings, "interval full_block_under must be positive")
	}
	if c.Interval.HeavyReduceUnder <= c.Interval.FullBlockUnder {
		findings = append(findings, fmt.Sprintf("interval heavy_reduce_under %s must exceed full_block_under %s",
			c.Interval.HeavyReduceUnder, c.Interval.FullBlockUnder))
	}
	if c.Interval.HalfReduceUnder <= c.Interval.HeavyReduceUnder {
		findings = append(findings, fmt.Sprintf("interval half_reduce_under %s must exceed heavy_reduce_under %s",
			c.Interval.HalfReduceUnder, c.Interval.HeavyReduceUnder))
	}
	if c.DailyCap <= 0 {
		findings = append(findings, "daily_cap must be positive")
	}
	if c.DailyWindow <= 0 {
		findings = append(findings, "daily_window must be positive")
	}
	if c.Anomaly.HourlyThreshold < 1 {
		findings = append(findings, "anomaly hourly_threshold must be at least 1")
	}
	if c.Anomaly.Reduction < 0 || c.Anomaly.Reduction >= 1 {
		findings = append(findings, fmt.Sprintf("anomaly reduction %.2f outside [0, 1) range", c.Anomaly.Reduction))
	}
	if c.Anomaly.Window <= 0 {
		findings = append(findings, "anomaly window must be positive")
	}

	return findings
}
