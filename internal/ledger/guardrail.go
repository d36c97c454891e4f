package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/metrics"
	"github.com/postforge/postforge/internal/persistence"
)

// Guardrail rule names, reported in guardrails_applied.
const (
	RuleIntervalBlock  = "min_interval_block"
	RuleInterval75     = "min_interval_75pct"
	RuleInterval50     = "min_interval_50pct"
	RuleDailyCapBlock  = "daily_cap_block"
	RuleDailyCapClamp  = "daily_cap_clamp"
	RuleAnomalyReduced = "anomaly_reduction"
)

// GuardrailOutcome explains what the guardrails did to a base amount. A
// fully blocked attempt is not an error; it is an explained zero issuance.
type GuardrailOutcome struct {
	BaseAmount   int64    `json:"base_amount"`
	IssuedAmount int64    `json:"issued_amount"`
	Applied      []string `json:"guardrails_applied"`
	Blocked      bool     `json:"blocked"`
}

// GuardrailEngine applies the deterministic anti-gaming reductions of the
// reward path. Reductions stack multiplicatively in a fixed order:
// minimum interval, daily cap clamp, trailing-hour anomaly.
type GuardrailEngine struct {
	cfg  *config.GuardrailConfig
	repo persistence.GuardrailRepo
	now  func() time.Time
}

// NewGuardrailEngine creates a guardrail engine over per-user state.
func NewGuardrailEngine(cfg *config.GuardrailConfig, repo persistence.GuardrailRepo) *GuardrailEngine {
	if cfg == nil {
		cfg = config.DefaultGuardrailConfig()
	}
	return &GuardrailEngine{cfg: cfg, repo: repo, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (g *GuardrailEngine) WithClock(now func() time.Time) *GuardrailEngine {
	g.now = now
	return g
}

// Apply evaluates the reductions for one EARN attempt and updates the
// user's state exactly once, inside a single atomic read-modify-write.
// Concurrent attempts for the same user serialize on the state row, so a
// daily reset never applies twice.
func (g *GuardrailEngine) Apply(ctx context.Context, userID string, base int64) (*GuardrailOutcome, error) {
	if base <= 0 {
		return nil, fmt.Errorf("base amount must be positive, got %d", base)
	}

	now := g.now().UTC()
	outcome := &GuardrailOutcome{BaseAmount: base, Applied: []string{}}

	_, err := g.repo.Mutate(ctx, userID, func(st *persistence.GuardrailState) error {
		// Window reset. A fresh row has a zero ResetAt and resets here too.
		if !now.Before(st.ResetAt) {
			st.DailyCount = 0
			st.DailyTotal = 0
			st.ResetAt = now.Add(g.cfg.DailyWindow)
		}

		// Drop earn timestamps older than the anomaly window.
		recent := st.RecentEarn[:0]
		for _, ts := range st.RecentEarn {
			if now.Sub(ts) < g.cfg.Anomaly.Window {
				recent = append(recent, ts)
			}
		}
		st.RecentEarn = recent

		amount := base

		// Rule 1: minimum interval since the last successful earn.
		if st.LastEarnAt != nil {
			since := now.Sub(*st.LastEarnAt)
			switch {
			case since < g.cfg.Interval.FullBlockUnder:
				amount = 0
				outcome.Applied = append(outcome.Applied, RuleIntervalBlock)
			case since < g.cfg.Interval.HeavyReduceUnder:
				amount = reduce(amount, 0.75)
				outcome.Applied = append(outcome.Applied, RuleInterval75)
			case since < g.cfg.Interval.HalfReduceUnder:
				amount = reduce(amount, 0.50)
				outcome.Applied = append(outcome.Applied, RuleInterval50)
			}
		}

		// Rule 2: daily cap clamps to remaining headroom.
		if amount > 0 {
			headroom := g.cfg.DailyCap - st.DailyTotal
			if headroom <= 0 {
				amount = 0
				outcome.Applied = append(outcome.Applied, RuleDailyCapBlock)
			} else if amount > headroom {
				amount = headroom
				outcome.Applied = append(outcome.Applied, RuleDailyCapClamp)
			}
		}

		// Rule 3: trailing-hour anomaly applies a flat reduction.
		if amount > 0 && len(st.RecentEarn) > g.cfg.Anomaly.HourlyThreshold {
			amount = reduce(amount, g.cfg.Anomaly.Reduction)
			outcome.Applied = append(outcome.Applied, RuleAnomalyReduced)
		}

		// One state update per attempt, blocked or not.
		st.DailyCount++
		st.DailyTotal += amount
		if amount > 0 {
			ts := now
			st.LastEarnAt = &ts
			st.RecentEarn = append(st.RecentEarn, now)
		}

		outcome.IssuedAmount = amount
		outcome.Blocked = amount == 0
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("guardrail state update failed: %w", err)
	}

	for _, rule := range outcome.Applied {
		metrics.GuardrailReductionsTotal.WithLabelValues(rule).Inc()
	}
	if outcome.Blocked {
		log.Info().Str("user_id", userID).Int64("base", base).
			Strs("applied", outcome.Applied).Msg("earn blocked by guardrails")
	}

	return outcome, nil
}

// reduce cuts amount by the given fraction, flooring toward zero.
func reduce(amount int64, fraction float64) int64 {
	return int64(math.Floor(float64(amount) * (1 - fraction)))
}
