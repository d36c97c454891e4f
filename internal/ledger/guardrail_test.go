package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/persistence"
)

// guardrailFixture drives the engine with a controllable clock.
type guardrailFixture struct {
	engine *GuardrailEngine
	repo   persistence.GuardrailRepo
	now    time.Time
}

func newGuardrailFixture(cfg *config.GuardrailConfig) *guardrailFixture {
	f := &guardrailFixture{
		repo: persistence.NewMemoryGuardrailRepo(),
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewGuardrailEngine(cfg, f.repo).WithClock(func() time.Time { return f.now })
	return f
}

func (f *guardrailFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestGuardrails_FirstEarnFullAmount(t *testing.T) {
	f := newGuardrailFixture(nil)

	out, err := f.engine.Apply(context.Background(), "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), out.IssuedAmount)
	assert.Empty(t, out.Applied)
	assert.False(t, out.Blocked)
}

func TestGuardrails_MinIntervalTiers(t *testing.T) {
	ctx := context.Background()
	f := newGuardrailFixture(nil)

	out, err := f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), out.IssuedAmount)

	// Under 60s: fully blocked.
	f.advance(30 * time.Second)
	out, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.True(t, out.Blocked)
	assert.Zero(t, out.IssuedAmount)
	assert.Equal(t, []string{RuleIntervalBlock}, out.Applied)

	// 60-180s since the last successful earn: 75% reduction.
	f.advance(90 * time.Second)
	out, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(25), out.IssuedAmount)
	assert.Equal(t, []string{RuleInterval75}, out.Applied)

	// 180-300s: 50% reduction.
	f.advance(200 * time.Second)
	out, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(50), out.IssuedAmount)
	assert.Equal(t, []string{RuleInterval50}, out.Applied)

	// At or past 300s: no interval reduction.
	f.advance(300 * time.Second)
	out, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), out.IssuedAmount)
	assert.Empty(t, out.Applied)
}

func TestGuardrails_BlockedAttemptKeepsLastEarn(t *testing.T) {
	ctx := context.Background()
	f := newGuardrailFixture(nil)

	_, err := f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)

	f.advance(30 * time.Second)
	out, err := f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	require.True(t, out.Blocked)

	// 70s after the successful earn, 40s after the blocked one. The
	// interval measures from the last success, so this reduces rather
	// than blocks.
	f.advance(40 * time.Second)
	out, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(25), out.IssuedAmount)
	assert.Equal(t, []string{RuleInterval75}, out.Applied)
}

func TestGuardrails_DailyCapClampThenBlock(t *testing.T) {
	ctx := context.Background()
	f := newGuardrailFixture(nil)

	out, err := f.engine.Apply(ctx, "user-1", 450)
	require.NoError(t, err)
	require.Equal(t, int64(450), out.IssuedAmount)

	// 50 of headroom left against the 500 cap.
	f.advance(10 * time.Minute)
	out, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(50), out.IssuedAmount)
	assert.Equal(t, []string{RuleDailyCapClamp}, out.Applied)

	f.advance(10 * time.Minute)
	out, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.True(t, out.Blocked)
	assert.Equal(t, []string{RuleDailyCapBlock}, out.Applied)
}

func TestGuardrails_DailyWindowResets(t *testing.T) {
	ctx := context.Background()
	f := newGuardrailFixture(nil)

	_, err := f.engine.Apply(ctx, "user-1", 500)
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	out, err := f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	require.True(t, out.Blocked)

	f.advance(25 * time.Hour)
	out, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), out.IssuedAmount)
	assert.Empty(t, out.Applied)

	st, err := f.repo.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.DailyCount)
	assert.Equal(t, int64(100), st.DailyTotal)
}

func TestGuardrails_AnomalyReduction(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultGuardrailConfig()
	cfg.DailyCap = 100000
	cfg.Anomaly.HourlyThreshold = 3
	f := newGuardrailFixture(cfg)

	// Four full earns inside the trailing hour, spaced past every
	// interval tier.
	for i := 0; i < 4; i++ {
		out, err := f.engine.Apply(ctx, "user-1", 100)
		require.NoError(t, err)
		require.Equal(t, int64(100), out.IssuedAmount)
		f.advance(310 * time.Second)
	}

	out, err := f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(70), out.IssuedAmount)
	assert.Equal(t, []string{RuleAnomalyReduced}, out.Applied)
}

func TestGuardrails_AnomalyWindowExpires(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultGuardrailConfig()
	cfg.DailyCap = 100000
	cfg.Anomaly.HourlyThreshold = 3
	f := newGuardrailFixture(cfg)

	for i := 0; i < 4; i++ {
		_, err := f.engine.Apply(ctx, "user-1", 100)
		require.NoError(t, err)
		f.advance(310 * time.Second)
	}

	// After an idle hour the trailing window is empty again.
	f.advance(time.Hour)
	out, err := f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), out.IssuedAmount)
	assert.Empty(t, out.Applied)
}

func TestGuardrails_ReductionsStackMultiplicatively(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultGuardrailConfig()
	cfg.DailyCap = 100000
	cfg.Anomaly.HourlyThreshold = 1
	f := newGuardrailFixture(cfg)

	_, err := f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	f.advance(400 * time.Second)
	_, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)

	// 100s since the last earn (75% interval cut) with two earns in the
	// trailing hour (30% anomaly cut): floor(100 * 0.25 * 0.70) = 17.
	f.advance(100 * time.Second)
	out, err := f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(17), out.IssuedAmount)
	assert.Equal(t, []string{RuleInterval75, RuleAnomalyReduced}, out.Applied)
}

func TestGuardrails_StateUpdatedOncePerAttempt(t *testing.T) {
	ctx := context.Background()
	f := newGuardrailFixture(nil)

	_, err := f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)
	f.advance(30 * time.Second)
	_, err = f.engine.Apply(ctx, "user-1", 100)
	require.NoError(t, err)

	st, err := f.repo.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.DailyCount)
	assert.Equal(t, int64(100), st.DailyTotal)
	require.NotNil(t, st.LastEarnAt)
	assert.Len(t, st.RecentEarn, 1)
}

func TestGuardrails_RejectsNonPositiveBase(t *testing.T) {
	f := newGuardrailFixture(nil)

	_, err := f.engine.Apply(context.Background(), "user-1", 0)
	assert.Error(t, err)
	_, err = f.engine.Apply(context.Background(), "user-1", -5)
	assert.Error(t, err)
}
