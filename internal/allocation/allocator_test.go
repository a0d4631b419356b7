package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capital-risk-engine/config"
	"capital-risk-engine/internal/logging"
	"capital-risk-engine/internal/store"
)

func testConfig() config.AllocatorConfig {
	return config.DefaultConfig().AllocatorConfig
}

func newTestAllocator(t *testing.T, cfg config.AllocatorConfig, st store.StateStore) *Allocator {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStateStore()
	}
	a, err := NewAllocator(cfg, st, nil, nil, logging.Nop())
	require.NoError(t, err)
	return a
}

func snapshot(id string, pnlPct, winRate, sharpe, maxDD float64, trades int) StrategySnapshot {
	return StrategySnapshot{
		StrategyID:  id,
		PnLPct:      pnlPct,
		WinRate:     winRate,
		SharpeRatio: sharpe,
		MaxDrawdown: maxDD,
		TotalTrades: trades,
		Timestamp:   time.Now(),
	}
}

func TestNewAllocator_InvalidCapital(t *testing.T) {
	cfg := testConfig()
	cfg.TotalCapital = 0
	_, err := NewAllocator(cfg, store.NewMemoryStateStore(), nil, nil, logging.Nop())
	assert.Error(t, err)

	cfg.TotalCapital = -5000
	_, err = NewAllocator(cfg, store.NewMemoryStateStore(), nil, nil, logging.Nop())
	assert.Error(t, err)
}

func TestKellyFraction_DegenerateInputs(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)

	tests := []struct {
		name    string
		winRate float64
		avgWin  float64
		avgLoss float64
	}{
		{"zero win rate", 0, 1.5, 1.0},
		{"certain win", 1, 1.5, 1.0},
		{"zero avg win", 0.6, 0, 1.0},
		{"negative avg win", 0.6, -1, 1.0},
		{"zero avg loss", 0.6, 1.5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0.10, a.KellyFraction(tt.winRate, tt.avgWin, tt.avgLoss))
		})
	}
}

func TestKellyFraction_Bounds(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)

	// Weak edge still gets the floor, strong edge is capped.
	assert.Equal(t, 0.05, a.KellyFraction(0.40, 1.0, 1.0))
	assert.Equal(t, 0.30, a.KellyFraction(0.90, 3.0, 1.0))
}

func TestKellyFraction_MonotonicInWinRate(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)

	prev := 0.0
	for winRate := 0.05; winRate < 1.0; winRate += 0.05 {
		f := a.KellyFraction(winRate, 2.0, 1.0)
		assert.GreaterOrEqual(t, f, prev, "win rate %.2f", winRate)
		assert.GreaterOrEqual(t, f, 0.05)
		assert.LessOrEqual(t, f, 0.30)
		prev = f
	}
}

func TestAllocateCapital_SumAndBounds(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)

	snaps := []StrategySnapshot{
		snapshot("alpha", 8, 0.55, 1.2, 0.04, 40),
		snapshot("beta", 5, 0.52, 1.1, 0.05, 30),
		snapshot("gamma", 4, 0.50, 1.0, 0.06, 30),
	}

	alloc, err := a.AllocateCapital(context.Background(), snaps)
	require.NoError(t, err)
	require.Len(t, alloc.Amounts, 3)

	assert.InDelta(t, 100000, alloc.Total(), 1e-6)
	for id, dollars := range alloc.Amounts {
		assert.GreaterOrEqual(t, dollars, 5000.0, "strategy %s", id)
		assert.LessOrEqual(t, dollars, 40000.0, "strategy %s", id)
	}
}

func TestAllocateCapital_NoQualified_EqualSplit(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)

	snaps := []StrategySnapshot{
		snapshot("a", 1, 0.5, 0.2, 0.02, 5),
		snapshot("b", -2, 0.4, 0.1, 0.03, 8),
		snapshot("c", 0, 0.5, 0.6, 0.01, 3), // Sharpe fine but too few trades
		snapshot("d", 3, 0.6, 0.4, 0.02, 50),
	}

	alloc, err := a.AllocateCapital(context.Background(), snaps)
	require.NoError(t, err)
	require.Len(t, alloc.Amounts, 4)

	for id, dollars := range alloc.Amounts {
		assert.InDelta(t, 25000, dollars, 1e-6, "strategy %s", id)
	}
	assert.InDelta(t, 100000, alloc.Total(), 1e-6)
}

func TestAllocateCapital_QualificationSplit(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)

	snaps := []StrategySnapshot{
		snapshot("winner", 10, 0.60, 2.0, 0.03, 50),
		snapshot("loser", -5, 0.40, 0.3, 0.08, 50),
	}

	alloc, err := a.AllocateCapital(context.Background(), snaps)
	require.NoError(t, err)

	winner := alloc.Amounts["winner"]
	loser := alloc.Amounts["loser"]

	assert.Greater(t, winner, loser)
	assert.LessOrEqual(t, winner, 40000.0)
	assert.Zero(t, loser, "unqualified strategy gets no allocation")
}

func TestAllocateCapital_ZeroTradesExcluded(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)

	// A strategy with missing performance data defaults to zero trades and
	// is never treated as qualified.
	snaps := []StrategySnapshot{
		{StrategyID: "empty", SharpeRatio: 3.0},
		snapshot("active", 6, 0.55, 1.5, 0.02, 25),
	}

	alloc, err := a.AllocateCapital(context.Background(), snaps)
	require.NoError(t, err)

	assert.Zero(t, alloc.Amounts["empty"])
	assert.Greater(t, alloc.Amounts["active"], 0.0)
}

func TestAllocateCapital_EmptyInput(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)
	_, err := a.AllocateCapital(context.Background(), nil)
	assert.Error(t, err)
}

func TestCheckRiskLimits_PortfolioDrawdownPausesAll(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)

	snaps := []StrategySnapshot{
		snapshot("healthy", 12, 0.65, 2.5, 0.01, 60),
		snapshot("mediocre", 1, 0.50, 0.8, 0.04, 30),
	}

	// Establish the peak, then drop 16% (limit is 15%).
	pause := a.CheckRiskLimits(context.Background(), 100000, snaps)
	assert.False(t, pause["healthy"])

	pause = a.CheckRiskLimits(context.Background(), 84000, snaps)
	for id, paused := range pause {
		assert.True(t, paused, "strategy %s must be paused on portfolio breach", id)
	}
}

func TestCheckRiskLimits_PerStrategyDrawdown(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyLossPct = 0.05
	a := newTestAllocator(t, cfg, nil)

	snaps := []StrategySnapshot{
		snapshot("steady", 4, 0.55, 1.2, 0.03, 40),
		snapshot("bleeding", -2, 0.45, 0.6, 0.12, 40), // Above 10% per-strategy limit
	}

	a.CheckRiskLimits(context.Background(), 100000, snaps)
	pause := a.CheckRiskLimits(context.Background(), 99000, snaps)

	assert.False(t, pause["steady"])
	assert.True(t, pause["bleeding"])
}

func TestCheckRiskLimits_PeakTracking(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)
	snaps := []StrategySnapshot{snapshot("s", 4, 0.55, 1.2, 0.03, 40)}

	a.CheckRiskLimits(context.Background(), 100000, snaps)
	a.CheckRiskLimits(context.Background(), 120000, snaps)

	state := a.RiskState()
	assert.Equal(t, 120000.0, state.PeakCapital)

	a.CheckRiskLimits(context.Background(), 110000, snaps)
	state = a.RiskState()
	assert.InDelta(t, (120000.0-110000.0)/120000.0, state.CurrentDrawdownPct, 1e-9)
}

func TestShouldRebalance_Cadence(t *testing.T) {
	a := newTestAllocator(t, testConfig(), nil)
	assert.True(t, a.ShouldRebalance(), "first rebalance is always due")

	snaps := []StrategySnapshot{snapshot("s", 4, 0.55, 1.2, 0.03, 40)}
	_, rebalanced, err := a.RebalancePortfolio(context.Background(), snaps)
	require.NoError(t, err)
	assert.True(t, rebalanced)

	assert.False(t, a.ShouldRebalance(), "cadence has not elapsed")
	_, rebalanced, err = a.RebalancePortfolio(context.Background(), snaps)
	require.NoError(t, err)
	assert.False(t, rebalanced)
}

func TestRehydration(t *testing.T) {
	st := store.NewMemoryStateStore()
	a := newTestAllocator(t, testConfig(), st)

	snaps := []StrategySnapshot{
		snapshot("alpha", 8, 0.55, 1.2, 0.04, 40),
		snapshot("beta", 5, 0.52, 1.1, 0.05, 30),
	}
	alloc, err := a.AllocateCapital(context.Background(), snaps)
	require.NoError(t, err)

	restored := newTestAllocator(t, testConfig(), st)
	assert.Equal(t, alloc.Amounts, restored.GetAllocation().Amounts)
}
