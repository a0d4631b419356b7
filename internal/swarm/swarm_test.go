package swarm

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capital-risk-engine/config"
	"capital-risk-engine/internal/logging"
	"capital-risk-engine/internal/store"
)

func newTestSwarm(t *testing.T, participants []string, st store.StateStore) *Swarm {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStateStore()
	}
	s, err := NewSwarm("test-swarm", participants, config.DefaultConfig().SwarmConfig, st, nil, logging.Nop())
	require.NoError(t, err)
	return s
}

func outcome(pnlPct float64, contributing ...string) TradeOutcome {
	return TradeOutcome{
		ID:           uuid.NewString(),
		Signal:       SignalBuy,
		PnLPct:       pnlPct,
		Contributing: contributing,
	}
}

func assertNormalized(t *testing.T, weights map[string]float64) {
	t.Helper()
	var sum float64
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestNewSwarm_EmptyParticipants(t *testing.T) {
	_, err := NewSwarm("empty", nil, config.DefaultConfig().SwarmConfig, store.NewMemoryStateStore(), nil, logging.Nop())
	assert.Error(t, err)
}

func TestNewSwarm_UniformWeights(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b", "c", "d"}, nil)

	weights := s.Weights()
	require.Len(t, weights, 4)
	for p, w := range weights {
		assert.InDelta(t, 0.25, w, 1e-9, "participant %s", p)
	}
	assertNormalized(t, weights)
	assert.Equal(t, StatusInactive, s.Status())
}

func TestCalculateConsensus_WeightedMajority(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b", "c"}, nil)

	// a and b back BUY at 80 and 60 confidence, c backs SELL at 90.
	// BUY tally: (1/3)*0.8 + (1/3)*0.6 = 0.4667 beats SELL's 0.30.
	res, err := s.CalculateConsensus(map[string]Decision{
		"a": {Signal: SignalBuy, Confidence: 80},
		"b": {Signal: SignalBuy, Confidence: 60},
		"c": {Signal: SignalSell, Confidence: 90},
	})
	require.NoError(t, err)

	assert.Equal(t, SignalBuy, res.Signal)
	assert.Equal(t, []string{"a", "b"}, res.Contributing)
	assert.InDelta(t, (0.8+0.6)/3*100, res.Confidence, 1e-9)
	assertNormalized(t, res.WeightsUsed)
}

func TestCalculateConsensus_EmptyDecisions(t *testing.T) {
	s := newTestSwarm(t, []string{"a"}, nil)
	_, err := s.CalculateConsensus(nil)
	assert.Error(t, err)
}

func TestCalculateConsensus_UnknownParticipantIgnored(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b"}, nil)

	res, err := s.CalculateConsensus(map[string]Decision{
		"a":        {Signal: SignalSell, Confidence: 40},
		"intruder": {Signal: SignalBuy, Confidence: 100},
	})
	require.NoError(t, err)

	assert.Equal(t, SignalSell, res.Signal)
	assert.NotContains(t, res.WeightsUsed, "intruder")
}

func TestCalculateConsensus_ConfidenceClamped(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b"}, nil)

	res, err := s.CalculateConsensus(map[string]Decision{
		"a": {Signal: SignalBuy, Confidence: 500},
		"b": {Signal: SignalBuy, Confidence: -50},
	})
	require.NoError(t, err)

	assert.Equal(t, SignalBuy, res.Signal)
	// a clamps to 100, b to 0: tally 0.5, confidence 50.
	assert.InDelta(t, 50, res.Confidence, 1e-9)
}

func TestRecordTradeOutcome_SumStaysNormalized(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b", "c"}, nil)
	ctx := context.Background()

	for _, pnl := range []float64{50, -30, 120, -200, 0, 75} {
		s.RecordTradeOutcome(ctx, outcome(pnl, "a", "b"))
		assertNormalized(t, s.Weights())
	}
}

func TestRecordTradeOutcome_WinRewardsContributors(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b", "c"}, nil)
	ctx := context.Background()

	before := s.Weights()
	s.RecordTradeOutcome(ctx, outcome(100, "a"))
	after := s.Weights()

	assert.Greater(t, after["a"], before["a"])
	assert.Less(t, after["b"], before["b"])
	assert.Less(t, after["c"], before["c"])
}

func TestRecordTradeOutcome_LossPenalizesContributors(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b"}, nil)
	ctx := context.Background()

	// Loss adjustment 1-300/1000 = 0.7 vs the 0.95 decay: the contributor
	// ends up below the bystander.
	s.RecordTradeOutcome(ctx, outcome(-300, "a"))
	after := s.Weights()

	assert.Less(t, after["a"], after["b"])
	assertNormalized(t, after)
}

func TestRecordTradeOutcome_AdjustmentClamped(t *testing.T) {
	s := newTestSwarm(t, []string{"a", "b"}, nil)
	ctx := context.Background()

	// A huge win clamps the adjustment at 1.5:
	// a: 0.5*1.5=0.75, b: 0.5*0.95=0.475, normalized a = 0.75/1.225.
	s.RecordTradeOutcome(ctx, outcome(1e6, "a"))
	after := s.Weights()

	assert.InDelta(t, 0.75/1.225, after["a"], 1e-9)

	// And a catastrophic loss clamps at 0.5.
	s2 := newTestSwarm(t, []string{"a", "b"}, nil)
	s2.RecordTradeOutcome(ctx, outcome(-1e6, "a"))
	after2 := s2.Weights()
	assert.InDelta(t, 0.25/(0.25+0.475), after2["a"], 1e-9)
}

func TestStatusLifecycle(t *testing.T) {
	cfg := config.DefaultConfig().SwarmConfig
	cfg.OptimizedThreshold = 3

	s, err := NewSwarm("lifecycle", []string{"a", "b"}, cfg, store.NewMemoryStateStore(), nil, logging.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, StatusInactive, s.Status())

	s.Enable()
	assert.Equal(t, StatusTraining, s.Status())

	s.RecordTradeOutcome(ctx, outcome(10, "a"))
	s.RecordTradeOutcome(ctx, outcome(-5, "b"))
	assert.Equal(t, StatusTraining, s.Status())

	s.RecordTradeOutcome(ctx, outcome(20, "a"))
	assert.Equal(t, StatusOptimized, s.Status())
	assert.Equal(t, 3, s.TradeCount())

	// OPTIMIZED is a label: updates keep flowing.
	s.RecordTradeOutcome(ctx, outcome(15, "b"))
	assert.Equal(t, 4, s.TradeCount())
	assertNormalized(t, s.Weights())
}

func TestSwarm_Rehydration(t *testing.T) {
	st := store.NewMemoryStateStore()
	ctx := context.Background()

	s := newTestSwarm(t, []string{"a", "b", "c"}, st)
	s.Enable()
	s.RecordTradeOutcome(ctx, outcome(80, "a", "b"))
	want := s.Weights()

	restored := newTestSwarm(t, []string{"a", "b", "c"}, st)
	assert.Equal(t, want, restored.Weights())
	assert.Equal(t, 1, restored.TradeCount())
	assert.Equal(t, StatusTraining, restored.Status())
}

func TestSwarm_RehydrationIgnoresMismatchedRoster(t *testing.T) {
	st := store.NewMemoryStateStore()
	ctx := context.Background()

	s := newTestSwarm(t, []string{"a", "b", "c"}, st)
	s.RecordTradeOutcome(ctx, outcome(80, "a"))

	// A different roster size falls back to uniform weights.
	changed, err := NewSwarm("test-swarm", []string{"a", "b"}, config.DefaultConfig().SwarmConfig, st, nil, logging.Nop())
	require.NoError(t, err)
	for _, w := range changed.Weights() {
		assert.InDelta(t, 0.5, w, 1e-9)
	}
}
