// Package allocation decides how much capital each strategy receives and
// enforces the portfolio-wide risk circuit breaker.
package allocation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"capital-risk-engine/config"
	"capital-risk-engine/internal/events"
	"capital-risk-engine/internal/logging"
	"capital-risk-engine/internal/monitoring"
	"capital-risk-engine/internal/store"
)

const (
	defaultKellyFraction = 0.10
	kellyMin             = 0.05
	kellyMax             = 0.30
	halfKelly            = 0.5
	kellyBlendWeight     = 0.70 // Remainder is Sharpe-proportional
	sharpeFloor          = 0.1
	rebalanceLogDelta    = 1000.0
)

// HistoryWriter records allocation decisions to durable history. Optional;
// a nil writer disables history.
type HistoryWriter interface {
	InsertAllocationSnapshot(ctx context.Context, allocations map[string]float64, totalCapital float64, at time.Time) error
}

// Allocator computes per-strategy capital allocations from performance
// snapshots and evaluates drawdown and daily-loss limits on every valuation
// tick. One mutex guards the allocation map and the risk counters; they are
// written concurrently by multiple strategy loops.
type Allocator struct {
	cfg     config.AllocatorConfig
	store   store.StateStore
	history HistoryWriter
	bus     *events.EventBus
	logger  *logging.Logger

	mu            sync.RWMutex
	allocation    Allocation
	risk          PortfolioRiskState
	lastRebalance time.Time
}

// persistedState is the snapshot written to the state store on every mutation
type persistedState struct {
	Allocation    Allocation         `json:"allocation"`
	Risk          PortfolioRiskState `json:"risk"`
	LastRebalance time.Time          `json:"last_rebalance"`
}

// NewAllocator creates an allocator and rehydrates its last persisted state.
// Construction fails only on invalid capital; a missing or unreadable
// snapshot falls back to a cold start.
func NewAllocator(cfg config.AllocatorConfig, st store.StateStore, history HistoryWriter, bus *events.EventBus, logger *logging.Logger) (*Allocator, error) {
	if cfg.TotalCapital <= 0 {
		return nil, fmt.Errorf("total capital must be positive, got %.2f", cfg.TotalCapital)
	}

	a := &Allocator{
		cfg:     cfg,
		store:   st,
		history: history,
		bus:     bus,
		logger:  logger.WithComponent("allocator"),
	}

	var state persistedState
	found, err := st.Load(context.Background(), store.KeyAllocation, &state)
	if err != nil {
		a.logger.Warn("failed to load persisted state, cold starting", "error", err)
	}
	if found && err == nil {
		a.allocation = state.Allocation
		a.risk = state.Risk
		a.lastRebalance = state.LastRebalance
		a.logger.Info("rehydrated allocator state",
			"strategies", len(state.Allocation.Amounts),
			"peak_capital", state.Risk.PeakCapital)
	} else {
		a.allocation = Allocation{Amounts: make(map[string]float64)}
		a.risk = PortfolioRiskState{
			TotalCapital:  cfg.TotalCapital,
			PeakCapital:   cfg.TotalCapital,
			DayStartValue: cfg.TotalCapital,
			DayStart:      time.Now().UTC().Truncate(24 * time.Hour),
		}
	}

	return a, nil
}

// KellyFraction computes a fractional Kelly bet size from the win rate and
// the average win/loss sizes. Degenerate inputs (certain win or loss,
// non-positive sizes) return the conservative default rather than a computed
// negative or NaN value.
func (a *Allocator) KellyFraction(winRate, avgWin, avgLoss float64) float64 {
	if winRate <= 0 || winRate >= 1 || avgWin <= 0 || avgLoss <= 0 {
		return defaultKellyFraction
	}

	b := avgWin / avgLoss
	f := (winRate*b - (1 - winRate)) / b
	f *= halfKelly

	return clamp(f, kellyMin, kellyMax)
}

// estimateWinLoss backs average win and loss sizes out of the snapshot's net
// pnl, win rate, and trade count. Losses are normalized to one unit; the
// average win is whatever reproduces the observed net pnl.
func estimateWinLoss(snap StrategySnapshot) (avgWin, avgLoss float64) {
	if snap.TotalTrades <= 0 {
		return 0, 0
	}
	wins := snap.WinRate * float64(snap.TotalTrades)
	losses := float64(snap.TotalTrades) - wins
	if wins < 1 || losses < 1 {
		return 0, 0
	}
	avgLoss = 1.0
	avgWin = (snap.PnLPct + losses*avgLoss) / wins
	return avgWin, avgLoss
}

// AllocateCapital computes a fresh allocation from the given snapshots,
// persists it, and makes it current.
func (a *Allocator) AllocateCapital(ctx context.Context, snapshots []StrategySnapshot) (Allocation, error) {
	if len(snapshots) == 0 {
		return Allocation{}, fmt.Errorf("no snapshots provided")
	}

	amounts := a.computeAllocation(snapshots)
	alloc := Allocation{Amounts: amounts, Timestamp: time.Now().UTC()}

	a.mu.Lock()
	a.allocation = alloc
	a.persistLocked(ctx)
	a.mu.Unlock()

	for id, dollars := range amounts {
		monitoring.SetAllocation(id, dollars)
	}
	if a.history != nil {
		if err := a.history.InsertAllocationSnapshot(ctx, amounts, a.cfg.TotalCapital, alloc.Timestamp); err != nil {
			a.logger.Warn("failed to record allocation history", "error", err)
		}
	}

	a.logger.Info("capital allocated",
		"strategies", len(amounts),
		"total", alloc.Total())

	return alloc.Copy(), nil
}

// computeAllocation is the pure allocation calculation: qualification,
// Kelly/Sharpe blend, renormalization, then per-strategy bounds.
func (a *Allocator) computeAllocation(snapshots []StrategySnapshot) map[string]float64 {
	total := a.cfg.TotalCapital
	minUSD := a.cfg.MinAllocationUSD
	maxUSD := a.cfg.MaxAllocationPct * total

	var qualified []StrategySnapshot
	for _, snap := range snapshots {
		if snap.TotalTrades >= a.cfg.MinQualifyingTrades && snap.SharpeRatio > a.cfg.MinQualifyingSharpe {
			qualified = append(qualified, snap)
		}
	}

	amounts := make(map[string]float64)

	if len(qualified) == 0 {
		// Nothing has proven itself yet: split capital equally across every
		// strategy that reported.
		equal := total / float64(len(snapshots))
		for _, snap := range snapshots {
			amounts[snap.StrategyID] = clamp(equal, minUSD, maxUSD)
		}
		return amounts
	}

	var sharpeSum float64
	for _, snap := range qualified {
		sharpeSum += math.Max(snap.SharpeRatio, sharpeFloor)
	}

	blended := make(map[string]float64, len(qualified))
	var blendedSum float64
	for _, snap := range qualified {
		avgWin, avgLoss := estimateWinLoss(snap)
		kellyDollars := a.KellyFraction(snap.WinRate, avgWin, avgLoss) * total
		sharpeDollars := math.Max(snap.SharpeRatio, sharpeFloor) / sharpeSum * total

		amount := kellyBlendWeight*kellyDollars + (1-kellyBlendWeight)*sharpeDollars
		blended[snap.StrategyID] = amount
		blendedSum += amount
	}

	// Renormalize the blended sums to exactly the total, then apply the
	// per-strategy floor and cap. Capital a cap strips stays in cash.
	scale := total / blendedSum
	for id, amount := range blended {
		amounts[id] = clamp(amount*scale, minUSD, maxUSD)
	}

	return amounts
}

// ShouldRebalance reports whether the rebalance cadence has elapsed
func (a *Allocator) ShouldRebalance() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastRebalance.IsZero() {
		return true
	}
	interval := time.Duration(a.cfg.RebalanceIntervalDays) * 24 * time.Hour
	return time.Since(a.lastRebalance) >= interval
}

// RebalancePortfolio recomputes the allocation if the cadence has elapsed.
// The bool reports whether a rebalance actually happened.
func (a *Allocator) RebalancePortfolio(ctx context.Context, snapshots []StrategySnapshot) (Allocation, bool, error) {
	if !a.ShouldRebalance() {
		return a.GetAllocation(), false, nil
	}

	old := a.GetAllocation()

	alloc, err := a.AllocateCapital(ctx, snapshots)
	if err != nil {
		return Allocation{}, false, err
	}

	a.mu.Lock()
	a.lastRebalance = time.Now().UTC()
	a.persistLocked(ctx)
	a.mu.Unlock()

	a.logRebalanceDeltas(old, alloc)
	monitoring.IncRebalance()
	if a.bus != nil {
		a.bus.Publish(events.Event{
			Type: events.EventAllocationRebalanced,
			Data: map[string]interface{}{
				"strategies": len(alloc.Amounts),
				"total":      alloc.Total(),
			},
		})
	}

	return alloc, true, nil
}

// logRebalanceDeltas logs per-strategy moves larger than the reporting
// threshold, in stable order.
func (a *Allocator) logRebalanceDeltas(old, current Allocation) {
	ids := make([]string, 0, len(current.Amounts))
	for id := range current.Amounts {
		ids = append(ids, id)
	}
	for id := range old.Amounts {
		if _, ok := current.Amounts[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		delta := current.Amounts[id] - old.Amounts[id]
		if math.Abs(delta) > rebalanceLogDelta {
			a.logger.Info("rebalance delta",
				"strategy", id,
				"old", old.Amounts[id],
				"new", current.Amounts[id],
				"delta", delta)
		}
	}
}

// CheckRiskLimits evaluates the circuit breakers against the current
// mark-to-market value. A portfolio-wide breach pauses every strategy in the
// input regardless of individual metrics; otherwise only strategies whose own
// drawdown breaches the per-strategy limit are paused.
func (a *Allocator) CheckRiskLimits(ctx context.Context, currentValue float64, snapshots []StrategySnapshot) map[string]bool {
	a.mu.Lock()

	if currentValue > a.risk.PeakCapital {
		a.risk.PeakCapital = currentValue
	}

	var drawdown float64
	if a.risk.PeakCapital > 0 {
		drawdown = (a.risk.PeakCapital - currentValue) / a.risk.PeakCapital
	}
	a.risk.CurrentDrawdownPct = drawdown

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(a.risk.DayStart) {
		a.risk.DayStart = today
		a.risk.DayStartValue = currentValue
	}
	var dailyLoss float64
	if a.risk.DayStartValue > 0 {
		dailyLoss = (a.risk.DayStartValue - currentValue) / a.risk.DayStartValue
	}

	a.persistLocked(ctx)
	a.mu.Unlock()

	monitoring.SetPortfolioDrawdown(drawdown)

	pause := make(map[string]bool, len(snapshots))

	if drawdown >= a.cfg.MaxPortfolioRiskPct || dailyLoss >= a.cfg.MaxDailyLossPct {
		ids := make([]string, 0, len(snapshots))
		for _, snap := range snapshots {
			pause[snap.StrategyID] = true
			ids = append(ids, snap.StrategyID)
		}

		reason := fmt.Sprintf("portfolio drawdown %.2f%% / daily loss %.2f%%", drawdown*100, dailyLoss*100)
		a.logger.Warn("portfolio risk limit breached, pausing all strategies",
			"drawdown", drawdown,
			"daily_loss", dailyLoss)
		monitoring.IncRiskPause("portfolio")
		if a.bus != nil {
			a.bus.PublishRiskPause(reason, ids, true)
		}
		return pause
	}

	var pausedIDs []string
	for _, snap := range snapshots {
		breached := math.Abs(snap.MaxDrawdown) >= a.cfg.MaxPerStrategyRiskPct
		pause[snap.StrategyID] = breached
		if breached {
			pausedIDs = append(pausedIDs, snap.StrategyID)
		}
	}
	if len(pausedIDs) > 0 {
		a.logger.Warn("strategy drawdown limit breached", "strategies", pausedIDs)
		monitoring.IncRiskPause("strategy")
		if a.bus != nil {
			a.bus.PublishRiskPause("strategy drawdown limit", pausedIDs, false)
		}
	}

	return pause
}

// GetAllocation returns a copy of the current allocation
func (a *Allocator) GetAllocation() Allocation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.allocation.Copy()
}

// AllocationFor returns the dollars allocated to one strategy, zero if none
func (a *Allocator) AllocationFor(strategyID string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.allocation.Amounts[strategyID]
}

// RiskState returns a copy of the current portfolio risk state
func (a *Allocator) RiskState() PortfolioRiskState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.risk
}

// persistLocked saves state best-effort. Failures are logged and swallowed;
// in-memory state stays authoritative. Caller must hold a.mu.
func (a *Allocator) persistLocked(ctx context.Context) {
	state := persistedState{
		Allocation:    a.allocation,
		Risk:          a.risk,
		LastRebalance: a.lastRebalance,
	}
	if err := a.store.Save(ctx, store.KeyAllocation, state); err != nil {
		a.logger.Warn("failed to persist allocator state", "error", err)
		monitoring.IncPersistenceError("allocator")
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
