// Package engine wires the allocator, sizer, trailing stop engine, and
// consensus swarms into one component graph and runs the per-strategy control
// loops. Components are constructed once and injected; there is no ambient
// global state.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"capital-risk-engine/config"
	"capital-risk-engine/internal/allocation"
	"capital-risk-engine/internal/database"
	"capital-risk-engine/internal/events"
	"capital-risk-engine/internal/logging"
	"capital-risk-engine/internal/risk"
	"capital-risk-engine/internal/store"
	"capital-risk-engine/internal/swarm"
)

// MarketTick is the per-tick market context supplied by the host
type MarketTick struct {
	Price     float64               `json:"price"`
	ATR       float64               `json:"atr"`
	Regime    risk.VolatilityRegime `json:"regime"`
	Timestamp time.Time             `json:"timestamp"`
}

// StrategyFeed supplies one strategy's inputs to its control loop. The host
// implements this against its market-data and accounting collaborators.
type StrategyFeed interface {
	// Snapshot returns the strategy's latest performance snapshot.
	Snapshot(ctx context.Context) (allocation.StrategySnapshot, error)
	// PortfolioValue returns the current portfolio mark-to-market value.
	PortfolioValue(ctx context.Context) (float64, error)
}

// TradeTicket is what the engine hands back when a position is opened
type TradeTicket struct {
	Handle      int                    `json:"handle"`
	StrategyID  string                 `json:"strategy_id"`
	Direction   risk.Direction         `json:"direction"`
	Guidance    *risk.Guidance         `json:"guidance"`
	TakeProfits []risk.TakeProfitLevel `json:"take_profits"`
}

// openPosition is the engine-side context for a tracked position
type openPosition struct {
	strategyID   string
	signal       swarm.Signal
	entryPrice   float64
	units        float64
	contributing []string
}

// Engine is the host-facing facade over the risk control components
type Engine struct {
	cfg       *config.Config
	allocator *allocation.Allocator
	sizer     *risk.Sizer
	trailing  *risk.TrailingStopEngine
	bus       *events.EventBus
	logger    *logging.Logger
	history   *database.Repository

	mu        sync.RWMutex
	swarms    map[string]*swarm.Swarm
	snapshots map[string]allocation.StrategySnapshot
	paused    map[string]bool
	positions map[int]openPosition

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the component graph and rehydrates persisted state. history may
// be nil; everything else is required.
func New(cfg *config.Config, st store.StateStore, history *database.Repository, bus *events.EventBus, logger *logging.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var allocHistory allocation.HistoryWriter
	if history != nil {
		allocHistory = history
	}

	allocator, err := allocation.NewAllocator(cfg.AllocatorConfig, st, allocHistory, bus, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		allocator: allocator,
		sizer:     risk.NewSizer(cfg.SizerConfig, logger),
		trailing:  risk.NewTrailingStopEngine(cfg.TrailingConfig, st, bus, logger),
		bus:       bus,
		logger:    logger.WithComponent("engine"),
		history:   history,
		swarms:    make(map[string]*swarm.Swarm),
		snapshots: make(map[string]allocation.StrategySnapshot),
		paused:    make(map[string]bool),
		positions: make(map[int]openPosition),
		stopCh:    make(chan struct{}),
	}, nil
}

// Allocator exposes the capital allocator to the host
func (e *Engine) Allocator() *allocation.Allocator {
	return e.allocator
}

// Sizer exposes the position risk sizer to the host
func (e *Engine) Sizer() *risk.Sizer {
	return e.sizer
}

// TrailingStops exposes the trailing stop engine to the host
func (e *Engine) TrailingStops() *risk.TrailingStopEngine {
	return e.trailing
}

// RegisterSwarm creates (or rehydrates) the consensus swarm for a strategy
func (e *Engine) RegisterSwarm(strategyID string, participants []string, st store.StateStore) (*swarm.Swarm, error) {
	sw, err := swarm.NewSwarm(strategyID, participants, e.cfg.SwarmConfig, st, e.bus, e.logger)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.swarms[strategyID] = sw
	e.mu.Unlock()
	return sw, nil
}

// Swarm returns the consensus swarm registered for a strategy
func (e *Engine) Swarm(strategyID string) (*swarm.Swarm, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sw, ok := e.swarms[strategyID]
	return sw, ok
}

// OnSnapshot records a strategy's latest performance snapshot
func (e *Engine) OnSnapshot(snap allocation.StrategySnapshot) {
	e.mu.Lock()
	e.snapshots[snap.StrategyID] = snap
	e.mu.Unlock()
}

// OnValuation evaluates the risk circuit breakers against the current
// portfolio value and runs the rebalance cadence. It returns the per-strategy
// pause decisions, which the external scheduler consumes.
func (e *Engine) OnValuation(ctx context.Context, currentValue float64) map[string]bool {
	snapshots := e.snapshotList()

	pause := e.allocator.CheckRiskLimits(ctx, currentValue, snapshots)

	e.mu.Lock()
	for id, p := range pause {
		e.paused[id] = p
	}
	e.mu.Unlock()

	if len(snapshots) > 0 {
		if _, rebalanced, err := e.allocator.RebalancePortfolio(ctx, snapshots); err != nil {
			e.logger.Warn("rebalance failed", "error", err)
		} else if rebalanced {
			e.logger.Info("portfolio rebalanced", "strategies", len(snapshots))
		}
	}

	return pause
}

// IsPaused reports whether a strategy is currently paused by risk limits
func (e *Engine) IsPaused(strategyID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused[strategyID]
}

// OpenPosition sizes and opens a position for a consensus decision. HOLD
// decisions and paused strategies never open a position.
func (e *Engine) OpenPosition(ctx context.Context, strategyID string, decision swarm.ConsensusResult, tick MarketTick) (*TradeTicket, error) {
	if decision.Signal == swarm.SignalHold {
		return nil, nil
	}
	if e.IsPaused(strategyID) {
		return nil, fmt.Errorf("strategy %s is paused by risk limits", strategyID)
	}

	balance := e.allocator.AllocationFor(strategyID)
	if balance <= 0 {
		return nil, fmt.Errorf("strategy %s has no capital allocation", strategyID)
	}

	direction := risk.Long
	if decision.Signal == swarm.SignalSell {
		direction = risk.Short
	}

	e.mu.RLock()
	snap := e.snapshots[strategyID]
	e.mu.RUnlock()

	guidance := e.sizer.GetRiskGuidance(
		balance, tick.Price, direction, tick.ATR, tick.Regime,
		decision.Confidence, snap.WinRate, regimeVolatilityMultiplier(tick.Regime),
	)

	handle := e.trailing.Open(ctx, tick.Price, direction, guidance.SuggestedStop, tick.ATR)

	e.mu.Lock()
	e.positions[handle] = openPosition{
		strategyID:   strategyID,
		signal:       decision.Signal,
		entryPrice:   tick.Price,
		units:        guidance.Size.Units,
		contributing: decision.Contributing,
	}
	e.mu.Unlock()

	e.logger.Info("position opened",
		"strategy", strategyID,
		"handle", handle,
		"signal", string(decision.Signal),
		"dollars", guidance.Size.Dollars)

	return &TradeTicket{
		Handle:      handle,
		StrategyID:  strategyID,
		Direction:   direction,
		Guidance:    guidance,
		TakeProfits: e.trailing.CalculateTakeProfitLevels(tick.Price, direction, tick.ATR),
	}, nil
}

// OnPriceTick routes a price tick to an open position. When the trailing
// stop fires, the position is closed and the outcome feeds back into the
// strategy's swarm weights and the durable history.
func (e *Engine) OnPriceTick(ctx context.Context, handle int, price float64) (risk.StopUpdate, error) {
	update, err := e.trailing.Update(ctx, handle, price)
	if err != nil {
		return risk.StopUpdate{}, err
	}

	if update.ShouldExit {
		if err := e.closePosition(ctx, handle, price); err != nil {
			e.logger.Warn("failed to finalize stopped-out position", "handle", handle, "error", err)
		}
	}

	return update, nil
}

// closePosition removes a stopped-out position and distributes its outcome
func (e *Engine) closePosition(ctx context.Context, handle int, exitPrice float64) error {
	profile, err := e.trailing.Close(ctx, handle)
	if err != nil {
		return err
	}

	e.mu.Lock()
	pos, ok := e.positions[handle]
	delete(e.positions, handle)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no engine context for handle %d", handle)
	}

	pnl := (exitPrice - pos.entryPrice) * pos.units
	if profile.Direction == risk.Short {
		pnl = -pnl
	}
	var pnlPct float64
	if pos.entryPrice > 0 {
		pnlPct = (exitPrice - pos.entryPrice) / pos.entryPrice * 100
		if profile.Direction == risk.Short {
			pnlPct = -pnlPct
		}
	}

	outcome := swarm.TradeOutcome{
		ID:           uuid.NewString(),
		Signal:       pos.signal,
		EntryPrice:   pos.entryPrice,
		ExitPrice:    exitPrice,
		PnL:          pnl,
		PnLPct:       pnlPct,
		Contributing: pos.contributing,
		ClosedAt:     time.Now().UTC(),
	}

	if sw, ok := e.Swarm(pos.strategyID); ok {
		sw.RecordTradeOutcome(ctx, outcome)
	}

	if e.history != nil {
		row := &database.TradeOutcomeRow{
			ID:           outcome.ID,
			StrategyID:   pos.strategyID,
			Signal:       string(outcome.Signal),
			EntryPrice:   outcome.EntryPrice,
			ExitPrice:    outcome.ExitPrice,
			PnL:          outcome.PnL,
			PnLPct:       outcome.PnLPct,
			Contributing: outcome.Contributing,
			ClosedAt:     outcome.ClosedAt,
		}
		if err := e.history.InsertTradeOutcome(ctx, row); err != nil {
			e.logger.Warn("failed to record trade outcome", "error", err)
		}
	}

	e.logger.Info("position finalized",
		"strategy", pos.strategyID,
		"handle", handle,
		"pnl", pnl,
		"pnl_pct", pnlPct)

	return nil
}

// MonitorStrategy runs one strategy's control loop: poll the feed on a fixed
// interval, record snapshots, and evaluate risk limits on every valuation.
// It returns immediately; the loop runs until ctx is cancelled or Stop is
// called.
func (e *Engine) MonitorStrategy(ctx context.Context, strategyID string, feed StrategyFeed, interval time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		logger := e.logger.WithField("strategy", strategyID)
		logger.Info("strategy monitor started", "interval", interval.String())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("strategy monitor stopped", "reason", "context cancelled")
				return
			case <-e.stopCh:
				logger.Info("strategy monitor stopped", "reason", "engine shutdown")
				return
			case <-ticker.C:
				snap, err := feed.Snapshot(ctx)
				if err != nil {
					logger.Warn("snapshot unavailable", "error", err)
				} else {
					e.OnSnapshot(snap)
				}

				value, err := feed.PortfolioValue(ctx)
				if err != nil {
					logger.Warn("portfolio value unavailable", "error", err)
					continue
				}
				e.OnValuation(ctx, value)
			}
		}
	}()
}

// Stop shuts down all strategy monitors and waits for them to exit
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) snapshotList() []allocation.StrategySnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snapshots := make([]allocation.StrategySnapshot, 0, len(e.snapshots))
	for _, snap := range e.snapshots {
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// regimeVolatilityMultiplier converts the regime label into the volatility
// multiplier consumed by position sizing: size down in high volatility, up
// slightly in low.
func regimeVolatilityMultiplier(regime risk.VolatilityRegime) float64 {
	switch regime {
	case risk.HighVol:
		return 1.5
	case risk.LowVol:
		return 0.8
	default:
		return 1.0
	}
}
