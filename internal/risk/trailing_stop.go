package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"capital-risk-engine/config"
	"capital-risk-engine/internal/events"
	"capital-risk-engine/internal/logging"
	"capital-risk-engine/internal/monitoring"
	"capital-risk-engine/internal/store"
)

// PositionRiskProfile is the per-position trailing stop state. It lives from
// open until close or stop-out.
type PositionRiskProfile struct {
	Handle             int       `json:"handle"`
	PositionID         string    `json:"position_id"`
	EntryPrice         float64   `json:"entry_price"`
	Direction          Direction `json:"direction"`
	InitialStop        float64   `json:"initial_stop"`
	CurrentStop        float64   `json:"current_stop"`
	PeakFavorablePrice float64   `json:"peak_favorable_price"`
	TrailLevel         int       `json:"trail_level"`
	BreakevenSet       bool      `json:"breakeven_set"`
	ATRAtEntry         float64   `json:"atr_at_entry"`
	OpenedAt           time.Time `json:"opened_at"`
}

// StopUpdate is the result of feeding one price tick to a position
type StopUpdate struct {
	NewStop    float64 `json:"new_stop"`
	ShouldExit bool    `json:"should_exit"`
	TrailLevel int     `json:"trail_level"`
}

// TakeProfitLevel is one partial-exit target
type TakeProfitLevel struct {
	Price   float64 `json:"price"`
	SizePct float64 `json:"size_pct"`
}

// TrailingStopEngine manages trailing stops for open positions. Positions
// live in a dense arena addressed by stable integer handles; removal is
// swap-and-pop. The stop only ever moves in the protective direction, so a
// stale tick delivered out of order is a safe no-op.
type TrailingStopEngine struct {
	cfg    config.TrailingConfig
	store  store.StateStore
	bus    *events.EventBus
	logger *logging.Logger

	mu         sync.Mutex
	positions  []PositionRiskProfile
	index      map[int]int // handle -> arena slot
	nextHandle int
}

// persistedPositions is the arena snapshot written on every mutation
type persistedPositions struct {
	Positions  []PositionRiskProfile `json:"positions"`
	NextHandle int                   `json:"next_handle"`
}

// NewTrailingStopEngine creates the engine and rehydrates any open positions
// from the last persisted snapshot. Cold start means no open positions.
func NewTrailingStopEngine(cfg config.TrailingConfig, st store.StateStore, bus *events.EventBus, logger *logging.Logger) *TrailingStopEngine {
	e := &TrailingStopEngine{
		cfg:    cfg,
		store:  st,
		bus:    bus,
		logger: logger.WithComponent("trailing"),
		index:  make(map[int]int),
	}

	var state persistedPositions
	found, err := st.Load(context.Background(), store.KeyPositions, &state)
	if err != nil {
		e.logger.Warn("failed to load persisted positions, cold starting", "error", err)
	}
	if found && err == nil {
		e.positions = state.Positions
		e.nextHandle = state.NextHandle
		for slot, pos := range e.positions {
			e.index[pos.Handle] = slot
		}
		e.logger.Info("rehydrated open positions", "count", len(e.positions))
	}

	monitoring.SetOpenPositions(len(e.positions))
	return e
}

// Open starts tracking a position and returns its handle
func (e *TrailingStopEngine) Open(ctx context.Context, entryPrice float64, direction Direction, initialStop, atr float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	handle := e.nextHandle
	e.nextHandle++

	e.positions = append(e.positions, PositionRiskProfile{
		Handle:             handle,
		PositionID:         uuid.NewString(),
		EntryPrice:         entryPrice,
		Direction:          direction,
		InitialStop:        initialStop,
		CurrentStop:        initialStop,
		PeakFavorablePrice: entryPrice,
		ATRAtEntry:         atr,
		OpenedAt:           time.Now().UTC(),
	})
	e.index[handle] = len(e.positions) - 1

	e.logger.Info("position opened",
		"handle", handle,
		"direction", string(direction),
		"entry", entryPrice,
		"stop", initialStop)

	monitoring.SetOpenPositions(len(e.positions))
	e.persistLocked(ctx)
	return handle
}

// Update feeds one price tick to a position. The exit check runs against the
// stop as it stood before this tick; afterwards the peak favorable price,
// trail level, and stop are advanced. The stop never loosens.
func (e *TrailingStopEngine) Update(ctx context.Context, handle int, price float64) (StopUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot, ok := e.index[handle]
	if !ok {
		return StopUpdate{}, fmt.Errorf("unknown position handle %d", handle)
	}
	pos := &e.positions[slot]

	if crossedStop(pos, price) {
		e.logger.Info("stop hit",
			"handle", handle,
			"stop", pos.CurrentStop,
			"price", price)
		monitoring.IncStopExit()
		if e.bus != nil {
			e.bus.PublishPositionExit(pos.PositionID, pos.CurrentStop, price)
		}
		return StopUpdate{NewStop: pos.CurrentStop, ShouldExit: true, TrailLevel: pos.TrailLevel}, nil
	}

	if pos.Direction == Long {
		if price > pos.PeakFavorablePrice {
			pos.PeakFavorablePrice = price
		}
	} else {
		if price < pos.PeakFavorablePrice {
			pos.PeakFavorablePrice = price
		}
	}

	profitPct := unrealizedProfitPct(pos, price)

	if level := e.levelFor(profitPct); level > pos.TrailLevel {
		pos.TrailLevel = level
	}

	changed := false

	// Snap the stop to entry exactly once when profit first clears the
	// breakeven threshold.
	if !pos.BreakevenSet && profitPct >= e.cfg.BreakevenPct {
		pos.BreakevenSet = true
		if e.tightenStop(pos, pos.EntryPrice) {
			changed = true
		}
	}

	if pos.TrailLevel >= 1 {
		distance := e.trailDistance(pos.TrailLevel) * pos.ATRAtEntry
		var candidate float64
		if pos.Direction == Long {
			candidate = pos.PeakFavorablePrice - distance
		} else {
			candidate = pos.PeakFavorablePrice + distance
		}
		if e.tightenStop(pos, candidate) {
			changed = true
		}
	}

	if changed {
		e.persistLocked(ctx)
	}

	return StopUpdate{NewStop: pos.CurrentStop, ShouldExit: false, TrailLevel: pos.TrailLevel}, nil
}

// Close stops tracking a position and returns its final profile. Removal is
// swap-and-pop; remaining handles stay valid.
func (e *TrailingStopEngine) Close(ctx context.Context, handle int) (PositionRiskProfile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot, ok := e.index[handle]
	if !ok {
		return PositionRiskProfile{}, fmt.Errorf("unknown position handle %d", handle)
	}

	closed := e.positions[slot]
	last := len(e.positions) - 1
	if slot != last {
		e.positions[slot] = e.positions[last]
		e.index[e.positions[slot].Handle] = slot
	}
	e.positions = e.positions[:last]
	delete(e.index, handle)

	e.logger.Info("position closed", "handle", handle, "final_stop", closed.CurrentStop)
	monitoring.SetOpenPositions(len(e.positions))
	e.persistLocked(ctx)
	return closed, nil
}

// Get returns a copy of a tracked position's profile
func (e *TrailingStopEngine) Get(handle int) (PositionRiskProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot, ok := e.index[handle]
	if !ok {
		return PositionRiskProfile{}, false
	}
	return e.positions[slot], true
}

// Len returns the number of tracked positions
func (e *TrailingStopEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// CalculateTakeProfitLevels produces three fixed partial-exit targets spread
// across ATR times the configured risk:reward ratio, doubled. Splits are
// 33/33/34 of the position.
func (e *TrailingStopEngine) CalculateTakeProfitLevels(entryPrice float64, direction Direction, atr float64) []TakeProfitLevel {
	full := atr * e.cfg.RiskRewardRatio * 2

	fractions := []float64{0.33, 0.67, 1.0}
	sizes := []float64{33, 33, 34}

	levels := make([]TakeProfitLevel, len(fractions))
	for i, frac := range fractions {
		offset := full * frac
		price := entryPrice + offset
		if direction == Short {
			price = entryPrice - offset
		}
		levels[i] = TakeProfitLevel{Price: price, SizePct: sizes[i]}
	}
	return levels
}

// tightenStop applies a candidate stop under the monotonic clamp: up only
// for longs, down only for shorts.
func (e *TrailingStopEngine) tightenStop(pos *PositionRiskProfile, candidate float64) bool {
	if pos.Direction == Long {
		if candidate <= pos.CurrentStop {
			return false
		}
	} else {
		if candidate >= pos.CurrentStop {
			return false
		}
	}

	oldStop := pos.CurrentStop
	pos.CurrentStop = candidate

	e.logger.Debug("stop tightened",
		"handle", pos.Handle,
		"old", oldStop,
		"new", candidate,
		"level", pos.TrailLevel)
	if e.bus != nil {
		e.bus.PublishStopUpdated(pos.PositionID, oldStop, candidate, pos.TrailLevel)
	}
	return true
}

func crossedStop(pos *PositionRiskProfile, price float64) bool {
	if pos.Direction == Long {
		return price <= pos.CurrentStop
	}
	return price >= pos.CurrentStop
}

func unrealizedProfitPct(pos *PositionRiskProfile, price float64) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	if pos.Direction == Long {
		return (price - pos.EntryPrice) / pos.EntryPrice * 100
	}
	return (pos.EntryPrice - price) / pos.EntryPrice * 100
}

func (e *TrailingStopEngine) levelFor(profitPct float64) int {
	switch {
	case profitPct >= e.cfg.Level4Pct:
		return 4
	case profitPct >= e.cfg.Level3Pct:
		return 3
	case profitPct >= e.cfg.Level2Pct:
		return 2
	case profitPct >= e.cfg.Level1Pct:
		return 1
	default:
		return 0
	}
}

func (e *TrailingStopEngine) trailDistance(level int) float64 {
	switch level {
	case 1:
		return e.cfg.Level1ATR
	case 2:
		return e.cfg.Level2ATR
	case 3:
		return e.cfg.Level3ATR
	default:
		return e.cfg.Level4ATR
	}
}

// persistLocked saves the arena best-effort. Caller must hold e.mu.
func (e *TrailingStopEngine) persistLocked(ctx context.Context) {
	state := persistedPositions{Positions: e.positions, NextHandle: e.nextHandle}
	if err := e.store.Save(ctx, store.KeyPositions, state); err != nil {
		e.logger.Warn("failed to persist positions", "error", err)
		monitoring.IncPersistenceError("trailing")
	}
}
