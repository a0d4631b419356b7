package allocation

import "time"

// StrategySnapshot is a periodic performance report from one strategy.
// WinRate is normalized to 0-1 at this boundary; producers reporting 0-100
// must convert before handing snapshots to the allocator.
type StrategySnapshot struct {
	StrategyID  string    `json:"strategy_id"`
	PnLPct      float64   `json:"pnl_pct"`
	WinRate     float64   `json:"win_rate"`
	SharpeRatio float64   `json:"sharpe_ratio"`
	MaxDrawdown float64   `json:"max_drawdown"`
	TotalTrades int       `json:"total_trades"`
	Timestamp   time.Time `json:"timestamp"`
}

// Allocation maps strategy IDs to allocated dollars
type Allocation struct {
	Amounts   map[string]float64 `json:"amounts"`
	Timestamp time.Time          `json:"timestamp"`
}

// Copy returns a deep copy of the allocation
func (a Allocation) Copy() Allocation {
	amounts := make(map[string]float64, len(a.Amounts))
	for k, v := range a.Amounts {
		amounts[k] = v
	}
	return Allocation{Amounts: amounts, Timestamp: a.Timestamp}
}

// Total returns the sum of all allocated dollars
func (a Allocation) Total() float64 {
	var sum float64
	for _, v := range a.Amounts {
		sum += v
	}
	return sum
}

// PortfolioRiskState tracks the portfolio-wide circuit breaker inputs.
// It is mutated on every valuation tick.
type PortfolioRiskState struct {
	TotalCapital       float64   `json:"total_capital"`
	PeakCapital        float64   `json:"peak_capital"`
	CurrentDrawdownPct float64   `json:"current_drawdown_pct"`
	DayStartValue      float64   `json:"day_start_value"`
	DayStart           time.Time `json:"day_start"`
}
