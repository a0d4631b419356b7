package swarm

import "time"

// Signal is a trading action
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Decision is one participant's vote: a signal with a confidence in 0-100
// and a free-form reasoning string.
type Decision struct {
	Signal     Signal  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ConsensusResult is the combined decision of all participants
type ConsensusResult struct {
	Signal       Signal             `json:"signal"`
	Confidence   float64            `json:"confidence"`
	Contributing []string           `json:"contributing_participants"`
	WeightsUsed  map[string]float64 `json:"weights_used"`
	Timestamp    time.Time          `json:"timestamp"`
}

// TradeOutcome is one closed trade fed back into the weight update. It is
// consumed exactly once.
type TradeOutcome struct {
	ID           string    `json:"id"`
	Signal       Signal    `json:"signal"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	PnL          float64   `json:"pnl"`
	PnLPct       float64   `json:"pnl_pct"`
	Contributing []string  `json:"contributing_participants"`
	ClosedAt     time.Time `json:"closed_at"`
}

// Status labels the swarm lifecycle. The TRAINING to OPTIMIZED transition is
// a reporting label only; weight updates behave identically in both states.
type Status string

const (
	StatusInactive  Status = "INACTIVE"
	StatusTraining  Status = "TRAINING"
	StatusOptimized Status = "OPTIMIZED"
)
