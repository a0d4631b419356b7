// Package risk computes trade-level position sizes and protective stops, and
// manages per-position trailing stops as profit accrues.
package risk

import (
	"math"

	"capital-risk-engine/config"
	"capital-risk-engine/internal/logging"
)

// Direction is the side of a position
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// VolatilityRegime labels the current volatility environment, supplied by an
// external indicator module.
type VolatilityRegime string

const (
	HighVol VolatilityRegime = "HIGH_VOL"
	Normal  VolatilityRegime = "NORMAL"
	LowVol  VolatilityRegime = "LOW_VOL"
)

// ATR stop multipliers per regime
const (
	highVolStopMultiplier = 2.5
	normalStopMultiplier  = 2.0
	lowVolStopMultiplier  = 1.5
)

// SizeResult is the outcome of a position size calculation
type SizeResult struct {
	Dollars    float64 `json:"dollars"`
	Units      float64 `json:"units"`
	RiskAmount float64 `json:"risk_amount"`
	RiskPct    float64 `json:"risk_pct"`
}

// Sizer computes per-trade size and stops. All calculations are pure
// functions over the caller's inputs; the sizer itself holds only
// configuration and the override audit trail.
type Sizer struct {
	cfg       config.SizerConfig
	logger    *logging.Logger
	overrides *overrideLog
}

// NewSizer creates a position risk sizer
func NewSizer(cfg config.SizerConfig, logger *logging.Logger) *Sizer {
	return &Sizer{
		cfg:       cfg,
		logger:    logger.WithComponent("sizer"),
		overrides: newOverrideLog(),
	}
}

// CalculatePositionSize sizes a trade from the account balance, the planned
// stop distance, and the strategy's confidence, win rate (0-1), and the
// current volatility multiplier. The adjusted risk is bounded to
// [MinRiskPct, MaxRiskPct] of balance and the notional to MaxPositionPct.
func (s *Sizer) CalculatePositionSize(balance, entryPrice, stopPrice, confidence, winRate, volatilityMultiplier float64) SizeResult {
	if balance <= 0 || entryPrice <= 0 {
		return SizeResult{}
	}

	baseRisk := balance * s.cfg.BaseRiskPct

	confidence = clamp(confidence, 0, 100)
	confidenceMult := 0.5 + confidence/100

	var winRateMult float64
	if winRate > 0.5 {
		winRateMult = 1 + (winRate-0.5)*0.5
	} else {
		winRateMult = 0.5 + winRate
	}

	volMult := 1.0
	if volatilityMultiplier > 0 {
		volMult = 1 / volatilityMultiplier
	}

	adjustedRisk := baseRisk * confidenceMult * winRateMult * volMult
	adjustedRisk = clamp(adjustedRisk, balance*s.cfg.MinRiskPct, balance*s.cfg.MaxRiskPct)

	stopDistance := math.Abs(entryPrice - stopPrice)
	if stopDistance == 0 {
		stopDistance = entryPrice * s.cfg.DefaultStopPct
	}

	units := adjustedRisk / stopDistance
	dollars := units * entryPrice

	maxDollars := balance * s.cfg.MaxPositionPct
	if dollars > maxDollars {
		dollars = maxDollars
		units = dollars / entryPrice
	}

	return SizeResult{
		Dollars:    dollars,
		Units:      units,
		RiskAmount: adjustedRisk,
		RiskPct:    adjustedRisk / balance,
	}
}

// CalculateDynamicStopLoss places the initial protective stop at an
// ATR-scaled distance from entry, wider in high volatility and tighter in
// low. A missing ATR falls back to the default stop distance.
func (s *Sizer) CalculateDynamicStopLoss(entryPrice float64, direction Direction, atr float64, regime VolatilityRegime) float64 {
	distance := atr * stopMultiplier(regime)
	if atr <= 0 {
		distance = entryPrice * s.cfg.DefaultStopPct
	}

	if direction == Short {
		return entryPrice + distance
	}
	return entryPrice - distance
}

func stopMultiplier(regime VolatilityRegime) float64 {
	switch regime {
	case HighVol:
		return highVolStopMultiplier
	case LowVol:
		return lowVolStopMultiplier
	default:
		return normalStopMultiplier
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
