package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxOverrideHistory bounds the override audit trail
const maxOverrideHistory = 100

// Guidance is the advisory bundle handed to the decision-making agent. The
// caller may override the suggestions; overrides are recorded with their
// eventual outcome so the override-success rate can be audited.
type Guidance struct {
	ID            string           `json:"id"`
	SuggestedStop float64          `json:"suggested_stop"`
	Size          SizeResult       `json:"size"`
	Regime        VolatilityRegime `json:"regime"`
	Rationale     string           `json:"rationale"`
	CreatedAt     time.Time        `json:"created_at"`
}

// OverrideRecord tracks one guidance override and its eventual outcome
type OverrideRecord struct {
	GuidanceID string    `json:"guidance_id"`
	Resolved   bool      `json:"resolved"`
	PnL        float64   `json:"pnl"`
	At         time.Time `json:"at"`
}

type overrideLog struct {
	mu      sync.Mutex
	records []OverrideRecord
}

func newOverrideLog() *overrideLog {
	return &overrideLog{}
}

// GetRiskGuidance bundles a suggested stop, suggested size, and the computed
// risk percentage into an advisory object with a human-readable rationale.
func (s *Sizer) GetRiskGuidance(balance, entryPrice float64, direction Direction, atr float64, regime VolatilityRegime, confidence, winRate, volatilityMultiplier float64) *Guidance {
	stop := s.CalculateDynamicStopLoss(entryPrice, direction, atr, regime)
	size := s.CalculatePositionSize(balance, entryPrice, stop, confidence, winRate, volatilityMultiplier)

	rationale := fmt.Sprintf(
		"%s regime: stop %.2f (%.1fx ATR %.4f); risking %.2f%% of balance given %.0f%% confidence, %.0f%% win rate, volatility multiplier %.2f",
		regime, stop, stopMultiplier(regime), atr,
		size.RiskPct*100, confidence, winRate*100, volatilityMultiplier,
	)

	g := &Guidance{
		ID:            uuid.NewString(),
		SuggestedStop: stop,
		Size:          size,
		Regime:        regime,
		Rationale:     rationale,
		CreatedAt:     time.Now().UTC(),
	}

	s.logger.Debug("risk guidance issued",
		"guidance_id", g.ID,
		"stop", stop,
		"dollars", size.Dollars,
		"risk_pct", size.RiskPct)

	return g
}

// RecordOverride notes that the caller overrode a guidance. The outcome is
// attached later via ResolveOverride. This is an audit trail, not an
// enforcement mechanism.
func (s *Sizer) RecordOverride(guidanceID string) {
	s.overrides.mu.Lock()
	defer s.overrides.mu.Unlock()

	s.overrides.records = append(s.overrides.records, OverrideRecord{
		GuidanceID: guidanceID,
		At:         time.Now().UTC(),
	})
	if len(s.overrides.records) > maxOverrideHistory {
		s.overrides.records = s.overrides.records[len(s.overrides.records)-maxOverrideHistory:]
	}
}

// ResolveOverride attaches the trade outcome to a previously recorded
// override.
func (s *Sizer) ResolveOverride(guidanceID string, pnl float64) {
	s.overrides.mu.Lock()
	defer s.overrides.mu.Unlock()

	for i := len(s.overrides.records) - 1; i >= 0; i-- {
		if s.overrides.records[i].GuidanceID == guidanceID {
			s.overrides.records[i].Resolved = true
			s.overrides.records[i].PnL = pnl
			return
		}
	}
}

// OverrideSuccessRate returns the fraction of resolved overrides that made
// money, and the number of resolved overrides it is based on.
func (s *Sizer) OverrideSuccessRate() (float64, int) {
	s.overrides.mu.Lock()
	defer s.overrides.mu.Unlock()

	var resolved, wins int
	for _, rec := range s.overrides.records {
		if !rec.Resolved {
			continue
		}
		resolved++
		if rec.PnL > 0 {
			wins++
		}
	}
	if resolved == 0 {
		return 0, 0
	}
	return float64(wins) / float64(resolved), resolved
}
