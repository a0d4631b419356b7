// Package swarm combines multiple advisory participants' votes into one
// consensus signal and adapts participant weights from trade outcomes with a
// multiplicative-weights update.
package swarm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"capital-risk-engine/config"
	"capital-risk-engine/internal/events"
	"capital-risk-engine/internal/logging"
	"capital-risk-engine/internal/monitoring"
	"capital-risk-engine/internal/store"
)

// Swarm holds the weight vector for one set of consensus participants.
// Weights start uniform, always sum to 1.0, and are adjusted after every
// trade outcome. One mutex per swarm instance guards the vector.
type Swarm struct {
	id     string
	cfg    config.SwarmConfig
	store  store.StateStore
	bus    *events.EventBus
	logger *logging.Logger

	mu         sync.Mutex
	weights    map[string]float64
	status     Status
	tradeCount int
}

// persistedSwarm is the snapshot written on every weight update
type persistedSwarm struct {
	Weights    map[string]float64 `json:"weights"`
	Status     Status             `json:"status"`
	TradeCount int                `json:"trade_count"`
}

// NewSwarm creates a swarm with uniform weights over the given participants,
// or rehydrates the persisted weight vector if one exists for this ID. An
// empty participant list is a construction error.
func NewSwarm(id string, participants []string, cfg config.SwarmConfig, st store.StateStore, bus *events.EventBus, logger *logging.Logger) (*Swarm, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("swarm %s: participant list is empty", id)
	}

	s := &Swarm{
		id:     id,
		cfg:    cfg,
		store:  st,
		bus:    bus,
		logger: logger.WithComponent("swarm").WithField("swarm_id", id),
		status: StatusInactive,
	}

	var state persistedSwarm
	found, err := st.Load(context.Background(), s.stateKey(), &state)
	if err != nil {
		s.logger.Warn("failed to load persisted weights, cold starting", "error", err)
	}
	if found && err == nil && len(state.Weights) == len(participants) {
		s.weights = state.Weights
		s.status = state.Status
		s.tradeCount = state.TradeCount
		s.logger.Info("rehydrated swarm weights", "trades", state.TradeCount)
	} else {
		s.weights = make(map[string]float64, len(participants))
		uniform := 1.0 / float64(len(participants))
		for _, p := range participants {
			s.weights[p] = uniform
		}
	}

	s.publishWeightsMetrics()
	return s, nil
}

// Enable moves the swarm from INACTIVE to TRAINING
func (s *Swarm) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusInactive {
		s.status = StatusTraining
		s.logger.Info("swarm enabled")
	}
}

// CalculateConsensus tallies each signal as the weighted sum of its voters'
// confidences and returns the winner. Contributing participants are those
// whose vote backed the winning signal.
func (s *Swarm) CalculateConsensus(decisions map[string]Decision) (ConsensusResult, error) {
	if len(decisions) == 0 {
		return ConsensusResult{}, fmt.Errorf("swarm %s: no decisions to combine", s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tallies := make(map[Signal]float64)
	voters := make(map[Signal][]string)
	weightsUsed := make(map[string]float64, len(decisions))

	for participant, decision := range decisions {
		weight, ok := s.weights[participant]
		if !ok {
			continue // Unknown participant; vote carries no weight
		}
		weightsUsed[participant] = weight

		confidence := decision.Confidence
		if confidence < 0 {
			confidence = 0
		} else if confidence > 100 {
			confidence = 100
		}

		tallies[decision.Signal] += weight * confidence / 100
		voters[decision.Signal] = append(voters[decision.Signal], participant)
	}

	// Deterministic winner: highest tally, ties broken by fixed signal order.
	order := []Signal{SignalBuy, SignalSell, SignalHold}
	var winner Signal
	best := -1.0
	for _, sig := range order {
		if tally, ok := tallies[sig]; ok && tally > best {
			best = tally
			winner = sig
		}
	}

	contributing := voters[winner]
	sort.Strings(contributing)

	confidence := best * 100
	if confidence > 100 {
		confidence = 100
	}

	result := ConsensusResult{
		Signal:       winner,
		Confidence:   confidence,
		Contributing: contributing,
		WeightsUsed:  weightsUsed,
		Timestamp:    time.Now().UTC(),
	}

	s.logger.Info("consensus calculated",
		"signal", string(winner),
		"confidence", confidence,
		"contributing", len(contributing))
	if s.bus != nil {
		s.bus.PublishConsensus(s.id, string(winner), confidence, contributing)
	}

	return result, nil
}

// RecordTradeOutcome applies the multiplicative-weights update: contributing
// participants are scaled by clamp(1 + pnlPct/1000, min, max), everyone else
// decays, and the vector is renormalized to sum 1.0.
func (s *Swarm) RecordTradeOutcome(ctx context.Context, outcome TradeOutcome) {
	s.mu.Lock()

	adjustment := 1 + outcome.PnLPct/1000
	if adjustment < s.cfg.AdjustmentMin {
		adjustment = s.cfg.AdjustmentMin
	} else if adjustment > s.cfg.AdjustmentMax {
		adjustment = s.cfg.AdjustmentMax
	}

	contributing := make(map[string]bool, len(outcome.Contributing))
	for _, p := range outcome.Contributing {
		contributing[p] = true
	}

	var sum float64
	for participant, weight := range s.weights {
		if contributing[participant] {
			weight *= adjustment
		} else {
			weight *= s.cfg.DecayFactor
		}
		s.weights[participant] = weight
		sum += weight
	}

	if sum <= 0 {
		// Should not happen with the clamps above; reset rather than divide
		// by zero.
		uniform := 1.0 / float64(len(s.weights))
		for participant := range s.weights {
			s.weights[participant] = uniform
		}
	} else {
		for participant := range s.weights {
			s.weights[participant] /= sum
		}
	}

	s.tradeCount++
	if s.status == StatusTraining && s.tradeCount >= s.cfg.OptimizedThreshold {
		s.status = StatusOptimized
		s.logger.Info("swarm reached optimized status", "trades", s.tradeCount)
	}

	s.persistLocked(ctx)
	weights := s.weightsCopyLocked()
	s.mu.Unlock()

	s.logger.Info("weights updated",
		"outcome_id", outcome.ID,
		"pnl_pct", outcome.PnLPct,
		"adjustment", adjustment,
		"contributing", len(outcome.Contributing))
	for participant, weight := range weights {
		monitoring.SetParticipantWeight(s.id, participant, weight)
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.EventWeightsUpdated,
			Data: map[string]interface{}{
				"swarm_id":   s.id,
				"outcome_id": outcome.ID,
				"adjustment": adjustment,
			},
		})
	}
}

// Weights returns a copy of the current weight vector
func (s *Swarm) Weights() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weightsCopyLocked()
}

// Status returns the current lifecycle label
func (s *Swarm) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TradeCount returns how many outcomes have been recorded
func (s *Swarm) TradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradeCount
}

// ID returns the swarm identifier
func (s *Swarm) ID() string {
	return s.id
}

func (s *Swarm) weightsCopyLocked() map[string]float64 {
	weights := make(map[string]float64, len(s.weights))
	for k, v := range s.weights {
		weights[k] = v
	}
	return weights
}

func (s *Swarm) stateKey() string {
	return store.KeySwarmWeights + ":" + s.id
}

// persistLocked saves the weight vector best-effort. Caller must hold s.mu.
func (s *Swarm) persistLocked(ctx context.Context) {
	state := persistedSwarm{
		Weights:    s.weights,
		Status:     s.status,
		TradeCount: s.tradeCount,
	}
	if err := s.store.Save(ctx, s.stateKey(), state); err != nil {
		s.logger.Warn("failed to persist swarm weights", "error", err)
		monitoring.IncPersistenceError("swarm")
	}
}

func (s *Swarm) publishWeightsMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for participant, weight := range s.weights {
		monitoring.SetParticipantWeight(s.id, participant, weight)
	}
}
