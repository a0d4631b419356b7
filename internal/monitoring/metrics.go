// Package monitoring exposes Prometheus metrics for the engine. The host
// mounts Handler() wherever its metrics endpoint lives.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	allocationDollars = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "risk_engine_allocation_dollars",
			Help: "Current capital allocation per strategy",
		},
		[]string{"strategy"},
	)

	portfolioDrawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_engine_portfolio_drawdown_pct",
			Help: "Current drawdown from peak portfolio value",
		},
	)

	participantWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "risk_engine_participant_weight",
			Help: "Current consensus weight per participant",
		},
		[]string{"swarm", "participant"},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_engine_open_positions",
			Help: "Number of positions tracked by the trailing stop engine",
		},
	)

	rebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_engine_rebalances_total",
			Help: "Total number of portfolio rebalances",
		},
	)

	riskPausesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_engine_risk_pauses_total",
			Help: "Total number of risk pause decisions",
		},
		[]string{"scope"},
	)

	stopExitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_engine_stop_exits_total",
			Help: "Total number of trailing stop exits",
		},
	)

	persistenceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_engine_persistence_errors_total",
			Help: "Total number of state persistence failures",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(allocationDollars)
	prometheus.MustRegister(portfolioDrawdown)
	prometheus.MustRegister(participantWeight)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(rebalancesTotal)
	prometheus.MustRegister(riskPausesTotal)
	prometheus.MustRegister(stopExitsTotal)
	prometheus.MustRegister(persistenceErrorsTotal)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetAllocation records the current allocation for a strategy
func SetAllocation(strategyID string, dollars float64) {
	allocationDollars.WithLabelValues(strategyID).Set(dollars)
}

// SetPortfolioDrawdown records the current drawdown from peak
func SetPortfolioDrawdown(pct float64) {
	portfolioDrawdown.Set(pct)
}

// SetParticipantWeight records a consensus participant's weight
func SetParticipantWeight(swarmID, participantID string, weight float64) {
	participantWeight.WithLabelValues(swarmID, participantID).Set(weight)
}

// SetOpenPositions records the number of tracked positions
func SetOpenPositions(n int) {
	openPositions.Set(float64(n))
}

// IncRebalance counts a portfolio rebalance
func IncRebalance() {
	rebalancesTotal.Inc()
}

// IncRiskPause counts a pause decision. scope is "portfolio" or "strategy".
func IncRiskPause(scope string) {
	riskPausesTotal.WithLabelValues(scope).Inc()
}

// IncStopExit counts a trailing stop exit
func IncStopExit() {
	stopExitsTotal.Inc()
}

// IncPersistenceError counts a swallowed persistence failure
func IncPersistenceError(component string) {
	persistenceErrorsTotal.WithLabelValues(component).Inc()
}
