package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository provides access to allocation and trade outcome history
type Repository struct {
	db *DB
}

// NewRepository creates a new repository backed by db
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// AllocationSnapshot is one persisted allocation decision
type AllocationSnapshot struct {
	ID           int64              `json:"id"`
	TotalCapital float64            `json:"total_capital"`
	Allocations  map[string]float64 `json:"allocations"`
	CreatedAt    time.Time          `json:"created_at"`
}

// TradeOutcomeRow is one closed trade as stored in history
type TradeOutcomeRow struct {
	ID           string    `json:"id"`
	StrategyID   string    `json:"strategy_id"`
	Signal       string    `json:"signal"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	PnL          float64   `json:"pnl"`
	PnLPct       float64   `json:"pnl_pct"`
	Contributing []string  `json:"contributing_participants"`
	ClosedAt     time.Time `json:"closed_at"`
}

// InsertAllocationSnapshot records a new allocation decision
func (r *Repository) InsertAllocationSnapshot(ctx context.Context, allocations map[string]float64, totalCapital float64, at time.Time) error {
	data, err := json.Marshal(allocations)
	if err != nil {
		return fmt.Errorf("failed to marshal allocations: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO allocation_snapshots (total_capital, allocations, created_at) VALUES ($1, $2, $3)`,
		totalCapital, data, at,
	)
	if err != nil {
		return fmt.Errorf("failed to insert allocation snapshot: %w", err)
	}
	return nil
}

// GetLatestAllocationSnapshot returns the most recent allocation decision.
// Returns nil if no history exists; callers fall back to a cold start.
func (r *Repository) GetLatestAllocationSnapshot(ctx context.Context) (*AllocationSnapshot, error) {
	var snap AllocationSnapshot
	var data []byte

	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, total_capital, allocations, created_at
		 FROM allocation_snapshots ORDER BY created_at DESC LIMIT 1`,
	).Scan(&snap.ID, &snap.TotalCapital, &data, &snap.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest allocation snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &snap.Allocations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allocations: %w", err)
	}
	return &snap, nil
}

// InsertTradeOutcome records a closed trade
func (r *Repository) InsertTradeOutcome(ctx context.Context, row *TradeOutcomeRow) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO trade_outcomes
			(id, strategy_id, signal, entry_price, exit_price, pnl, pnl_pct, contributing_participants, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		row.ID, row.StrategyID, row.Signal, row.EntryPrice, row.ExitPrice,
		row.PnL, row.PnLPct, row.Contributing, row.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade outcome: %w", err)
	}
	return nil
}

// GetRecentTradeOutcomes returns the most recent closed trades for a strategy,
// newest first. Used to estimate win rate and win/loss sizes for sizing.
func (r *Repository) GetRecentTradeOutcomes(ctx context.Context, strategyID string, limit int) ([]TradeOutcomeRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, strategy_id, signal, entry_price, exit_price, pnl, pnl_pct, contributing_participants, closed_at
		 FROM trade_outcomes WHERE strategy_id = $1 ORDER BY closed_at DESC LIMIT $2`,
		strategyID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []TradeOutcomeRow
	for rows.Next() {
		var row TradeOutcomeRow
		if err := rows.Scan(
			&row.ID, &row.StrategyID, &row.Signal, &row.EntryPrice, &row.ExitPrice,
			&row.PnL, &row.PnLPct, &row.Contributing, &row.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade outcome: %w", err)
		}
		outcomes = append(outcomes, row)
	}
	return outcomes, rows.Err()
}
