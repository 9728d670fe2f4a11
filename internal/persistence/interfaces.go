// Package persistence defines the archive of published regime results.
package persistence

import (
	"context"
	"time"
)

// TimeRange is an inclusive query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Valid reports whether the window is ordered.
func (tr TimeRange) Valid() bool {
	return !tr.To.Before(tr.From)
}

// RegimeSnapshot is one archived regime result.
type RegimeSnapshot struct {
	Timestamp   time.Time              `json:"ts" db:"ts"`
	Symbol      string                 `json:"symbol" db:"symbol"`
	EpochID     string                 `json:"epoch_id" db:"epoch_id"`
	Spot        float64                `json:"spot" db:"spot"`
	Score       float64                `json:"score" db:"score"`
	Regime      string                 `json:"regime" db:"regime"`
	Directional float64                `json:"directional" db:"directional"`
	Liquidity   float64                `json:"liquidity" db:"liquidity"`
	FlipStrike  *float64               `json:"flip_strike,omitempty" db:"flip_strike"`
	Components  map[string]interface{} `json:"components" db:"components"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

// RegimeRepo archives regime snapshots.
type RegimeRepo interface {
	// Upsert inserts or replaces the snapshot for (symbol, ts)
	Upsert(ctx context.Context, snapshot RegimeSnapshot) error

	// Latest returns the most recent snapshot of symbol, nil when none exists
	Latest(ctx context.Context, symbol string) (*RegimeSnapshot, error)

	// ListRange returns the snapshots of symbol inside tr, newest first
	ListRange(ctx context.Context, symbol string, tr TimeRange) ([]RegimeSnapshot, error)

	// GetRegimeStats counts snapshots per regime inside tr
	GetRegimeStats(ctx context.Context, symbol string, tr TimeRange) (map[string]int64, error)

	// Ping checks connectivity
	Ping(ctx context.Context) error
}
