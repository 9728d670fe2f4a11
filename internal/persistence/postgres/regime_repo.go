package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/gammaflow/internal/persistence"
)

// Schema creates the archive table when it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS regime_snapshots (
	ts          TIMESTAMPTZ      NOT NULL,
	symbol      TEXT             NOT NULL,
	epoch_id    TEXT             NOT NULL DEFAULT '',
	spot        DOUBLE PRECISION NOT NULL,
	score       DOUBLE PRECISION NOT NULL,
	regime      TEXT             NOT NULL,
	directional DOUBLE PRECISION NOT NULL,
	liquidity   DOUBLE PRECISION NOT NULL,
	flip_strike DOUBLE PRECISION,
	components  JSONB            NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (symbol, ts)
)`

const selectColumns = `ts, symbol, epoch_id, spot, score, regime, directional, liquidity,
		       flip_strike, components, created_at`

// regimeRepo implements persistence.RegimeRepo for PostgreSQL
type regimeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRegimeRepo creates a PostgreSQL regime archive
func NewRegimeRepo(db *sqlx.DB, timeout time.Duration) persistence.RegimeRepo {
	return &regimeRepo{db: db, timeout: timeout}
}

// Upsert inserts or replaces the snapshot for (symbol, ts)
func (r *regimeRepo) Upsert(ctx context.Context, snapshot persistence.RegimeSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !isValidRegime(snapshot.Regime) {
		return fmt.Errorf("invalid regime type: %s", snapshot.Regime)
	}
	if snapshot.Symbol == "" {
		return fmt.Errorf("snapshot has no symbol")
	}

	components, err := json.Marshal(snapshot.Components)
	if err != nil {
		return fmt.Errorf("failed to marshal components: %w", err)
	}

	query := `
		INSERT INTO regime_snapshots
		(ts, symbol, epoch_id, spot, score, regime, directional, liquidity, flip_strike, components)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, ts) DO UPDATE SET
			epoch_id = EXCLUDED.epoch_id,
			spot = EXCLUDED.spot,
			score = EXCLUDED.score,
			regime = EXCLUDED.regime,
			directional = EXCLUDED.directional,
			liquidity = EXCLUDED.liquidity,
			flip_strike = EXCLUDED.flip_strike,
			components = EXCLUDED.components
		RETURNING created_at`

	err = r.db.QueryRowxContext(ctx, query,
		snapshot.Timestamp, snapshot.Symbol, snapshot.EpochID, snapshot.Spot, snapshot.Score,
		snapshot.Regime, snapshot.Directional, snapshot.Liquidity, snapshot.FlipStrike, components).
		Scan(&snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert regime snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot of symbol
func (r *regimeRepo) Latest(ctx context.Context, symbol string) (*persistence.RegimeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + selectColumns + `
		FROM regime_snapshots
		WHERE symbol = $1
		ORDER BY ts DESC
		LIMIT 1`

	snapshot, err := scanSnapshot(r.db.QueryRowxContext(ctx, query, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest regime: %w", err)
	}
	return snapshot, nil
}

// ListRange returns snapshots of symbol within tr, newest first
func (r *regimeRepo) ListRange(ctx context.Context, symbol string, tr persistence.TimeRange) ([]persistence.RegimeSnapshot, error) {
	if !tr.Valid() {
		return nil, fmt.Errorf("invalid time range %s..%s", tr.From, tr.To)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + selectColumns + `
		FROM regime_snapshots
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC`

	rows, err := r.db.QueryxContext(ctx, query, symbol, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query regime range: %w", err)
	}
	defer rows.Close()

	var out []persistence.RegimeSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// GetRegimeStats counts snapshots per regime within tr
func (r *regimeRepo) GetRegimeStats(ctx context.Context, symbol string, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT regime, COUNT(*)
		FROM regime_snapshots
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		GROUP BY regime
		ORDER BY regime`

	rows, err := r.db.QueryxContext(ctx, query, symbol, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query regime stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var regime string
		var count int64
		if err := rows.Scan(&regime, &count); err != nil {
			return nil, fmt.Errorf("failed to scan regime stats: %w", err)
		}
		stats[regime] = count
	}
	return stats, rows.Err()
}

// Ping checks connectivity
func (r *regimeRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row scanner) (*persistence.RegimeSnapshot, error) {
	var snapshot persistence.RegimeSnapshot
	var components []byte

	err := row.Scan(
		&snapshot.Timestamp, &snapshot.Symbol, &snapshot.EpochID, &snapshot.Spot, &snapshot.Score,
		&snapshot.Regime, &snapshot.Directional, &snapshot.Liquidity, &snapshot.FlipStrike,
		&components, &snapshot.CreatedAt)
	if err != nil {
		return nil, err
	}

	snapshot.Components = make(map[string]interface{})
	if len(components) > 0 {
		if err := json.Unmarshal(components, &snapshot.Components); err != nil {
			return nil, fmt.Errorf("failed to unmarshal components: %w", err)
		}
	}
	return &snapshot, nil
}

// isValidRegime validates regime type against allowed values
func isValidRegime(regime string) bool {
	switch regime {
	case "compression", "transition", "expansion":
		return true
	}
	return false
}
