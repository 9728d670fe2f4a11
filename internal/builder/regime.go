package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gammaflow/internal/exposure"
	"github.com/sawpanic/gammaflow/internal/persistence"
	"github.com/sawpanic/gammaflow/internal/regime"
	"github.com/sawpanic/gammaflow/internal/store"
)

// RegimeBuilder scores the published exposure artifacts and writes the regime model.
type RegimeBuilder struct {
	epochs   Epochs
	store    store.Store
	detector *regime.Detector
	archive  persistence.RegimeRepo
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRegimeBuilder returns a regime builder. archive may be nil.
func NewRegimeBuilder(epochs Epochs, st store.Store, detector *regime.Detector, archive persistence.RegimeRepo, ttl time.Duration) *RegimeBuilder {
	return &RegimeBuilder{
		epochs:   epochs,
		store:    st,
		detector: detector,
		archive:  archive,
		ttl:      ttl,
		logger:   log.With().Str("component", "builder").Str("builder", "regime").Logger(),
		now:      time.Now,
	}
}

func (b *RegimeBuilder) Name() string { return "regime" }

// Build writes the regime model of symbol. An archive failure is logged and does not fail the cycle.
func (b *RegimeBuilder) Build(ctx context.Context, symbol string) error {
	epochID, err := activeEpoch(ctx, b.epochs, symbol)
	if err != nil {
		return err
	}
	call, put, err := LoadExposure(ctx, b.store, symbol)
	if err != nil {
		return err
	}

	spot := call.Spot
	if spot == 0 {
		spot = put.Spot
	}
	res := b.detector.Detect(spot, exposure.NetByStrike(call, put))
	res.Symbol = symbol
	res.EpochID = epochID
	res.BuiltMs = b.now().UnixMilli()

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode regime %s: %w", symbol, err)
	}
	if err := b.store.Set(ctx, store.RegimeModel(symbol), string(data), b.ttl); err != nil {
		return fmt.Errorf("write regime %s: %w", symbol, err)
	}

	if b.archive != nil {
		snap := persistence.RegimeSnapshot{
			Timestamp:   time.UnixMilli(res.BuiltMs).UTC(),
			Symbol:      symbol,
			EpochID:     epochID,
			Spot:        res.Spot,
			Score:       res.Score,
			Regime:      string(res.Regime),
			Directional: res.Directional,
			Liquidity:   res.Liquidity,
			FlipStrike:  res.FlipStrike,
			Components: map[string]interface{}{
				"imbalance":     res.Imbalance,
				"gravity":       res.Gravity,
				"concentration": res.Concentration,
				"penalty":       res.Penalty,
				"net_total":     res.NetTotal,
			},
		}
		if err := b.archive.Upsert(ctx, snap); err != nil {
			b.logger.Warn().Err(err).Str("symbol", symbol).Msg("Regime archive write failed")
		}
	}
	return markClean(ctx, b.epochs, epochID)
}
