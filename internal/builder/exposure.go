package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sawpanic/gammaflow/internal/epoch"
	"github.com/sawpanic/gammaflow/internal/exposure"
	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/store"
)

// ExposureBuilder recomputes the per-side exposure artifacts wholesale every cycle.
type ExposureBuilder struct {
	surfaces   SurfaceSource
	epochs     Epochs
	store      store.Store
	multiplier float64
	ttl        time.Duration
}

// NewExposureBuilder returns an exposure builder.
func NewExposureBuilder(surfaces SurfaceSource, epochs Epochs, st store.Store, multiplier float64, ttl time.Duration) *ExposureBuilder {
	return &ExposureBuilder{surfaces: surfaces, epochs: epochs, store: st, multiplier: multiplier, ttl: ttl}
}

func (b *ExposureBuilder) Name() string { return "exposure" }

// Build writes one artifact per side then marks the consumed epoch clean.
func (b *ExposureBuilder) Build(ctx context.Context, symbol string) error {
	epochID, err := activeEpoch(ctx, b.epochs, symbol)
	if err != nil {
		return err
	}
	surface, err := b.surfaces.MergedView(ctx, symbol)
	if err != nil {
		return fmt.Errorf("merged view %s: %w", symbol, err)
	}

	for side, art := range exposure.Compute(surface, b.multiplier) {
		art.EpochID = epochID
		data, err := json.Marshal(art)
		if err != nil {
			return fmt.Errorf("encode exposure %s/%s: %w", symbol, side, err)
		}
		if err := b.store.Set(ctx, store.ExposureModel(symbol, string(side)), string(data), b.ttl); err != nil {
			return fmt.Errorf("write exposure %s/%s: %w", symbol, side, err)
		}
	}
	return markClean(ctx, b.epochs, epochID)
}

// LoadExposure reads both side artifacts of symbol.
func LoadExposure(ctx context.Context, st store.Store, symbol string) (call, put exposure.Artifact, err error) {
	for _, side := range model.Sides {
		raw, err := st.Get(ctx, store.ExposureModel(symbol, string(side)))
		if err != nil {
			return exposure.Artifact{}, exposure.Artifact{}, fmt.Errorf("read exposure %s/%s: %w", symbol, side, err)
		}
		var art exposure.Artifact
		if err := json.Unmarshal([]byte(raw), &art); err != nil {
			return exposure.Artifact{}, exposure.Artifact{}, fmt.Errorf("decode exposure %s/%s: %w", symbol, side, err)
		}
		if side == model.Call {
			call = art
		} else {
			put = art
		}
	}
	return call, put, nil
}

// activeEpoch returns "" when the symbol has no epoch yet.
func activeEpoch(ctx context.Context, epochs Epochs, symbol string) (string, error) {
	id, err := epochs.Active(ctx, symbol)
	if errors.Is(err, epoch.ErrNoEpoch) {
		return "", nil
	}
	return id, err
}

func markClean(ctx context.Context, epochs Epochs, epochID string) error {
	if epochID == "" {
		return nil
	}
	return epochs.MarkClean(ctx, epochID)
}
