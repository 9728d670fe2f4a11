package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/payoff"
	"github.com/sawpanic/gammaflow/internal/store"
)

// DeltaSink receives patches and exposes the current tiles it holds.
type DeltaSink interface {
	ReceiveDelta(ctx context.Context, symbol string, patch model.DeltaPatch) (int64, error)
	Current(ctx context.Context, symbol string) (map[string]json.RawMessage, error)
}

// PayoffBuilder diffs successive payoff grids into delta patches. The grid is recomputed on a
// new epoch or when the consumer's dirty set is non-empty; otherwise an empty patch is
// published so consumers keep seeing the last good state.
type PayoffBuilder struct {
	surfaces SurfaceSource
	epochs   Epochs
	store    store.Store
	sink     DeltaSink
	widths   []float64
	consumer string
	logger   zerolog.Logger

	mu        sync.Mutex
	lastEpoch map[string]string
	prev      map[string]map[string]json.RawMessage
}

// NewPayoffBuilder returns a payoff builder reading dirty ids recorded for consumer.
func NewPayoffBuilder(surfaces SurfaceSource, epochs Epochs, st store.Store, sink DeltaSink, widths []float64, consumer string) *PayoffBuilder {
	return &PayoffBuilder{
		surfaces:  surfaces,
		epochs:    epochs,
		store:     st,
		sink:      sink,
		widths:    widths,
		consumer:  consumer,
		logger:    log.With().Str("component", "builder").Str("builder", "payoff").Logger(),
		lastEpoch: make(map[string]string),
		prev:      make(map[string]map[string]json.RawMessage),
	}
}

func (b *PayoffBuilder) Name() string { return "payoff" }

// Build publishes one patch for symbol and marks the epoch clean. The dirty set is taken
// before the merged view is read, so ids marked during the cycle wait for the next one; a
// failed cycle puts the taken ids back.
func (b *PayoffBuilder) Build(ctx context.Context, symbol string) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	epochID, err := activeEpoch(ctx, b.epochs, symbol)
	if err != nil {
		return err
	}
	dirtyKey := store.Dirty(b.consumer, symbol)
	dirty, err := b.store.SDrain(ctx, dirtyKey)
	if err != nil {
		return fmt.Errorf("take dirty set %s: %w", symbol, err)
	}
	defer func() {
		if err == nil || len(dirty) == 0 {
			return
		}
		if rerr := b.store.SAdd(context.WithoutCancel(ctx), dirtyKey, dirty...); rerr != nil {
			b.logger.Error().Err(rerr).Str("symbol", symbol).Int("ids", len(dirty)).Msg("Failed to restore dirty set")
		}
	}()

	prev, seen := b.prev[symbol]
	if !seen {
		if prev, err = b.sink.Current(ctx, symbol); err != nil {
			return fmt.Errorf("seed payoff grid %s: %w", symbol, err)
		}
	}

	newEpoch := epochID != b.lastEpoch[symbol]
	forced := false
	if newEpoch && epochID != "" {
		if meta, err := b.epochs.Meta(ctx, epochID); err == nil {
			forced = meta.ForcedDirty
		}
	}

	patch := model.DeltaPatch{Changed: map[string]json.RawMessage{}}
	next := prev
	if newEpoch || len(dirty) > 0 {
		surface, err := b.surfaces.MergedView(ctx, symbol)
		if err != nil {
			return fmt.Errorf("merged view %s: %w", symbol, err)
		}
		if next, err = payoff.Build(surface, b.widths).Encode(); err != nil {
			return err
		}
		patch = payoff.Diff(prev, next)
		if forced {
			// consumers resynchronise from a full republish
			for k, v := range next {
				patch.Changed[k] = v
			}
		}
		b.logger.Debug().
			Str("symbol", symbol).
			Bool("new_epoch", newEpoch).
			Bool("forced", forced).
			Int("dirty", len(dirty)).
			Int("changed", len(patch.Changed)).
			Int("removed", len(patch.Removed)).
			Msg("Payoff grid recomputed")
	}

	if _, err := b.sink.ReceiveDelta(ctx, symbol, patch); err != nil {
		return fmt.Errorf("publish payoff %s: %w", symbol, err)
	}

	b.prev[symbol] = next
	b.lastEpoch[symbol] = epochID
	return markClean(ctx, b.epochs, epochID)
}
