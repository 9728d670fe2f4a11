// Package builder runs the derived-model builders on fixed intervals over every symbol.
package builder

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/sawpanic/gammaflow/internal/epoch"
	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/store"
)

// Builder computes and publishes one derived model for one symbol per call.
type Builder interface {
	Name() string
	Build(ctx context.Context, symbol string) error
}

// SurfaceSource yields the merged view of a symbol.
type SurfaceSource interface {
	MergedView(ctx context.Context, symbol string) (model.Surface, error)
}

// Epochs is the slice of the epoch manager builders consume.
type Epochs interface {
	Active(ctx context.Context, symbol string) (string, error)
	Meta(ctx context.Context, epochID string) (epoch.Meta, error)
	MarkClean(ctx context.Context, epochID string) error
}

// Runner drives one builder on an interval. A failed or panicking cycle is counted and logged;
// the loop always continues.
type Runner struct {
	builder  Builder
	symbols  []string
	interval time.Duration
	store    store.Store
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

// NewRunner returns a runner for b. st receives per-builder ops stats and may be nil.
func NewRunner(b Builder, symbols []string, interval time.Duration, st store.Store, reg *metrics.Registry) *Runner {
	return &Runner{
		builder:  b,
		symbols:  symbols,
		interval: interval,
		store:    st,
		metrics:  reg,
		logger:   log.With().Str("component", "builder").Str("builder", b.Name()).Logger(),
	}
}

// Run builds every symbol once immediately, then on every tick until stop is closed.
func (r *Runner) Run(ctx context.Context, stop <-chan struct{}) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Strs("symbols", r.symbols).Msg("Builder started")
	for {
		r.RunOnce(ctx)
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce builds every symbol and returns the number of failed cycles.
func (r *Runner) RunOnce(ctx context.Context) int {
	failed := 0
	for _, sym := range r.symbols {
		if err := r.cycle(ctx, sym); err != nil {
			failed++
		}
	}
	return failed
}

func (r *Runner) cycle(ctx context.Context, symbol string) (err error) {
	name := r.builder.Name()
	timer := r.metrics.StartTimer("builder:" + name)

	recovered := panics.Try(func() { err = r.builder.Build(ctx, symbol) })
	if recovered != nil {
		err = fmt.Errorf("builder %s panicked: %w", name, recovered.AsError())
	}

	result := "ok"
	if err != nil {
		result = "error"
		r.metrics.BuilderErrors.WithLabelValues(name).Inc()
		r.logger.Error().Err(err).Str("symbol", symbol).Msg("Build cycle failed")
	}
	r.metrics.BuilderCycles.WithLabelValues(name, result).Inc()
	d := timer.Stop(result)

	if r.store != nil {
		fields := map[string]string{
			symbol + ".last_result":      result,
			symbol + ".last_run_ms":      strconv.FormatInt(time.Now().UnixMilli(), 10),
			symbol + ".last_duration_ms": strconv.FormatInt(d.Milliseconds(), 10),
		}
		if err != nil {
			fields[symbol+".last_error"] = err.Error()
		}
		if werr := r.store.HSet(ctx, store.BuilderStats(name), fields); werr != nil {
			r.logger.Warn().Err(werr).Msg("Builder stats write failed")
		}
	}
	return err
}
