// Package hydrator consumes the raw feed log through a consumer group, keeps the live instrument
// table and per-consumer dirty sets, and merges live quotes onto the latest baseline on demand.
package hydrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gammaflow/internal/epoch"
	"github.com/sawpanic/gammaflow/internal/ingest/baseline"
	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/store"
)

// ErrNoBaseline is returned by MergedView when no baseline was ever loaded for a symbol.
var ErrNoBaseline = errors.New("hydrator: no baseline loaded")

// EpochTracker is the epoch-manager surface the hydrator uses.
type EpochTracker interface {
	Active(ctx context.Context, symbol string) (string, error)
	MarkStreamActivity(ctx context.Context, epochID string) error
}

// Config tunes the hydrator.
type Config struct {
	Symbols             []string
	Group               string
	Consumer            string
	Batch               int64
	Block               time.Duration
	MaterializeInterval time.Duration
	StaleAfter          time.Duration
	DirtyConsumers      []string
	RootAliases         map[string]string
}

// BatchResult summarises one IngestBatch call.
type BatchResult struct {
	Entries     int
	Ticks       int
	Dirty       int
	ParseErrors int
	Acked       map[string][]string
}

type cachedBaseline struct {
	snaps    []model.Snapshot
	loadedAt time.Time
	warned   bool
}

// Hydrator owns the live instrument table.
type Hydrator struct {
	store   store.Store
	epochs  EpochTracker
	cfg     Config
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time

	table *Table
	flow  *Flow

	cacheMu sync.Mutex
	cache   map[string]*cachedBaseline
}

// New creates a hydrator.
func New(st store.Store, epochs EpochTracker, cfg Config, reg *metrics.Registry) *Hydrator {
	if cfg.Group == "" {
		cfg.Group = "hydrator"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "hydrator-0"
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	if cfg.MaterializeInterval <= 0 {
		cfg.MaterializeInterval = time.Second
	}
	if len(cfg.DirtyConsumers) == 0 {
		cfg.DirtyConsumers = []string{"payoff"}
	}
	return &Hydrator{
		store:   st,
		epochs:  epochs,
		cfg:     cfg,
		metrics: reg,
		logger:  log.With().Str("component", "hydrator").Logger(),
		now:     time.Now,
		table:   NewTable(),
		flow:    NewFlow(),
		cache:   make(map[string]*cachedBaseline),
	}
}

// Setup creates the consumer group on every symbol's raw log, starting at the tail.
func (h *Hydrator) Setup(ctx context.Context) error {
	for _, sym := range h.cfg.Symbols {
		if err := h.store.XGroupCreate(ctx, store.RawStream(sym), h.cfg.Group, "$"); err != nil {
			return fmt.Errorf("create consumer group for %s: %w", sym, err)
		}
	}
	return nil
}

// Run consumes the raw logs until stop is closed. Each batch is acknowledged only after it
// has been fully applied. On start and after a failed batch the consumer first re-reads its
// own pending entries, so nothing it was handed is lost.
func (h *Hydrator) Run(ctx context.Context, stop <-chan struct{}) error {
	if err := h.Setup(ctx); err != nil {
		return err
	}
	streams := make([]string, len(h.cfg.Symbols))
	for i, sym := range h.cfg.Symbols {
		streams[i] = store.RawStream(sym)
	}

	h.logger.Info().
		Strs("symbols", h.cfg.Symbols).
		Str("group", h.cfg.Group).
		Str("consumer", h.cfg.Consumer).
		Msg("Hydrator started")

	recovering := true
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		args := store.ReadGroupArgs{
			Group:    h.cfg.Group,
			Consumer: h.cfg.Consumer,
			Streams:  streams,
			Count:    h.cfg.Batch,
			Block:    h.cfg.Block,
		}
		if recovering {
			args.Start = "0"
		}
		batches, err := h.store.XReadGroup(ctx, args)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Error().Err(err).Msg("Raw log read failed")
			if !sleep(ctx, stop, time.Second) {
				return nil
			}
			continue
		}
		if len(batches) == 0 {
			if recovering {
				recovering = false
				continue
			}
			if h.cfg.Block <= 0 && !sleep(ctx, stop, 100*time.Millisecond) {
				return nil
			}
			continue
		}

		res, err := h.ingest(ctx, batches, recovering)
		if err != nil {
			h.logger.Error().Err(err).Int("entries", res.Entries).Msg("Batch failed, will redeliver")
			recovering = true
			if !sleep(ctx, stop, time.Second) {
				return nil
			}
			continue
		}
		for stream, ids := range res.Acked {
			if err := h.store.XAck(ctx, stream, h.cfg.Group, ids...); err != nil {
				h.logger.Error().Err(err).Str("stream", stream).Msg("Ack failed")
				recovering = true
			}
		}
	}
}

// IngestBatch applies every tick of batches to the table, records dirty instruments per
// consumer and marks stream activity on each touched symbol's active epoch. Malformed frames
// and ids are counted and dropped. It returns the entry ids to acknowledge per stream.
func (h *Hydrator) IngestBatch(ctx context.Context, batches []store.StreamBatch) (BatchResult, error) {
	return h.ingest(ctx, batches, false)
}

// ingest is IngestBatch for first deliveries and redeliveries alike. A redelivered tick may
// already be in the table from the failed attempt, so any price-bearing tick counts as dirty
// and flow counters are not recorded twice.
func (h *Hydrator) ingest(ctx context.Context, batches []store.StreamBatch, redelivered bool) (BatchResult, error) {
	timer := h.metrics.StartTimer("hydrator")
	res := BatchResult{Acked: make(map[string][]string)}

	for _, b := range batches {
		symbol := strings.TrimPrefix(b.Stream, store.RawStream(""))
		dirty := make(map[string][]string)
		applied := false

		for _, entry := range b.Entries {
			res.Entries++
			res.Acked[b.Stream] = append(res.Acked[b.Stream], entry.ID)

			ticks, bad, err := model.ParseTicks([]byte(entry.Values["d"]))
			if err != nil {
				bad++
			}
			if bad > 0 {
				res.ParseErrors += bad
				h.metrics.ParseErrors.WithLabelValues("hydrator").Add(float64(bad))
			}
			for _, tick := range ticks {
				id, err := model.ParseInstrumentID(tick.Symbol, h.cfg.RootAliases)
				if err != nil {
					res.ParseErrors++
					h.metrics.ParseErrors.WithLabelValues("hydrator").Inc()
					continue
				}
				res.Ticks++
				applied = true
				h.metrics.Ticks.WithLabelValues(id.Underlying).Inc()

				changed := h.table.Apply(id, tick)
				if changed || (redelivered && tick.HasPriceField()) {
					res.Dirty++
					dirty[id.Underlying] = append(dirty[id.Underlying], id.Key)
				}
				if redelivered {
					continue
				}
				if row, ok := h.table.Get(id.Key); ok {
					h.flow.Record(id.Underlying, id.StrikeKey(), id.Side, tick.Price, row.Bid, row.Ask)
				}
			}
		}

		for und, ids := range dirty {
			for _, consumer := range h.cfg.DirtyConsumers {
				if err := h.store.SAdd(ctx, store.Dirty(consumer, und), ids...); err != nil {
					timer.Stop("error")
					return res, fmt.Errorf("record dirty %s: %w", und, err)
				}
			}
			h.metrics.DirtyMarks.WithLabelValues(und).Add(float64(len(ids)))
		}

		if applied {
			if err := h.markActivity(ctx, symbol); err != nil {
				timer.Stop("error")
				return res, err
			}
		}
	}

	timer.Stop("ok")
	return res, nil
}

func (h *Hydrator) markActivity(ctx context.Context, symbol string) error {
	active, err := h.epochs.Active(ctx, symbol)
	if errors.Is(err, epoch.ErrNoEpoch) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("active epoch %s: %w", symbol, err)
	}
	return h.epochs.MarkStreamActivity(ctx, active)
}

// MergedView overlays live bid/ask/last onto the latest baseline of symbol. When the fresh
// load fails or is empty it falls back to the last good baseline held in memory, warning once
// when that copy is older than StaleAfter.
func (h *Hydrator) MergedView(ctx context.Context, symbol string) (model.Surface, error) {
	snaps, loadErr := baseline.LoadLatest(ctx, h.store, symbol)
	now := h.now()

	h.cacheMu.Lock()
	cached := h.cache[symbol]
	stale := false
	if loadErr == nil {
		cached = &cachedBaseline{snaps: snaps, loadedAt: now}
		h.cache[symbol] = cached
	} else {
		if cached == nil {
			h.cacheMu.Unlock()
			return model.Surface{}, fmt.Errorf("%w for %s: %v", ErrNoBaseline, symbol, loadErr)
		}
		age := now.Sub(cached.loadedAt)
		stale = h.cfg.StaleAfter > 0 && age > h.cfg.StaleAfter
		if stale && !cached.warned {
			cached.warned = true
			h.logger.Warn().
				Err(loadErr).
				Str("symbol", symbol).
				Dur("age", age).
				Msg("Serving cached baseline past staleness threshold")
		}
		snaps = cached.snaps
	}
	h.cacheMu.Unlock()

	surface := model.Surface{
		Symbol:      symbol,
		BuiltMs:     now.UnixMilli(),
		Stale:       stale,
		Instruments: make(map[string]model.Instrument),
	}
	var newest int64
	for _, snap := range snaps {
		if snap.FetchedMs >= newest {
			newest = snap.FetchedMs
			surface.Spot = snap.Spot
		}
		for _, in := range snap.Instruments {
			merged := in.Clone()
			key := model.CanonicalKey(in.ID)
			merged.ID = key
			if live, ok := h.table.Get(key); ok {
				if live.Bid != nil {
					merged.Bid = live.Bid
				}
				if live.Ask != nil {
					merged.Ask = live.Ask
				}
				if live.Last != nil {
					merged.Last = live.Last
				}
				if live.UpdatedMs > merged.UpdatedMs {
					merged.UpdatedMs = live.UpdatedMs
				}
				merged.RecomputeMid()
			}
			surface.Instruments[key] = merged
		}
	}
	return surface, nil
}

// RunMaterializer writes the merged view of every symbol to the store on an interval, and
// drains flow counters into the cumulative flow hash.
func (h *Hydrator) RunMaterializer(ctx context.Context, stop <-chan struct{}) error {
	ticker := time.NewTicker(h.cfg.MaterializeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, sym := range h.cfg.Symbols {
				if err := h.Materialize(ctx, sym); err != nil && !errors.Is(err, ErrNoBaseline) {
					h.logger.Error().Err(err).Str("symbol", sym).Msg("Materialize failed")
				}
			}
		}
	}
}

// Materialize writes one symbol's merged view and flow counters.
func (h *Hydrator) Materialize(ctx context.Context, symbol string) error {
	surface, err := h.MergedView(ctx, symbol)
	if err != nil {
		return err
	}
	data, err := json.Marshal(surface)
	if err != nil {
		return err
	}
	ttl := h.cfg.StaleAfter
	if ttl <= 0 {
		ttl = 10 * h.cfg.MaterializeInterval
	}
	if err := h.store.Set(ctx, store.Surface(symbol), string(data), ttl); err != nil {
		return fmt.Errorf("write surface %s: %w", symbol, err)
	}

	for strike, c := range h.flow.Read(symbol) {
		for field, n := range map[string]int64{
			"ticks":       c.Ticks,
			"bid_touches": c.BidTouches,
			"ask_touches": c.AskTouches,
			"calls":       c.Calls,
			"puts":        c.Puts,
		} {
			if n == 0 {
				continue
			}
			if _, err := h.store.HIncrBy(ctx, store.Flow(symbol), strike+":"+field, n); err != nil {
				return fmt.Errorf("write flow %s: %w", symbol, err)
			}
		}
	}
	return nil
}

// StoreSurface reads materialized surfaces, for builders running outside the hydrator's process.
type StoreSurface struct {
	Store store.Store
}

// MergedView returns the last materialized surface of symbol.
func (s StoreSurface) MergedView(ctx context.Context, symbol string) (model.Surface, error) {
	raw, err := s.Store.Get(ctx, store.Surface(symbol))
	if errors.Is(err, store.ErrNotFound) {
		return model.Surface{}, fmt.Errorf("%w for %s", ErrNoBaseline, symbol)
	}
	if err != nil {
		return model.Surface{}, err
	}
	var surface model.Surface
	if err := json.Unmarshal([]byte(raw), &surface); err != nil {
		return model.Surface{}, fmt.Errorf("decode surface %s: %w", symbol, err)
	}
	return surface, nil
}

// FlowTotals reads the cumulative flow hash of symbol as strike -> counters.
func FlowTotals(ctx context.Context, st store.Store, symbol string) (map[string]FlowCounters, error) {
	h, err := st.HGetAll(ctx, store.Flow(symbol))
	if err != nil {
		return nil, err
	}
	out := make(map[string]FlowCounters)
	for k, v := range h {
		idx := strings.LastIndex(k, ":")
		if idx < 0 {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		strike, field := k[:idx], k[idx+1:]
		c := out[strike]
		switch field {
		case "ticks":
			c.Ticks = n
		case "bid_touches":
			c.BidTouches = n
		case "ask_touches":
			c.AskTouches = n
		case "calls":
			c.Calls = n
		case "puts":
			c.Puts = n
		}
		out[strike] = c
	}
	return out, nil
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
