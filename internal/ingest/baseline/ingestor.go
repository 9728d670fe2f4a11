// Package baseline pulls periodic full snapshots of the option chain inside a volatility-scaled
// strike window, persists them with a latest pointer, derives stream channels and opens a new epoch.
package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/providers/marketdata"
	"github.com/sawpanic/gammaflow/internal/store"
)

// ErrNothingPersisted is returned when every expiration of a cycle failed or came back empty.
var ErrNothingPersisted = errors.New("baseline: no expiration persisted")

// Provider is the subset of the market-data client the ingestor needs.
type Provider interface {
	Quote(ctx context.Context, symbol string) (float64, error)
	Expirations(ctx context.Context, underlying string) ([]string, error)
	Chain(ctx context.Context, q marketdata.ChainQuery) ([]model.Instrument, int, error)
}

// EpochEnsurer opens a new epoch after a refresh.
type EpochEnsurer interface {
	EnsureEpoch(ctx context.Context, symbol string, meta model.SnapshotMeta) (string, error)
}

// Config tunes the refresh cycle.
type Config struct {
	Expirations      int
	HorizonDays      float64
	WindowMultiplier float64
	FallbackWindow   int
	Inclusive        bool
	TTL              time.Duration
	VolProxy         map[string]string
	ChannelPrefixes  []string
}

// CycleResult summarises one refresh.
type CycleResult struct {
	Symbol       string   `json:"symbol"`
	EpochID      string   `json:"epoch_id"`
	Spot         float64  `json:"spot"`
	Vol          float64  `json:"vol"`
	Window       int      `json:"window"`
	Fallback     bool     `json:"fallback"`
	Persisted    []string `json:"persisted"`
	Failed       []string `json:"failed"`
	Instruments  int      `json:"instruments"`
	Channels     int      `json:"channels"`
	ChannelsBump bool     `json:"channels_bumped"`
}

// Ingestor runs baseline refresh cycles.
type Ingestor struct {
	provider Provider
	store    store.Store
	epochs   EpochEnsurer
	cfg      Config
	metrics  *metrics.Registry
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a baseline ingestor.
func New(p Provider, st store.Store, epochs EpochEnsurer, cfg Config, reg *metrics.Registry) *Ingestor {
	if cfg.Expirations < 1 {
		cfg.Expirations = 1
	}
	return &Ingestor{
		provider: p,
		store:    st,
		epochs:   epochs,
		cfg:      cfg,
		metrics:  reg,
		logger:   log.With().Str("component", "baseline").Logger(),
		now:      time.Now,
	}
}

// RunCycle refreshes symbol once. A failed expiration is logged and skipped; the cycle only
// fails when the reference price or expiration listing is unavailable, or nothing was persisted.
func (i *Ingestor) RunCycle(ctx context.Context, symbol string) (CycleResult, error) {
	timer := i.metrics.StartTimer("baseline")
	res, err := i.runCycle(ctx, symbol)
	if err != nil {
		timer.Stop("error")
		return res, err
	}
	timer.Stop("ok")
	return res, nil
}

func (i *Ingestor) runCycle(ctx context.Context, symbol string) (CycleResult, error) {
	res := CycleResult{Symbol: symbol}
	logger := i.logger.With().Str("symbol", symbol).Logger()

	price, err := i.provider.Quote(ctx, symbol)
	if err != nil {
		return res, fmt.Errorf("reference price: %w", err)
	}
	if price <= 0 || math.IsNaN(price) {
		return res, fmt.Errorf("reference price for %s is %v", symbol, price)
	}
	res.Spot = price
	res.Vol = i.volatility(ctx, symbol, logger)
	res.Window, res.Fallback = StrikeWindow(price, res.Vol, i.cfg.HorizonDays, i.cfg.WindowMultiplier, i.cfg.FallbackWindow)
	lo, hi := Bounds(price, res.Window)

	listed, err := i.provider.Expirations(ctx, symbol)
	if err != nil {
		return res, fmt.Errorf("list expirations: %w", err)
	}
	now := i.now()
	selected := NextExpirations(listed, now, i.cfg.Expirations)
	if len(selected) == 0 {
		return res, fmt.Errorf("no upcoming expirations for %s", symbol)
	}

	prevIndex, err := i.store.HGetAll(ctx, store.BaselineIndex(symbol))
	if err != nil {
		return res, fmt.Errorf("read baseline index: %w", err)
	}

	fetchedMs := now.UnixMilli()
	index := make(map[string]string, len(selected))
	var ids []string

	for _, exp := range selected {
		snap, err := i.fetchExpiration(ctx, symbol, exp, price, res.Window, lo, hi, fetchedMs)
		if err == nil && len(snap.Instruments) == 0 {
			err = errors.New("empty chain")
		}
		if err != nil {
			i.metrics.BaselineFetches.WithLabelValues(symbol, "error").Inc()
			logger.Warn().
				Err(err).
				Str("expiration", exp).
				Float64("lo", lo).
				Float64("hi", hi).
				Bool("inclusive", i.cfg.Inclusive).
				Msg("Expiration fetch failed, skipping")
			res.Failed = append(res.Failed, exp)
			if prev, ok := prevIndex[exp]; ok {
				index[exp] = prev
			}
			continue
		}

		key, err := i.persist(ctx, snap)
		if err != nil {
			return res, err
		}
		i.metrics.BaselineFetches.WithLabelValues(symbol, "ok").Inc()
		index[exp] = key
		res.Persisted = append(res.Persisted, exp)
		res.Instruments += len(snap.Instruments)
		for _, in := range snap.Instruments {
			ids = append(ids, in.ID)
		}
	}

	if len(res.Persisted) == 0 {
		return res, ErrNothingPersisted
	}

	if err := i.store.Del(ctx, store.BaselineIndex(symbol)); err != nil {
		return res, fmt.Errorf("reset baseline index: %w", err)
	}
	if err := i.store.HSet(ctx, store.BaselineIndex(symbol), index); err != nil {
		return res, fmt.Errorf("write baseline index: %w", err)
	}
	if err := i.store.Expire(ctx, store.BaselineIndex(symbol), i.cfg.TTL); err != nil {
		return res, fmt.Errorf("expire baseline index: %w", err)
	}

	channels := Channels(ids, i.cfg.ChannelPrefixes)
	res.Channels = len(channels)
	if res.ChannelsBump, err = i.replaceChannels(ctx, symbol, channels); err != nil {
		return res, err
	}

	res.EpochID, err = i.epochs.EnsureEpoch(ctx, symbol, model.SnapshotMeta{
		InstrumentCount: res.Instruments,
		ExpirationCount: len(res.Persisted),
		StructuralHash:  model.StructuralHash(ids),
	})
	if err != nil {
		return res, fmt.Errorf("ensure epoch: %w", err)
	}

	logger.Info().
		Str("epoch", res.EpochID).
		Float64("spot", price).
		Float64("vol", res.Vol).
		Int("window", res.Window).
		Bool("fallback_window", res.Fallback).
		Strs("expirations", res.Persisted).
		Int("failed", len(res.Failed)).
		Int("instruments", res.Instruments).
		Int("channels", res.Channels).
		Msg("Baseline refreshed")
	return res, nil
}

// volatility returns the proxy level for symbol, or 0 when unavailable.
func (i *Ingestor) volatility(ctx context.Context, symbol string, logger zerolog.Logger) float64 {
	proxy, ok := i.cfg.VolProxy[symbol]
	if !ok || proxy == "" {
		return 0
	}
	vol, err := i.provider.Quote(ctx, proxy)
	if err != nil {
		logger.Warn().Err(err).Str("proxy", proxy).Msg("Volatility proxy unavailable, using fallback window")
		return 0
	}
	return vol
}

func (i *Ingestor) fetchExpiration(ctx context.Context, symbol, exp string, spot float64, window int, lo, hi float64, fetchedMs int64) (model.Snapshot, error) {
	rows, dropped, err := i.provider.Chain(ctx, marketdata.ChainQuery{
		Underlying: symbol,
		Expiration: exp,
		MinStrike:  lo,
		MaxStrike:  hi,
		Inclusive:  i.cfg.Inclusive,
	})
	if err != nil {
		return model.Snapshot{}, err
	}
	if dropped > 0 {
		i.metrics.ParseErrors.WithLabelValues("baseline").Add(float64(dropped))
	}

	snap := model.Snapshot{
		Symbol:     symbol,
		Expiration: exp,
		FetchedMs:  fetchedMs,
		Spot:       spot,
		Window:     window,
		Inclusive:  i.cfg.Inclusive,
	}
	for _, in := range rows {
		if !InWindow(in.Strike, lo, hi, i.cfg.Inclusive) {
			continue
		}
		in.UpdatedMs = fetchedMs
		snap.Instruments = append(snap.Instruments, in)
	}
	sort.Slice(snap.Instruments, func(a, b int) bool {
		x, y := snap.Instruments[a], snap.Instruments[b]
		if x.Strike != y.Strike {
			return x.Strike < y.Strike
		}
		return x.Side < y.Side
	})
	if n := len(snap.Instruments); n > 0 {
		snap.MinStrike = snap.Instruments[0].Strike
		snap.MaxStrike = snap.Instruments[n-1].Strike
	}
	return snap, nil
}

func (i *Ingestor) persist(ctx context.Context, snap model.Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	key := store.BaselineSnapshot(snap.Symbol, snap.Expiration, snap.FetchedMs)
	if err := i.store.Set(ctx, key, string(data), i.cfg.TTL); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", key, err)
	}
	if err := i.store.Set(ctx, store.BaselineLatest(snap.Symbol, snap.Expiration), key, i.cfg.TTL); err != nil {
		return "", fmt.Errorf("write latest pointer %s: %w", key, err)
	}
	return key, nil
}

// replaceChannels swaps the subscription set and bumps its version only when it changed.
func (i *Ingestor) replaceChannels(ctx context.Context, symbol string, channels []string) (bool, error) {
	prev, err := i.store.SMembers(ctx, store.Channels(symbol))
	if err != nil {
		return false, fmt.Errorf("read channels: %w", err)
	}
	if sameSet(prev, channels) {
		return false, nil
	}
	if err := i.store.Del(ctx, store.Channels(symbol)); err != nil {
		return false, fmt.Errorf("reset channels: %w", err)
	}
	if err := i.store.SAdd(ctx, store.Channels(symbol), channels...); err != nil {
		return false, fmt.Errorf("write channels: %w", err)
	}
	if _, err := i.store.Incr(ctx, store.ChannelsVersion(symbol)); err != nil {
		return false, fmt.Errorf("bump channel version: %w", err)
	}
	return true, nil
}

// Channels derives prefix+id subscription channels, sorted and de-duplicated.
func Channels(ids, prefixes []string) []string {
	seen := make(map[string]struct{}, len(ids)*len(prefixes))
	out := make([]string, 0, len(ids)*len(prefixes))
	for _, id := range ids {
		for _, p := range prefixes {
			ch := p + id
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
