// Package publisher folds delta patches into per-symbol model state and fans them out.
package publisher

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

	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/store"
	"github.com/sawpanic/gammaflow/internal/stream"
)

// Config tunes retention, gap alerting and stats emission.
type Config struct {
	LatestTTL     time.Duration
	ReplayTTL     time.Duration
	ReplayMaxLen  int64
	GapThreshold  time.Duration
	StatsInterval time.Duration
}

// State is the full current model of one symbol as written under the latest key.
type State struct {
	Version   int64                      `json:"version"`
	UpdatedMs int64                      `json:"updated_ms"`
	Tiles     map[string]json.RawMessage `json:"tiles"`
}

// SymbolStats tracks publication cadence for one symbol.
type SymbolStats struct {
	Publishes    int64         `json:"publishes"`
	TilesChanged int64         `json:"tiles_changed"`
	TileCount    int           `json:"tile_count"`
	GapAlerts    int64         `json:"gap_alerts"`
	MaxGap       time.Duration `json:"max_gap"`
	AvgLatency   time.Duration `json:"avg_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
	LastVersion  int64         `json:"last_version"`
	LastPublish  time.Time     `json:"last_publish"`
}

// latencyWindow bounds the rolling average to roughly the last N publishes.
const latencyWindow = 100

// replayField is the field of a replay log entry holding the versioned delta.
const replayField = "v"

// Publisher is the single writer of one model's current state per symbol.
type Publisher struct {
	model   string
	store   store.Store
	bcast   *stream.Broadcaster
	cfg     Config
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	state   map[string]*State
	stats   map[string]*SymbolStats
	started time.Time

	lastPublishes, lastTiles int64
	lastEmit                 time.Time
}

// New returns a publisher for modelName.
func New(modelName string, st store.Store, bcast *stream.Broadcaster, cfg Config, reg *metrics.Registry) *Publisher {
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = 5 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	now := time.Now()
	return &Publisher{
		model:    modelName,
		store:    st,
		bcast:    bcast,
		cfg:      cfg,
		metrics:  reg,
		logger:   log.With().Str("component", "publisher").Str("model", modelName).Logger(),
		now:      time.Now,
		state:    make(map[string]*State),
		stats:    make(map[string]*SymbolStats),
		started:  now,
		lastEmit: now,
	}
}

// Model is the name this publisher writes.
func (p *Publisher) Model() string { return p.model }

// ReceiveDelta folds patch into the current state of symbol, appends the versioned delta to
// the replay log, writes the latest state and broadcasts it. It returns the version. The
// in-memory state only advances once the replay entry is written, so a failed call leaves
// nothing that the replay log does not also hold.
func (p *Publisher) ReceiveDelta(ctx context.Context, symbol string, patch model.DeltaPatch) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.now()
	cur, err := p.currentLocked(ctx, symbol)
	if err != nil {
		return 0, err
	}

	version := start.UnixMilli()
	if version <= cur.Version {
		version = cur.Version + 1
	}
	next := &State{
		Version:   version,
		UpdatedMs: start.UnixMilli(),
		Tiles:     make(map[string]json.RawMessage, len(cur.Tiles)+len(patch.Changed)),
	}
	for k, v := range cur.Tiles {
		next.Tiles[k] = v
	}
	patch.Apply(next.Tiles)

	delta := model.VersionedDelta{Version: version, Changed: patch.Changed, Removed: patch.Removed}
	if delta.Changed == nil {
		delta.Changed = map[string]json.RawMessage{}
	}
	raw, err := json.Marshal(delta)
	if err != nil {
		return 0, fmt.Errorf("encode delta %s: %w", symbol, err)
	}
	latest, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("encode state %s: %w", symbol, err)
	}

	replayKey := store.ModelReplay(p.model, symbol)
	if _, err := p.store.XAdd(ctx, replayKey, p.cfg.ReplayMaxLen, map[string]string{replayField: string(raw)}); err != nil {
		return 0, fmt.Errorf("append replay %s/%s: %w", p.model, symbol, err)
	}
	p.state[symbol] = next
	if p.cfg.ReplayTTL > 0 {
		if err := p.store.Expire(ctx, replayKey, p.cfg.ReplayTTL); err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Replay log expiry not refreshed")
		}
	}

	// a failed write here is repaired by the next delta, which rewrites the full state
	if err := p.store.Set(ctx, store.ModelLatest(p.model, symbol), string(latest), p.cfg.LatestTTL); err != nil {
		return 0, fmt.Errorf("write latest %s/%s: %w", p.model, symbol, err)
	}

	if p.bcast != nil {
		env := stream.NewEnvelope(p.model, symbol, version, raw, start)
		if err := p.bcast.Broadcast(ctx, env); err != nil {
			return 0, err
		}
	}

	p.recordLocked(symbol, start, version, len(patch.Changed)+len(patch.Removed), len(next.Tiles))
	return version, nil
}

// Current returns a copy of the tiles currently held for symbol.
func (p *Publisher) Current(ctx context.Context, symbol string) (map[string]json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, err := p.currentLocked(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(cur.Tiles))
	for k, v := range cur.Tiles {
		out[k] = v
	}
	return out, nil
}

// currentLocked returns the in-memory state of symbol, seeding it from the latest key after a restart.
func (p *Publisher) currentLocked(ctx context.Context, symbol string) (*State, error) {
	if cur, ok := p.state[symbol]; ok {
		return cur, nil
	}
	cur, err := Latest(ctx, p.store, p.model, symbol)
	if errors.Is(err, store.ErrNotFound) {
		cur = State{}
	} else if err != nil {
		return nil, err
	}
	if cur.Tiles == nil {
		cur.Tiles = make(map[string]json.RawMessage)
	}
	p.state[symbol] = &cur
	return &cur, nil
}

func (p *Publisher) recordLocked(symbol string, start time.Time, version int64, changed, tiles int) {
	s, ok := p.stats[symbol]
	if !ok {
		s = &SymbolStats{}
		p.stats[symbol] = s
	}
	end := p.now()
	latency := end.Sub(start)

	if !s.LastPublish.IsZero() {
		gap := start.Sub(s.LastPublish)
		if gap > s.MaxGap {
			s.MaxGap = gap
		}
		if gap > p.cfg.GapThreshold {
			s.GapAlerts++
			p.metrics.GapAlerts.WithLabelValues(p.model, symbol).Inc()
			p.logger.Warn().
				Str("symbol", symbol).
				Dur("gap", gap).
				Dur("threshold", p.cfg.GapThreshold).
				Msg("Publication gap exceeded threshold")
		}
	}

	s.Publishes++
	s.TilesChanged += int64(changed)
	s.TileCount = tiles
	s.LastVersion = version
	s.LastPublish = start

	n := s.Publishes
	if n > latencyWindow {
		n = latencyWindow
	}
	s.AvgLatency += (latency - s.AvgLatency) / time.Duration(n)
	if latency > s.MaxLatency {
		s.MaxLatency = latency
	}

	p.metrics.Publishes.WithLabelValues(p.model, symbol).Inc()
	p.metrics.TilesChanged.WithLabelValues(p.model, symbol).Add(float64(changed))
	p.metrics.PublishLatency.WithLabelValues(p.model).Observe(latency.Seconds())
}

// Summary is one stats emission.
type Summary struct {
	Publishes   int64
	Tiles       int64
	GapAlerts   int64
	PublishRate float64 // per second since the previous emission
	TileRate    float64
	Uptime      time.Duration
}

// EmitStats logs aggregate rates and writes them, with per-symbol detail, to the ops hash.
func (p *Publisher) EmitStats(ctx context.Context) (Summary, error) {
	p.mu.Lock()
	now := p.now()
	var sum Summary
	fields := make(map[string]string)
	for sym, s := range p.stats {
		sum.Publishes += s.Publishes
		sum.Tiles += s.TilesChanged
		sum.GapAlerts += s.GapAlerts
		fields[sym+".publishes"] = strconv.FormatInt(s.Publishes, 10)
		fields[sym+".tiles"] = strconv.Itoa(s.TileCount)
		fields[sym+".gap_alerts"] = strconv.FormatInt(s.GapAlerts, 10)
		fields[sym+".max_gap_ms"] = strconv.FormatInt(s.MaxGap.Milliseconds(), 10)
		fields[sym+".avg_latency_ms"] = formatMs(s.AvgLatency)
		fields[sym+".max_latency_ms"] = formatMs(s.MaxLatency)
		fields[sym+".version"] = strconv.FormatInt(s.LastVersion, 10)
	}
	if elapsed := now.Sub(p.lastEmit).Seconds(); elapsed > 0 {
		sum.PublishRate = float64(sum.Publishes-p.lastPublishes) / elapsed
		sum.TileRate = float64(sum.Tiles-p.lastTiles) / elapsed
	}
	sum.Uptime = now.Sub(p.started)
	p.lastPublishes, p.lastTiles, p.lastEmit = sum.Publishes, sum.Tiles, now
	p.mu.Unlock()

	fields["publishes"] = strconv.FormatInt(sum.Publishes, 10)
	fields["tiles_changed"] = strconv.FormatInt(sum.Tiles, 10)
	fields["gap_alerts"] = strconv.FormatInt(sum.GapAlerts, 10)
	fields["publish_rate"] = strconv.FormatFloat(sum.PublishRate, 'f', 3, 64)
	fields["tile_rate"] = strconv.FormatFloat(sum.TileRate, 'f', 3, 64)
	fields["uptime_s"] = strconv.FormatInt(int64(sum.Uptime.Seconds()), 10)
	fields["updated_ms"] = strconv.FormatInt(now.UnixMilli(), 10)

	if snap, err := p.metrics.Snapshot(); err == nil {
		for k, v := range snap {
			if strings.Contains(k, "model="+p.model) {
				fields["metric:"+k] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	}

	p.logger.Info().
		Int64("publishes", sum.Publishes).
		Int64("tiles", sum.Tiles).
		Int64("gap_alerts", sum.GapAlerts).
		Float64("publish_rate", sum.PublishRate).
		Float64("tile_rate", sum.TileRate).
		Dur("uptime", sum.Uptime).
		Msg("Publisher stats")

	if err := p.store.HSet(ctx, store.PublisherStats(p.model), fields); err != nil {
		return sum, fmt.Errorf("write publisher stats: %w", err)
	}
	return sum, nil
}

// RunStats emits stats every StatsInterval until stop is closed.
func (p *Publisher) RunStats(ctx context.Context, stop <-chan struct{}) error {
	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.EmitStats(ctx); err != nil {
				p.logger.Error().Err(err).Msg("Stats emission failed")
			}
		}
	}
}

// Latest reads the full current state of model and symbol.
func Latest(ctx context.Context, st store.Store, modelName, symbol string) (State, error) {
	raw, err := st.Get(ctx, store.ModelLatest(modelName, symbol))
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}, fmt.Errorf("decode latest %s/%s: %w", modelName, symbol, err)
	}
	return s, nil
}

// Replay folds the replay log of model and symbol into a fresh state.
func Replay(ctx context.Context, st store.Store, modelName, symbol string) (State, error) {
	entries, err := st.XRange(ctx, store.ModelReplay(modelName, symbol), "-", "+", 0)
	if err != nil {
		return State{}, fmt.Errorf("read replay %s/%s: %w", modelName, symbol, err)
	}
	s := State{Tiles: make(map[string]json.RawMessage)}
	for _, e := range entries {
		var d model.VersionedDelta
		if err := json.Unmarshal([]byte(e.Values[replayField]), &d); err != nil {
			return State{}, fmt.Errorf("decode replay entry %s: %w", e.ID, err)
		}
		model.DeltaPatch{Changed: d.Changed, Removed: d.Removed}.Apply(s.Tiles)
		s.Version = d.Version
	}
	return s, nil
}

func formatMs(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64)
}
