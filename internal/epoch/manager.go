// Package epoch owns the per-symbol consistency windows created on every baseline refresh,
// and the dormancy accounting that forces a full recompute when the stream has gone silent.
package epoch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/store"
)

// ThresholdField is the runtime-config hash field re-read on every EnsureEpoch.
const ThresholdField = "epoch.dormant_threshold"

// ErrNoEpoch is returned when a symbol has never had an epoch.
var ErrNoEpoch = errors.New("epoch: no active epoch")

// Config tunes epoch lifetimes and dormancy.
type Config struct {
	DormantThreshold int
	TTL              time.Duration
	Grace            time.Duration
	TimelineTTL      time.Duration
}

// Meta is the persisted record of one epoch. Epochs are immutable once written.
type Meta struct {
	ID              string `json:"id"`
	Symbol          string `json:"symbol"`
	CreatedMs       int64  `json:"created_ms"`
	ForcedDirty     bool   `json:"forced_dirty"`
	DormantCount    int    `json:"dormant_count"`
	InstrumentCount int    `json:"instrument_count"`
	ExpirationCount int    `json:"expiration_count"`
	StructuralHash  string `json:"structural_hash"`
	HashChanged     bool   `json:"hash_changed"`
	Previous        string `json:"previous,omitempty"`
}

// TimelineEntry is the audit record appended for every created epoch.
type TimelineEntry struct {
	EpochID         string `json:"epoch_id"`
	CreatedMs       int64  `json:"created_ms"`
	ForcedDirty     bool   `json:"forced_dirty"`
	DormantCount    int    `json:"dormant_count"`
	Threshold       int    `json:"threshold"`
	InstrumentCount int    `json:"instrument_count"`
	HashChanged     bool   `json:"hash_changed"`
}

// Manager implements the epoch lifecycle on top of the coordination store.
type Manager struct {
	store   store.Store
	cfg     Config
	metrics *metrics.Registry
	logger  zerolog.Logger

	now    func() time.Time
	suffix func() string
}

// NewManager creates an epoch manager.
func NewManager(st store.Store, cfg Config, reg *metrics.Registry) *Manager {
	if cfg.DormantThreshold < 1 {
		cfg.DormantThreshold = 5
	}
	return &Manager{
		store:   st,
		cfg:     cfg,
		metrics: reg,
		logger:  log.With().Str("component", "epoch").Logger(),
		now:     time.Now,
		suffix:  func() string { return uuid.NewString()[:8] },
	}
}

// EnsureEpoch always creates a brand-new epoch for symbol and makes it active.
// The previous epoch, if any, decides the dormant count: no recorded stream activity
// extends the streak, activity resets it.
func (m *Manager) EnsureEpoch(ctx context.Context, symbol string, snap model.SnapshotMeta) (string, error) {
	now := m.now()
	nowMs := now.UnixMilli()

	prevID, err := m.Active(ctx, symbol)
	if err != nil && !errors.Is(err, ErrNoEpoch) {
		return "", err
	}

	threshold := m.threshold(ctx)
	meta := Meta{
		ID:              fmt.Sprintf("%s:%d:%s", symbol, nowMs, m.suffix()),
		Symbol:          symbol,
		CreatedMs:       nowMs,
		InstrumentCount: snap.InstrumentCount,
		ExpirationCount: snap.ExpirationCount,
		StructuralHash:  snap.StructuralHash,
		Previous:        prevID,
	}

	if prevID == "" {
		meta.ForcedDirty = true
		meta.HashChanged = true
	} else {
		prev, err := m.Meta(ctx, prevID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		active, err := m.hadActivity(ctx, prevID)
		if err != nil {
			return "", err
		}
		if !active {
			meta.DormantCount = prev.DormantCount + 1
		}
		meta.ForcedDirty = meta.DormantCount >= threshold
		meta.HashChanged = prev.StructuralHash != snap.StructuralHash
	}

	if err := m.store.HSet(ctx, store.EpochMeta(meta.ID), encodeMeta(meta)); err != nil {
		return "", fmt.Errorf("write epoch meta: %w", err)
	}
	if err := m.store.Expire(ctx, store.EpochMeta(meta.ID), m.cfg.TTL); err != nil {
		return "", fmt.Errorf("expire epoch meta: %w", err)
	}
	if err := m.store.SAdd(ctx, store.EpochsDirty, meta.ID); err != nil {
		return "", fmt.Errorf("mark epoch dirty: %w", err)
	}
	if err := m.store.SRem(ctx, store.EpochsClean, meta.ID); err != nil {
		return "", fmt.Errorf("unmark epoch clean: %w", err)
	}
	if err := m.appendTimeline(ctx, symbol, nowMs, TimelineEntry{
		EpochID:         meta.ID,
		CreatedMs:       nowMs,
		ForcedDirty:     meta.ForcedDirty,
		DormantCount:    meta.DormantCount,
		Threshold:       threshold,
		InstrumentCount: meta.InstrumentCount,
		HashChanged:     meta.HashChanged,
	}); err != nil {
		return "", err
	}

	swapped, err := m.store.Swap(ctx, store.EpochActive(symbol), meta.ID, 0)
	if err != nil {
		return "", fmt.Errorf("swap active epoch: %w", err)
	}
	if swapped != "" {
		if err := m.retire(ctx, swapped, now); err != nil {
			return "", err
		}
	}
	if err := m.sweepRetired(ctx, nowMs); err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to sweep retired epochs")
	}
	if err := m.store.SAdd(ctx, store.EpochSymbols, symbol); err != nil {
		return "", fmt.Errorf("register symbol: %w", err)
	}

	m.metrics.EpochsCreated.WithLabelValues(symbol).Inc()
	if meta.ForcedDirty {
		m.metrics.EpochsForced.WithLabelValues(symbol).Inc()
	}

	event := m.logger.Info()
	if meta.ForcedDirty && prevID != "" {
		event = m.logger.Warn()
	}
	event.
		Str("symbol", symbol).
		Str("epoch", meta.ID).
		Str("previous", prevID).
		Int("dormant", meta.DormantCount).
		Int("threshold", threshold).
		Bool("forced_dirty", meta.ForcedDirty).
		Bool("hash_changed", meta.HashChanged).
		Msg("Epoch created")

	return meta.ID, nil
}

// MarkStreamActivity records that epochID saw a confirmed stream update. Idempotent.
func (m *Manager) MarkStreamActivity(ctx context.Context, epochID string) error {
	if epochID == "" {
		return nil
	}
	if err := m.store.Set(ctx, store.EpochActivity(epochID), "1", m.cfg.TTL); err != nil {
		return fmt.Errorf("mark stream activity %s: %w", epochID, err)
	}
	return nil
}

// MarkClean moves epochID from the dirty set to the clean set.
func (m *Manager) MarkClean(ctx context.Context, epochID string) error {
	if err := m.store.SRem(ctx, store.EpochsDirty, epochID); err != nil {
		return fmt.Errorf("mark clean %s: %w", epochID, err)
	}
	if err := m.store.SAdd(ctx, store.EpochsClean, epochID); err != nil {
		return fmt.Errorf("mark clean %s: %w", epochID, err)
	}
	return nil
}

// Active returns the active epoch id for symbol, or ErrNoEpoch.
func (m *Manager) Active(ctx context.Context, symbol string) (string, error) {
	id, err := m.store.Get(ctx, store.EpochActive(symbol))
	if errors.Is(err, store.ErrNotFound) || (err == nil && id == "") {
		return "", ErrNoEpoch
	}
	if err != nil {
		return "", fmt.Errorf("read active epoch %s: %w", symbol, err)
	}
	return id, nil
}

// Meta loads the persisted record of epochID. Expired epochs yield store.ErrNotFound.
func (m *Manager) Meta(ctx context.Context, epochID string) (Meta, error) {
	h, err := m.store.HGetAll(ctx, store.EpochMeta(epochID))
	if err != nil {
		return Meta{}, fmt.Errorf("read epoch meta %s: %w", epochID, err)
	}
	if len(h) == 0 {
		return Meta{}, store.ErrNotFound
	}
	return decodeMeta(epochID, h), nil
}

func (m *Manager) hadActivity(ctx context.Context, epochID string) (bool, error) {
	v, err := m.store.Get(ctx, store.EpochActivity(epochID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read activity %s: %w", epochID, err)
	}
	return v == "1", nil
}

// threshold re-reads the dormancy threshold from the runtime config hash.
func (m *Manager) threshold(ctx context.Context) int {
	v, err := m.store.HGet(ctx, store.RuntimeConfig, ThresholdField)
	if err != nil {
		return m.cfg.DormantThreshold
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		m.logger.Warn().Str("value", v).Msg("Ignoring invalid runtime dormant threshold")
		return m.cfg.DormantThreshold
	}
	return n
}

func (m *Manager) appendTimeline(ctx context.Context, symbol string, nowMs int64, entry TimelineEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := store.EpochTimeline(symbol)
	if err := m.store.ZAdd(ctx, key, float64(nowMs), string(data)); err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	if m.cfg.TimelineTTL > 0 {
		cutoff := float64(nowMs - m.cfg.TimelineTTL.Milliseconds())
		if err := m.store.ZRemRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
			return fmt.Errorf("trim timeline: %w", err)
		}
		if err := m.store.Expire(ctx, key, m.cfg.TimelineTTL); err != nil {
			return fmt.Errorf("expire timeline: %w", err)
		}
	}
	return nil
}

// retire time-boxes the superseded epoch instead of deleting it.
func (m *Manager) retire(ctx context.Context, epochID string, now time.Time) error {
	for _, key := range []string{store.EpochMeta(epochID), store.EpochActivity(epochID)} {
		if err := m.store.Expire(ctx, key, m.cfg.Grace); err != nil {
			return fmt.Errorf("retire %s: %w", epochID, err)
		}
	}
	deadline := now.Add(m.cfg.Grace).UnixMilli()
	if err := m.store.ZAdd(ctx, store.EpochsRetired, float64(deadline), epochID); err != nil {
		return fmt.Errorf("retire %s: %w", epochID, err)
	}
	return nil
}

// sweepRetired drops epochs past their grace deadline from the dirty and clean sets.
func (m *Manager) sweepRetired(ctx context.Context, nowMs int64) error {
	ids, err := m.store.ZRangeByScore(ctx, store.EpochsRetired, math.Inf(-1), float64(nowMs))
	if err != nil || len(ids) == 0 {
		return err
	}
	if err := m.store.SRem(ctx, store.EpochsDirty, ids...); err != nil {
		return err
	}
	if err := m.store.SRem(ctx, store.EpochsClean, ids...); err != nil {
		return err
	}
	return m.store.ZRem(ctx, store.EpochsRetired, ids...)
}

// SymbolState is the debug view of one symbol's epoch lineage.
type SymbolState struct {
	Symbol   string          `json:"symbol"`
	Active   string          `json:"active"`
	Meta     *Meta           `json:"meta,omitempty"`
	Dirty    bool            `json:"dirty"`
	Activity bool            `json:"activity"`
	Timeline []TimelineEntry `json:"timeline"`
}

// DebugState is a read-only snapshot of epoch bookkeeping.
type DebugState struct {
	Symbols   []SymbolState `json:"symbols"`
	Dirty     []string      `json:"dirty"`
	Clean     []string      `json:"clean"`
	Threshold int           `json:"threshold"`
}

// DebugState reports the epoch state for symbol, or for every known symbol when symbol is empty.
func (m *Manager) DebugState(ctx context.Context, symbol string) (DebugState, error) {
	var symbols []string
	if symbol != "" {
		symbols = []string{symbol}
	} else {
		all, err := m.store.SMembers(ctx, store.EpochSymbols)
		if err != nil {
			return DebugState{}, err
		}
		sort.Strings(all)
		symbols = all
	}

	dirty, err := m.store.SMembers(ctx, store.EpochsDirty)
	if err != nil {
		return DebugState{}, err
	}
	clean, err := m.store.SMembers(ctx, store.EpochsClean)
	if err != nil {
		return DebugState{}, err
	}
	sort.Strings(dirty)
	sort.Strings(clean)

	state := DebugState{Dirty: dirty, Clean: clean, Threshold: m.threshold(ctx)}
	dirtySet := make(map[string]bool, len(dirty))
	for _, id := range dirty {
		dirtySet[id] = true
	}

	for _, sym := range symbols {
		ss := SymbolState{Symbol: sym, Timeline: []TimelineEntry{}}
		active, err := m.Active(ctx, sym)
		if err != nil && !errors.Is(err, ErrNoEpoch) {
			return DebugState{}, err
		}
		ss.Active = active
		if active != "" {
			if meta, err := m.Meta(ctx, active); err == nil {
				ss.Meta = &meta
			}
			ss.Dirty = dirtySet[active]
			if ss.Activity, err = m.hadActivity(ctx, active); err != nil {
				return DebugState{}, err
			}
		}

		raw, err := m.store.ZRangeByScore(ctx, store.EpochTimeline(sym), math.Inf(-1), math.Inf(1))
		if err != nil {
			return DebugState{}, err
		}
		for _, r := range raw {
			var e TimelineEntry
			if err := json.Unmarshal([]byte(r), &e); err != nil {
				continue
			}
			ss.Timeline = append(ss.Timeline, e)
		}
		state.Symbols = append(state.Symbols, ss)
	}
	return state, nil
}

func encodeMeta(m Meta) map[string]string {
	return map[string]string{
		"symbol":           m.Symbol,
		"created_ms":       strconv.FormatInt(m.CreatedMs, 10),
		"forced_dirty":     strconv.FormatBool(m.ForcedDirty),
		"dormant_count":    strconv.Itoa(m.DormantCount),
		"instrument_count": strconv.Itoa(m.InstrumentCount),
		"expiration_count": strconv.Itoa(m.ExpirationCount),
		"structural_hash":  m.StructuralHash,
		"hash_changed":     strconv.FormatBool(m.HashChanged),
		"previous":         m.Previous,
	}
}

func decodeMeta(id string, h map[string]string) Meta {
	created, _ := strconv.ParseInt(h["created_ms"], 10, 64)
	forced, _ := strconv.ParseBool(h["forced_dirty"])
	dormant, _ := strconv.Atoi(h["dormant_count"])
	instruments, _ := strconv.Atoi(h["instrument_count"])
	expirations, _ := strconv.Atoi(h["expiration_count"])
	changed, _ := strconv.ParseBool(h["hash_changed"])
	return Meta{
		ID:              id,
		Symbol:          h["symbol"],
		CreatedMs:       created,
		ForcedDirty:     forced,
		DormantCount:    dormant,
		InstrumentCount: instruments,
		ExpirationCount: expirations,
		StructuralHash:  h["structural_hash"],
		HashChanged:     changed,
		Previous:        h["previous"],
	}
}
