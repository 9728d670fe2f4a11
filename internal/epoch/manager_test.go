package epoch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, threshold int) (*Manager, *store.Memory, *fakeClock, *metrics.Registry) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 10, 16, 14, 30, 0, 0, time.UTC)}
	mem := store.NewMemory()
	mem.SetClock(clock.now)
	reg := metrics.New()
	m := NewManager(mem, Config{
		DormantThreshold: threshold,
		TTL:              24 * time.Hour,
		Grace:            2 * time.Minute,
		TimelineTTL:      48 * time.Hour,
	}, reg)
	m.now = clock.now
	n := 0
	m.suffix = func() string { n++; return fmt.Sprintf("%08d", n) }
	return m, mem, clock, reg
}

func snap(hash string) model.SnapshotMeta {
	return model.SnapshotMeta{InstrumentCount: 10, ExpirationCount: 2, StructuralHash: hash}
}

func TestFirstEpochIsForced(t *testing.T) {
	m, mem, _, reg := newTestManager(t, 5)
	ctx := context.Background()

	id, err := m.EnsureEpoch(ctx, "SPX", snap("h1"))
	require.NoError(t, err)

	meta, err := m.Meta(ctx, id)
	require.NoError(t, err)
	assert.True(t, meta.ForcedDirty)
	assert.Equal(t, 0, meta.DormantCount)
	assert.Equal(t, "SPX", meta.Symbol)
	assert.Equal(t, 10, meta.InstrumentCount)

	active, err := m.Active(ctx, "SPX")
	require.NoError(t, err)
	assert.Equal(t, id, active)

	dirty, err := mem.SIsMember(ctx, store.EpochsDirty, id)
	require.NoError(t, err)
	assert.True(t, dirty)
	assert.Equal(t, 1.0, metrics.Value(reg.EpochsForced.WithLabelValues("SPX")))
}

func TestDormancyStrictlyIncreasesUntilForced(t *testing.T) {
	const threshold = 5
	m, _, clock, _ := newTestManager(t, threshold)
	ctx := context.Background()

	_, err := m.EnsureEpoch(ctx, "SPX", snap("h"))
	require.NoError(t, err)

	last := 0
	for i := 1; i <= 8; i++ {
		clock.advance(time.Minute)
		id, err := m.EnsureEpoch(ctx, "SPX", snap("h"))
		require.NoError(t, err)

		meta, err := m.Meta(ctx, id)
		require.NoError(t, err)
		assert.Greater(t, meta.DormantCount, last, "cycle %d", i)
		assert.Equal(t, i, meta.DormantCount)
		assert.Equal(t, meta.DormantCount >= threshold, meta.ForcedDirty, "cycle %d", i)
		last = meta.DormantCount
	}
}

func TestStreamActivityResetsDormancy(t *testing.T) {
	m, _, clock, _ := newTestManager(t, 2)
	ctx := context.Background()

	first, err := m.EnsureEpoch(ctx, "SPX", snap("h"))
	require.NoError(t, err)
	clock.advance(time.Minute)
	second, err := m.EnsureEpoch(ctx, "SPX", snap("h"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.NoError(t, m.MarkStreamActivity(ctx, second))
	require.NoError(t, m.MarkStreamActivity(ctx, second))

	clock.advance(time.Minute)
	third, err := m.EnsureEpoch(ctx, "SPX", snap("h"))
	require.NoError(t, err)

	meta, err := m.Meta(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, 0, meta.DormantCount)
	assert.False(t, meta.ForcedDirty)
	assert.Equal(t, second, meta.Previous)
}

func TestRuntimeThresholdOverride(t *testing.T) {
	m, mem, clock, _ := newTestManager(t, 5)
	ctx := context.Background()
	require.NoError(t, mem.HSet(ctx, store.RuntimeConfig, map[string]string{ThresholdField: "1"}))

	_, err := m.EnsureEpoch(ctx, "NDX", snap("h"))
	require.NoError(t, err)
	clock.advance(time.Minute)
	id, err := m.EnsureEpoch(ctx, "NDX", snap("h"))
	require.NoError(t, err)

	meta, err := m.Meta(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.DormantCount)
	assert.True(t, meta.ForcedDirty)

	require.NoError(t, mem.HSet(ctx, store.RuntimeConfig, map[string]string{ThresholdField: "bogus"}))
	assert.Equal(t, 5, m.threshold(ctx))
}

func TestPreviousEpochIsTimeBoxed(t *testing.T) {
	m, mem, clock, _ := newTestManager(t, 5)
	ctx := context.Background()

	first, err := m.EnsureEpoch(ctx, "SPX", snap("h1"))
	require.NoError(t, err)
	require.NoError(t, m.MarkStreamActivity(ctx, first))

	ttl, ok := mem.TTL(store.EpochMeta(first))
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, ttl)

	clock.advance(time.Minute)
	second, err := m.EnsureEpoch(ctx, "SPX", snap("h2"))
	require.NoError(t, err)

	ttl, ok = mem.TTL(store.EpochMeta(first))
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, ttl)
	ttl, ok = mem.TTL(store.EpochActivity(first))
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, ttl)

	meta, err := m.Meta(ctx, second)
	require.NoError(t, err)
	assert.True(t, meta.HashChanged)

	// Still readable inside the grace window.
	_, err = m.Meta(ctx, first)
	require.NoError(t, err)

	clock.advance(3 * time.Minute)
	_, err = m.Meta(ctx, first)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Next creation sweeps the retired id out of the dirty set.
	_, err = m.EnsureEpoch(ctx, "SPX", snap("h2"))
	require.NoError(t, err)
	dirty, err := mem.SIsMember(ctx, store.EpochsDirty, first)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestMarkClean(t *testing.T) {
	m, mem, _, _ := newTestManager(t, 5)
	ctx := context.Background()

	id, err := m.EnsureEpoch(ctx, "SPX", snap("h"))
	require.NoError(t, err)
	require.NoError(t, m.MarkClean(ctx, id))

	dirty, err := mem.SIsMember(ctx, store.EpochsDirty, id)
	require.NoError(t, err)
	assert.False(t, dirty)
	clean, err := mem.SIsMember(ctx, store.EpochsClean, id)
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestActiveWithoutEpoch(t *testing.T) {
	m, _, _, _ := newTestManager(t, 5)
	_, err := m.Active(context.Background(), "RUT")
	assert.ErrorIs(t, err, ErrNoEpoch)
}

func TestDebugState(t *testing.T) {
	m, _, clock, _ := newTestManager(t, 5)
	ctx := context.Background()

	spx1, err := m.EnsureEpoch(ctx, "SPX", snap("h"))
	require.NoError(t, err)
	clock.advance(time.Second)
	spx2, err := m.EnsureEpoch(ctx, "SPX", snap("h"))
	require.NoError(t, err)
	_, err = m.EnsureEpoch(ctx, "NDX", snap("n"))
	require.NoError(t, err)
	require.NoError(t, m.MarkClean(ctx, spx1))

	state, err := m.DebugState(ctx, "SPX")
	require.NoError(t, err)
	require.Len(t, state.Symbols, 1)
	assert.Equal(t, spx2, state.Symbols[0].Active)
	assert.True(t, state.Symbols[0].Dirty)
	require.Len(t, state.Symbols[0].Timeline, 2)
	assert.True(t, state.Symbols[0].Timeline[0].ForcedDirty)
	assert.Equal(t, 1, state.Symbols[0].Timeline[1].DormantCount)
	assert.Contains(t, state.Clean, spx1)
	assert.Equal(t, 5, state.Threshold)

	all, err := m.DebugState(ctx, "")
	require.NoError(t, err)
	require.Len(t, all.Symbols, 2)
	assert.Equal(t, "NDX", all.Symbols[0].Symbol)
	assert.Equal(t, "SPX", all.Symbols[1].Symbol)
}
