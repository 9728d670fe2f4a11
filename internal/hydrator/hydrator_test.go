package hydrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gammaflow/internal/epoch"
	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/store"
)

const callID = "O:SPXW261016C05850000"

func mustID(t *testing.T, raw string) model.InstrumentID {
	t.Helper()
	id, err := model.ParseInstrumentID(raw, map[string]string{"SPXW": "SPX"})
	require.NoError(t, err)
	return id
}

func TestTableFirstSightWithoutPriceIsClean(t *testing.T) {
	table := NewTable()
	id := mustID(t, callID)

	assert.False(t, table.Apply(id, model.Tick{Symbol: callID, Timestamp: 1}))
	assert.Equal(t, 1, table.Len())

	other := mustID(t, "O:SPXW261016P05850000")
	assert.True(t, table.Apply(other, model.Tick{Symbol: other.Raw, Bid: model.Float(1.2)}))
}

func TestTableTimestampOnlyNeverDirty(t *testing.T) {
	table := NewTable()
	id := mustID(t, callID)
	require.True(t, table.Apply(id, model.Tick{Symbol: callID, Bid: model.Float(1), Ask: model.Float(2), Timestamp: 10}))

	for ts := int64(11); ts < 20; ts++ {
		assert.False(t, table.Apply(id, model.Tick{Symbol: callID, Timestamp: ts}))
	}
	row, ok := table.Get(id.Key)
	require.True(t, ok)
	assert.Equal(t, int64(19), row.UpdatedMs)
}

func TestTableSameValueIsClean(t *testing.T) {
	table := NewTable()
	id := mustID(t, callID)
	require.True(t, table.Apply(id, model.Tick{Symbol: callID, Bid: model.Float(1)}))

	assert.False(t, table.Apply(id, model.Tick{Symbol: callID, Bid: model.Float(1)}))
	assert.True(t, table.Apply(id, model.Tick{Symbol: callID, Bid: model.Float(1.05)}))
	assert.True(t, table.Apply(id, model.Tick{Symbol: callID, Size: model.Float(3)}))
	assert.True(t, table.Apply(id, model.Tick{Symbol: callID, Price: model.Float(1.1)}))
}

func TestTableApplyIsIdempotent(t *testing.T) {
	ticks := []model.Tick{
		{Symbol: callID, Bid: model.Float(1), Ask: model.Float(1.4), Timestamp: 5},
		{Symbol: callID, Price: model.Float(1.2), Size: model.Float(10), Timestamp: 6},
		{Symbol: callID, Timestamp: 7},
	}
	id := mustID(t, callID)

	once := NewTable()
	twice := NewTable()
	for _, tick := range ticks {
		once.Apply(id, tick)
		twice.Apply(id, tick)
		assert.False(t, twice.Apply(id, tick))
	}

	a, _ := once.Get(id.Key)
	b, _ := twice.Get(id.Key)
	assert.Equal(t, a, b)
	require.NotNil(t, a.Mid)
	assert.InDelta(t, 1.2, *a.Mid, 1e-9)
}

func TestFlowCountersResetOnRead(t *testing.T) {
	f := NewFlow()
	f.Record("SPX", "5850", model.Call, model.Float(1.0), model.Float(1.0), model.Float(1.2))
	f.Record("SPX", "5850", model.Put, model.Float(1.3), model.Float(1.0), model.Float(1.2))
	f.Record("SPX", "5850", model.Put, nil, model.Float(1.0), model.Float(1.2))

	got := f.Read("SPX")
	assert.Equal(t, FlowCounters{Ticks: 3, BidTouches: 1, AskTouches: 1, Calls: 1, Puts: 2}, got["5850"])
	assert.Empty(t, f.Read("SPX"))
}

type harness struct {
	h      *Hydrator
	mem    *store.Memory
	epochs *epoch.Manager
	reg    *metrics.Registry
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	reg := metrics.New()
	em := epoch.NewManager(mem, epoch.Config{DormantThreshold: 5, TTL: time.Hour, Grace: time.Minute}, reg)
	hs := &harness{mem: mem, epochs: em, reg: reg, clock: time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)}
	hs.h = New(mem, em, Config{
		Symbols:        []string{"SPX"},
		Group:          "hydrator",
		Consumer:       "test",
		StaleAfter:     5 * time.Minute,
		DirtyConsumers: []string{"payoff", "audit"},
		RootAliases:    map[string]string{"SPXW": "SPX"},
	}, reg)
	hs.h.now = func() time.Time { return hs.clock }
	require.NoError(t, hs.h.Setup(context.Background()))
	return hs
}

func (hs *harness) push(t *testing.T, frame string) {
	t.Helper()
	_, err := hs.mem.XAdd(context.Background(), store.RawStream("SPX"), 0, map[string]string{"d": frame, "rt": "0"})
	require.NoError(t, err)
}

func (hs *harness) read(t *testing.T) []store.StreamBatch {
	t.Helper()
	batches, err := hs.mem.XReadGroup(context.Background(), store.ReadGroupArgs{
		Group: "hydrator", Consumer: "test", Streams: []string{store.RawStream("SPX")}, Count: 100,
	})
	require.NoError(t, err)
	return batches
}

func (hs *harness) writeBaseline(t *testing.T, snap model.Snapshot) {
	t.Helper()
	ctx := context.Background()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	key := store.BaselineSnapshot(snap.Symbol, snap.Expiration, snap.FetchedMs)
	require.NoError(t, hs.mem.Set(ctx, key, string(data), time.Hour))
	require.NoError(t, hs.mem.HSet(ctx, store.BaselineIndex(snap.Symbol), map[string]string{snap.Expiration: key}))
}

func TestIngestBatchRecordsDirtyPerConsumer(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	epochID, err := hs.epochs.EnsureEpoch(ctx, "SPX", model.SnapshotMeta{})
	require.NoError(t, err)

	hs.push(t, `[{"symbol":"O:SPXW261016C05850000","bid":1.1},{"symbol":"O:SPXW261016P05850000","timestamp":5}]`)
	hs.push(t, `{"symbol":"not-an-option","bid":1}`)
	hs.push(t, `garbage`)
	hs.push(t, `{"status":"connected"}`)

	res, err := hs.h.IngestBatch(ctx, hs.read(t))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Entries)
	assert.Equal(t, 2, res.Ticks)
	assert.Equal(t, 1, res.Dirty)
	assert.Equal(t, 2, res.ParseErrors)
	assert.Len(t, res.Acked[store.RawStream("SPX")], 4)

	for _, consumer := range []string{"payoff", "audit"} {
		members, err := hs.mem.SMembers(ctx, store.Dirty(consumer, "SPX"))
		require.NoError(t, err)
		assert.Equal(t, []string{callID}, members, consumer)
	}

	activity, err := hs.mem.Get(ctx, store.EpochActivity(epochID))
	require.NoError(t, err)
	assert.Equal(t, "1", activity)
	assert.Equal(t, 2.0, metrics.Value(hs.reg.ParseErrors.WithLabelValues("hydrator")))
}

func TestIngestBatchTimestampOnlyDoesNotRedirty(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	hs.push(t, `{"symbol":"O:SPXW261016C05850000","bid":1.1,"timestamp":1}`)
	_, err := hs.h.IngestBatch(ctx, hs.read(t))
	require.NoError(t, err)

	// payoff builder consumes the set
	require.NoError(t, hs.mem.SRem(ctx, store.Dirty("payoff", "SPX"), callID))

	hs.push(t, `{"symbol":"O:SPXW261016C05850000","timestamp":2}`)
	hs.push(t, `{"symbol":"O:SPXW261016C05850000","bid":1.1,"timestamp":3}`)
	res, err := hs.h.IngestBatch(ctx, hs.read(t))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dirty)

	members, err := hs.mem.SMembers(ctx, store.Dirty("payoff", "SPX"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRunAcknowledgesAfterProcessing(t *testing.T) {
	hs := newHarness(t)
	hs.h.cfg.Block = 20 * time.Millisecond
	hs.push(t, `{"symbol":"O:SPXW261016C05850000","bid":1.1}`)

	ctx := context.Background()
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- hs.h.Run(ctx, stop) }()

	require.Eventually(t, func() bool {
		_, ok := hs.h.table.Get(callID)
		return ok && hs.mem.Pending(store.RawStream("SPX"), "hydrator") == 0
	}, 2*time.Second, 10*time.Millisecond)

	close(stop)
	require.NoError(t, <-done)
}

func TestIngestBatchDropsOnlyMalformedTicks(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	hs.push(t, `[{"symbol":"O:SPXW261016C05850000","bid":1.1},{"symbol":"O:SPXW261016P05850000","bid":"oops"}]`)
	res, err := hs.h.IngestBatch(ctx, hs.read(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ticks)
	assert.Equal(t, 1, res.ParseErrors)

	row, ok := hs.h.table.Get(callID)
	require.True(t, ok)
	assert.Equal(t, 1.1, *row.Bid)

	members, err := hs.mem.SMembers(ctx, store.Dirty("payoff", "SPX"))
	require.NoError(t, err)
	assert.Equal(t, []string{callID}, members)
}

// failingSAdd fails the first n SAdd calls.
type failingSAdd struct {
	*store.Memory
	n int32
}

func (f *failingSAdd) SAdd(ctx context.Context, key string, members ...string) error {
	if atomic.AddInt32(&f.n, -1) >= 0 {
		return errors.New("store unavailable")
	}
	return f.Memory.SAdd(ctx, key, members...)
}

func TestRunRedeliversFailedBatchAsDirty(t *testing.T) {
	hs := newHarness(t)
	hs.h.store = &failingSAdd{Memory: hs.mem, n: 1}
	hs.h.cfg.Block = 20 * time.Millisecond
	hs.push(t, `{"symbol":"O:SPXW261016C05850000","bid":1.1}`)

	ctx := context.Background()
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- hs.h.Run(ctx, stop) }()

	require.Eventually(t, func() bool {
		members, err := hs.mem.SMembers(ctx, store.Dirty("payoff", "SPX"))
		return err == nil && len(members) == 1 && hs.mem.Pending(store.RawStream("SPX"), "hydrator") == 0
	}, 5*time.Second, 20*time.Millisecond)

	close(stop)
	require.NoError(t, <-done)

	for _, consumer := range []string{"payoff", "audit"} {
		members, err := hs.mem.SMembers(ctx, store.Dirty(consumer, "SPX"))
		require.NoError(t, err)
		assert.Equal(t, []string{callID}, members, consumer)
	}
}

func TestRunResumesPendingEntriesOnStart(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	// a previous run read the entry and died before acknowledging it
	hs.push(t, `{"symbol":"O:SPXW261016C05850000","bid":1.1}`)
	require.Len(t, hs.read(t), 1)
	require.Equal(t, 1, hs.mem.Pending(store.RawStream("SPX"), "hydrator"))

	hs.h.cfg.Block = 20 * time.Millisecond
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- hs.h.Run(ctx, stop) }()

	require.Eventually(t, func() bool {
		_, ok := hs.h.table.Get(callID)
		return ok && hs.mem.Pending(store.RawStream("SPX"), "hydrator") == 0
	}, 2*time.Second, 10*time.Millisecond)

	close(stop)
	require.NoError(t, <-done)
}

func baselineSnap(bid float64) model.Snapshot {
	return model.Snapshot{
		Symbol:     "SPX",
		Expiration: "2026-10-16",
		FetchedMs:  1000,
		Spot:       5851,
		Instruments: []model.Instrument{{
			ID: "SPXW261016C05850000", Underlying: "SPX", Expiration: "2026-10-16", Strike: 5850, Side: model.Call,
			Bid: model.Float(bid), Ask: model.Float(bid + 1), Gamma: model.Float(0.05), OpenInterest: model.Float(200),
		}},
	}
}

func TestMergedViewOverlaysLiveQuotes(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	_, err := hs.h.MergedView(ctx, "SPX")
	assert.ErrorIs(t, err, ErrNoBaseline)

	hs.writeBaseline(t, baselineSnap(10))
	hs.push(t, `{"symbol":"O:SPXW261016C05850000","bid":12,"ask":13,"price":12.5}`)
	_, err = hs.h.IngestBatch(ctx, hs.read(t))
	require.NoError(t, err)

	surface, err := hs.h.MergedView(ctx, "SPX")
	require.NoError(t, err)
	assert.Equal(t, 5851.0, surface.Spot)
	assert.False(t, surface.Stale)
	in, ok := surface.Instruments[callID]
	require.True(t, ok)
	assert.Equal(t, 12.0, *in.Bid)
	assert.Equal(t, 13.0, *in.Ask)
	assert.Equal(t, 12.5, *in.Last)
	assert.Equal(t, 12.5, *in.Mid)
	assert.Equal(t, 200.0, *in.OpenInterest)
}

func TestMergedViewFallsBackToCachedBaseline(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	hs.writeBaseline(t, baselineSnap(10))
	_, err := hs.h.MergedView(ctx, "SPX")
	require.NoError(t, err)

	// Fresh load now fails.
	require.NoError(t, hs.mem.Del(ctx, store.BaselineIndex("SPX")))
	hs.push(t, `{"symbol":"O:SPXW261016C05850000","bid":20,"ask":22}`)
	_, err = hs.h.IngestBatch(ctx, hs.read(t))
	require.NoError(t, err)

	surface, err := hs.h.MergedView(ctx, "SPX")
	require.NoError(t, err)
	require.Len(t, surface.Instruments, 1)
	assert.Equal(t, 21.0, *surface.Instruments[callID].Mid)
	assert.False(t, surface.Stale)

	hs.clock = hs.clock.Add(10 * time.Minute)
	surface, err = hs.h.MergedView(ctx, "SPX")
	require.NoError(t, err)
	assert.True(t, surface.Stale)
	assert.NotEmpty(t, surface.Instruments)
	assert.True(t, hs.h.cache["SPX"].warned)
}

func TestMaterializeAndStoreSurface(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	hs.writeBaseline(t, baselineSnap(10))
	hs.push(t, `{"symbol":"O:SPXW261016C05850000","bid":12,"ask":13,"price":13}`)
	_, err := hs.h.IngestBatch(ctx, hs.read(t))
	require.NoError(t, err)

	require.NoError(t, hs.h.Materialize(ctx, "SPX"))

	surface, err := StoreSurface{Store: hs.mem}.MergedView(ctx, "SPX")
	require.NoError(t, err)
	assert.Equal(t, 12.5, *surface.Instruments[callID].Mid)

	flow, err := FlowTotals(ctx, hs.mem, "SPX")
	require.NoError(t, err)
	assert.Equal(t, FlowCounters{Ticks: 1, AskTouches: 1, Calls: 1}, flow["5850"])

	_, err = StoreSurface{Store: hs.mem}.MergedView(ctx, "NDX")
	assert.ErrorIs(t, err, ErrNoBaseline)
}
