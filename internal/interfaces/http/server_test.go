package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gammaflow/internal/epoch"
	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/net/ratelimit"
	"github.com/sawpanic/gammaflow/internal/publisher"
	"github.com/sawpanic/gammaflow/internal/scheduler"
	"github.com/sawpanic/gammaflow/internal/store"
	"github.com/sawpanic/gammaflow/internal/stream"
)

type fixture struct {
	mem    *store.Memory
	reg    *metrics.Registry
	epochs *epoch.Manager
	srv    *Server
}

func newFixture(t *testing.T, checks ...HealthCheck) *fixture {
	t.Helper()
	mem := store.NewMemory()
	reg := metrics.New()
	mgr := epoch.NewManager(mem, epoch.Config{DormantThreshold: 5, TTL: time.Hour, Grace: time.Minute, TimelineTTL: time.Hour}, reg)
	health := NewHealthHandler("test", func() map[string]string {
		return map[string]string{"hydrator": "running", "publisher": "running"}
	}, checks...)
	srv := NewServer(DefaultServerConfig(""), Deps{Store: mem, Epochs: mgr, Metrics: reg, Health: health})
	return &fixture{mem: mem, reg: reg, epochs: mgr, srv: srv}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealth(t *testing.T) {
	f := newFixture(t,
		HealthCheck{Name: "store", Critical: true, Check: func(ctx context.Context) error { return nil }},
		HealthCheck{Name: "archive", Check: func(ctx context.Context) error { return errors.New("connection refused") }},
	)

	rr := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Len(t, rr.Header().Get("X-Request-ID"), 8)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "pass", resp.Checks["store"].Status)
	assert.Equal(t, "warn", resp.Checks["archive"].Status)
	assert.Equal(t, "running", resp.Services["hydrator"])
}

func TestHealthUnhealthyOnCriticalFailure(t *testing.T) {
	f := newFixture(t, HealthCheck{Name: "store", Critical: true, Check: func(ctx context.Context) error { return errors.New("timeout") }})
	rr := f.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "abc123", rr.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.reg.Ticks.WithLabelValues("SPX").Add(3)

	rr := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `gammaflow_ticks_total{symbol="SPX"} 3`)
}

func TestEpochsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.epochs.EnsureEpoch(context.Background(), "SPX", model.SnapshotMeta{InstrumentCount: 4, ExpirationCount: 1, StructuralHash: "h"})
	require.NoError(t, err)

	rr := f.get(t, "/epochs/spx")
	require.Equal(t, http.StatusOK, rr.Code)
	var state epoch.DebugState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	require.Len(t, state.Symbols, 1)
	assert.Equal(t, "SPX", state.Symbols[0].Symbol)
	assert.NotEmpty(t, state.Symbols[0].Active)
	require.NotNil(t, state.Symbols[0].Meta)
	assert.True(t, state.Symbols[0].Meta.ForcedDirty)

	rr = f.get(t, "/epochs")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	assert.Len(t, state.Symbols, 1)
}

func TestModelsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub := publisher.New("payoff", f.mem, stream.NewBroadcaster(f.mem, nil), publisher.Config{LatestTTL: time.Hour, ReplayTTL: time.Hour, ReplayMaxLen: 100}, f.reg)
	_, err := pub.ReceiveDelta(ctx, "SPX", model.DeltaPatch{Changed: map[string]json.RawMessage{
		"2026-10-16|call|5|5850": json.RawMessage(`{"cost":1.2}`),
	}})
	require.NoError(t, err)
	require.NoError(t, f.mem.Set(ctx, store.RegimeModel("SPX"), `{"score":72,"regime":"expansion"}`, time.Minute))

	rr := f.get(t, "/models/payoff/SPX")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Model   string                     `json:"model"`
		Version int64                      `json:"version"`
		Tiles   int                        `json:"tiles"`
		State   map[string]json.RawMessage `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "payoff", resp.Model)
	assert.Positive(t, resp.Version)
	assert.Equal(t, 1, resp.Tiles)
	assert.JSONEq(t, `{"cost":1.2}`, string(resp.State["2026-10-16|call|5|5850"]))

	rr = f.get(t, "/models/regime/SPX")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"regime":"expansion"`)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/models/exposure/SPX").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/models/payoff/NDX").Code)
}

func TestOpsStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.HSet(context.Background(), store.BuilderStats("exposure"), map[string]string{"SPX.last_result": "ok"}))

	rr := f.get(t, "/ops/builder/exposure")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Fields["SPX.last_result"])

	assert.Equal(t, http.StatusNotFound, f.get(t, "/ops/publisher/payoff").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/nope").Code)
}

func TestPayoffTilesFilter(t *testing.T) {
	f := newFixture(t)
	pub := publisher.New("payoff", f.mem, stream.NewBroadcaster(f.mem, nil), publisher.Config{LatestTTL: time.Hour, ReplayTTL: time.Hour, ReplayMaxLen: 100}, f.reg)
	_, err := pub.ReceiveDelta(context.Background(), "SPX", model.DeltaPatch{Changed: map[string]json.RawMessage{
		"2026-10-16|call|5|5850":  json.RawMessage(`{"cost":1.2}`),
		"2026-10-16|put|5|5850":   json.RawMessage(`{"cost":1.4}`),
		"2026-10-16|call|10|5850": json.RawMessage(`{"cost":2.1}`),
		"2026-10-23|call|5|5850":  json.RawMessage(`{"cost":1.9}`),
	}})
	require.NoError(t, err)

	tiles := func(query string) []string {
		rr := f.get(t, "/models/payoff/SPX"+query)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp struct {
			State map[string]json.RawMessage `json:"state"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		var keys []string
		for k := range resp.State {
			keys = append(keys, k)
		}
		return keys
	}

	assert.Len(t, tiles(""), 4)
	assert.ElementsMatch(t, []string{"2026-10-16|call|5|5850", "2026-10-16|call|10|5850"}, tiles("?expiration=2026-10-16&side=call"))
	assert.ElementsMatch(t, []string{"2026-10-16|call|10|5850"}, tiles("?width=10"))
	assert.Empty(t, tiles("?side=put&expiration=2026-10-23"))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/models/payoff/SPX?width=wide").Code)
}

func TestFlowEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mem.HIncrBy(ctx, store.Flow("SPX"), "5850:ticks", 3)
	require.NoError(t, err)
	_, err = f.mem.HIncrBy(ctx, store.Flow("SPX"), "5850:puts", 2)
	require.NoError(t, err)

	rr := f.get(t, "/flow/spx")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"symbol":"SPX","strikes":{"5850":{"ticks":3,"bid_touches":0,"ask_touches":0,"calls":0,"puts":2}}}`, rr.Body.String())

	assert.Equal(t, http.StatusNotFound, f.get(t, "/flow/NDX").Code)
}

type fakeScheduler struct{ st scheduler.Status }

func (f fakeScheduler) GetStatus() scheduler.Status { return f.st }

type fakeProvider struct{}

func (fakeProvider) BreakerState() string { return "closed" }

func (fakeProvider) Limits() map[string]ratelimit.Stats {
	return map[string]ratelimit.Stats{"api.example.com": {Host: "api.example.com", RPS: 5, Burst: 10, TokensAvailable: 7}}
}

func TestSchedulerEndpoint(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/ops/scheduler").Code)

	f.srv = NewServer(DefaultServerConfig(""), Deps{
		Store:     f.mem,
		Metrics:   f.reg,
		Scheduler: fakeScheduler{st: scheduler.Status{Running: true, Inflight: []string{"SPX"}, MaxInflight: 2, Launched: 4}},
		Provider:  fakeProvider{},
	})
	rr := f.get(t, "/ops/scheduler")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp SchedulerResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Scheduler.Running)
	assert.Equal(t, []string{"SPX"}, resp.Scheduler.Inflight)
	assert.EqualValues(t, 4, resp.Scheduler.Launched)
	assert.Equal(t, "closed", resp.Breaker)
	assert.Equal(t, 7.0, resp.Limits["api.example.com"].TokensAvailable)
}

func TestRunStopsOnStop(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultServerConfig("127.0.0.1:0")
	srv := NewServer(cfg, Deps{Store: f.mem, Metrics: f.reg})

	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(context.Background(), stop) }()
	time.Sleep(20 * time.Millisecond)
	close(stop)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
