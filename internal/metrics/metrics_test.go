package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistriesAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.Ticks.WithLabelValues("SPX").Add(3)
	assert.Equal(t, 3.0, Value(a.Ticks.WithLabelValues("SPX")))
	assert.Equal(t, 0.0, Value(b.Ticks.WithLabelValues("SPX")))
}

func TestSnapshot(t *testing.T) {
	r := New()
	r.GapAlerts.WithLabelValues("payoff", "SPX").Inc()
	r.SchedulerInflight.Set(2)
	r.PublishLatency.WithLabelValues("payoff").Observe(4)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["gammaflow_gap_alerts_total{model=payoff,symbol=SPX}"])
	assert.Equal(t, 2.0, snap["gammaflow_scheduler_inflight"])
	assert.Equal(t, 1.0, snap["gammaflow_publish_latency_ms_count{model=payoff}"])
	assert.Equal(t, 4.0, snap["gammaflow_publish_latency_ms_sum{model=payoff}"])
}

func TestStepTimer(t *testing.T) {
	r := New()
	timer := r.StartTimer("hydrator")
	d := timer.Stop("ok")
	assert.GreaterOrEqual(t, int64(d), int64(0))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["gammaflow_cycle_duration_seconds_count{component=hydrator,result=ok}"])
}

func TestHandler(t *testing.T) {
	r := New()
	r.EpochsCreated.WithLabelValues("NDX").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gammaflow_epochs_created_total{symbol="NDX"} 1`)
}
