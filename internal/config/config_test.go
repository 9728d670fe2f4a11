package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoadMapDefaultsOnly(t *testing.T) {
	m, err := LoadMap("", noEnv)
	require.NoError(t, err)

	cfg, err := Decode(m)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Epoch.DormantThreshold)
	assert.Equal(t, 2, cfg.Scheduler.MaxInflight)
	assert.Equal(t, 72*time.Hour, cfg.Baseline.TTL)
	assert.Equal(t, []float64{5, 10, 25}, cfg.Payoff.Widths)
	assert.Equal(t, "VIX", cfg.Baseline.VolProxy["SPX"])
	assert.Equal(t, []string{"Q.", "T."}, cfg.Baseline.ChannelPrefixes)
	assert.False(t, cfg.Baseline.InclusiveBounds)
	assert.Equal(t, 100.0, cfg.Exposure.Multiplier)
	assert.NotEmpty(t, cfg.Hydrator.Consumer)
}

func TestLoadMapFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gammaflow.yaml")
	content := `
symbols: [SPX, NDX]
store:
  addr: localhost:6379
baseline.inclusive_bounds: true
epoch:
  dormant_threshold: 3
payoff.widths: "5,10"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	env := map[string]string{
		"GAMMAFLOW_STORE_ADDR":             "redis:6379",
		"GAMMAFLOW_SCHEDULER_MAX_INFLIGHT": "4",
		"GAMMAFLOW_NOT_A_KEY":              "ignored",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	m, err := LoadMap(path, lookup)
	require.NoError(t, err)
	assert.NotContains(t, m, "not.a.key")

	cfg, err := Decode(m)
	require.NoError(t, err)
	assert.Equal(t, []string{"SPX", "NDX"}, cfg.Symbols)
	assert.Equal(t, "redis:6379", cfg.Store.Addr)
	assert.True(t, cfg.Baseline.InclusiveBounds)
	assert.Equal(t, 3, cfg.Epoch.DormantThreshold)
	assert.Equal(t, 4, cfg.Scheduler.MaxInflight)
	assert.Equal(t, []float64{5, 10}, cfg.Payoff.Widths)
}

func TestLoadMapMissingFile(t *testing.T) {
	_, err := LoadMap(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	assert.Error(t, err)
}

func TestDecodeRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"duration", "baseline.ttl", "three days"},
		{"int", "baseline.expirations", "many"},
		{"bool", "baseline.inclusive_bounds", "sometimes"},
		{"pairs", "baseline.vol_proxy", "SPX"},
		{"inflight zero", "scheduler.max_inflight", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := LoadMap("", noEnv)
			require.NoError(t, err)
			m[tt.key] = tt.val
			_, err = Decode(m)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	m, err := LoadMap("", noEnv)
	require.NoError(t, err)
	cfg, err := Decode(m)
	require.NoError(t, err)

	err = cfg.Validate(false, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissing))
	assert.Contains(t, err.Error(), "symbols")
	assert.Contains(t, err.Error(), "store.addr")

	cfg.Symbols = []string{"SPX"}
	cfg.Store.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate(false, false))

	err = cfg.Validate(true, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider.api_key")
	assert.Contains(t, err.Error(), "stream.url")
}

func TestRedactedMasksSecrets(t *testing.T) {
	m, err := LoadMap("", noEnv)
	require.NoError(t, err)
	m["provider.api_key"] = "secret"
	m["store.password"] = "hunter2"
	cfg, err := Decode(m)
	require.NoError(t, err)

	r := cfg.Redacted()
	assert.Equal(t, "********", r["provider.api_key"])
	assert.Equal(t, "********", r["store.password"])
	assert.Equal(t, "info", r["log.level"])
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "GAMMAFLOW_PUBLISHER_GAP_THRESHOLD", EnvName("publisher.gap_threshold"))
	assert.Equal(t, "GAMMAFLOW_STORE_ADDR", EnvName("store.addr"))
}
