package regime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gammaflow/internal/exposure"
)

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  Regime
	}{
		{0, Compression},
		{33.999, Compression},
		{34, Transition},
		{66, Transition},
		{66.999, Transition},
		{67, Expansion},
		{100, Expansion},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.score), "score %v", tt.score)
	}
}

func TestFlipLevelInterpolates(t *testing.T) {
	nets := []exposure.StrikeNet{
		{Strike: 5800, Net: -300},
		{Strike: 5850, Net: 100},
		{Strike: 5900, Net: 200},
		{Strike: 5950, Net: -100},
	}
	level, ok := FlipLevel(5840, nets)
	require.True(t, ok)
	assert.InDelta(t, 5837.5, level, 1e-9)

	level, ok = FlipLevel(5940, nets)
	require.True(t, ok)
	assert.InDelta(t, 5933.333333, level, 1e-6)

	_, ok = FlipLevel(5850, []exposure.StrikeNet{{Strike: 1, Net: 1}, {Strike: 2, Net: 2}})
	assert.False(t, ok)
}

func TestDetectLongGammaIsCompression(t *testing.T) {
	d := NewDetector(Config{})
	nets := []exposure.StrikeNet{
		{Strike: 5700, Net: -50},
		{Strike: 5750, Net: 20},
		{Strike: 5840, Net: 900},
		{Strike: 5850, Net: 1200},
		{Strike: 5860, Net: 800},
		{Strike: 5900, Net: 300},
	}
	res := d.Detect(5850, nets)

	assert.Equal(t, Compression, res.Regime)
	assert.Less(t, res.Score, TransitionFloor)
	assert.Greater(t, res.Liquidity, 50.0)
	require.NotNil(t, res.FlipStrike)
	assert.Less(t, *res.FlipStrike, 5750.0)
	assert.Zero(t, res.Penalty)
}

func TestDetectShortGammaIsExpansion(t *testing.T) {
	d := NewDetector(Config{})
	nets := []exposure.StrikeNet{
		{Strike: 5700, Net: -900},
		{Strike: 5800, Net: -1200},
		{Strike: 5850, Net: -800},
		{Strike: 5950, Net: -100},
		{Strike: 6000, Net: 400},
	}
	res := d.Detect(5850, nets)

	assert.Equal(t, Expansion, res.Regime)
	assert.GreaterOrEqual(t, res.Score, ExpansionFloor)
	assert.Less(t, res.Liquidity, 50.0)
}

func TestDetectScoresStayBounded(t *testing.T) {
	d := NewDetector(Config{FlipProximityPct: 5})
	nets := []exposure.StrikeNet{
		{Strike: 5840, Net: -1e9},
		{Strike: 5860, Net: 1e9},
	}
	res := d.Detect(5850, nets)
	assert.GreaterOrEqual(t, res.Directional, -100.0)
	assert.LessOrEqual(t, res.Directional, 100.0)
	assert.GreaterOrEqual(t, res.Liquidity, 0.0)
	assert.LessOrEqual(t, res.Liquidity, 100.0)
	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.LessOrEqual(t, res.Score, 100.0)
	assert.InDelta(t, 0.5, res.Penalty, 1e-9)
}

func TestDetectEmpty(t *testing.T) {
	res := NewDetector(Config{}).Detect(5850, nil)
	assert.Equal(t, Transition, res.Regime)
	assert.Equal(t, 50.0, res.Score)
}

func TestLoadWeights(t *testing.T) {
	w, err := LoadWeights("")
	require.NoError(t, err)
	assert.Equal(t, DefaultWeights(), w)

	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte("directional:\n  imbalance: 0.5\n  gravity: 0.5\nflip_penalty: 0.25\n"), 0o600))
	w, err = LoadWeights(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, w.Directional.Imbalance)
	assert.Equal(t, 0.25, w.FlipPenalty)
	assert.Equal(t, DefaultWeights().Regime, w.Regime)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("regime:\n  position: 0.9\n"), 0o600))
	_, err = LoadWeights(bad)
	assert.ErrorContains(t, err, "regime weights")

	_, err = LoadWeights(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
