package regime

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v2"
)

// Weights holds the blend weights of the directional, liquidity and regime scores.
type Weights struct {
	Directional DirectionalWeights `yaml:"directional"`
	Liquidity   LiquidityWeights   `yaml:"liquidity"`
	Regime      RegimeWeights      `yaml:"regime"`

	FlipPenalty       float64 `yaml:"flip_penalty"`       // max fractional cut applied at the flip level
	PositionSteepness float64 `yaml:"position_steepness"` // sigmoid slope per percent of distance from flip
	SignSteepness     float64 `yaml:"sign_steepness"`     // sigmoid slope on the normalised net exposure
}

// DirectionalWeights blend net imbalance and center of gravity into the directional score.
type DirectionalWeights struct {
	Imbalance float64 `yaml:"imbalance"`
	Gravity   float64 `yaml:"gravity"`
}

// LiquidityWeights blend near-spot concentration and sign into the liquidity score.
type LiquidityWeights struct {
	Concentration float64 `yaml:"concentration"`
	Sign          float64 `yaml:"sign"`
}

// RegimeWeights blend the four regime components.
type RegimeWeights struct {
	Position      float64 `yaml:"position"`
	Sign          float64 `yaml:"sign"`
	Liquidity     float64 `yaml:"liquidity"`
	Concentration float64 `yaml:"concentration"`
}

const weightSumTolerance = 0.01

// DefaultWeights returns the built-in blend.
func DefaultWeights() Weights {
	return Weights{
		Directional: DirectionalWeights{Imbalance: 0.6, Gravity: 0.4},
		Liquidity:   LiquidityWeights{Concentration: 0.5, Sign: 0.5},
		Regime: RegimeWeights{
			Position:      0.35,
			Sign:          0.25,
			Liquidity:     0.25,
			Concentration: 0.15,
		},
		FlipPenalty:       0.5,
		PositionSteepness: 2.0,
		SignSteepness:     4.0,
	}
}

// LoadWeights reads a YAML weights file over the defaults. An empty path returns the defaults.
func LoadWeights(path string) (Weights, error) {
	w := DefaultWeights()
	if path == "" {
		return w, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, fmt.Errorf("failed to read weights file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Weights{}, fmt.Errorf("failed to parse weights file %s: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return Weights{}, fmt.Errorf("weights file %s: %w", path, err)
	}
	return w, nil
}

// Validate checks every blend sums to 1 and the penalty is a fraction.
func (w Weights) Validate() error {
	sums := map[string]float64{
		"directional": w.Directional.Imbalance + w.Directional.Gravity,
		"liquidity":   w.Liquidity.Concentration + w.Liquidity.Sign,
		"regime":      w.Regime.Position + w.Regime.Sign + w.Regime.Liquidity + w.Regime.Concentration,
	}
	for name, sum := range sums {
		if math.Abs(sum-1) > weightSumTolerance {
			return fmt.Errorf("%s weights sum to %.3f, expected 1.0", name, sum)
		}
	}
	if w.FlipPenalty < 0 || w.FlipPenalty > 1 {
		return fmt.Errorf("flip_penalty %.3f outside [0,1]", w.FlipPenalty)
	}
	if w.PositionSteepness <= 0 || w.SignSteepness <= 0 {
		return fmt.Errorf("steepness must be positive")
	}
	return nil
}
