// Package regime scores market structure from per-strike net exposure.
package regime

import (
	"math"

	"github.com/sawpanic/gammaflow/internal/exposure"
)

// Regime is the classification of a regime score.
type Regime string

const (
	Compression Regime = "compression"
	Transition  Regime = "transition"
	Expansion   Regime = "expansion"
)

// Classification boundaries on the [0,100] score.
const (
	TransitionFloor = 34.0
	ExpansionFloor  = 67.0
)

// Classify maps a score onto its regime.
func Classify(score float64) Regime {
	switch {
	case score >= ExpansionFloor:
		return Expansion
	case score >= TransitionFloor:
		return Transition
	default:
		return Compression
	}
}

// Config tunes the near-spot band and the flip proximity penalty, both in percent of spot.
type Config struct {
	FlipProximityPct float64
	NearBandPct      float64
	Weights          Weights
}

// Result is the published regime model of one symbol.
type Result struct {
	Symbol  string `json:"symbol"`
	EpochID string `json:"epoch_id,omitempty"`
	BuiltMs int64  `json:"built_ms"`

	Spot      float64 `json:"spot"`
	AboveSpot float64 `json:"above_spot"`
	BelowSpot float64 `json:"below_spot"`
	NetTotal  float64 `json:"net_total"`

	Imbalance     float64 `json:"imbalance"`
	Gravity       float64 `json:"center_of_gravity"`
	Directional   float64 `json:"directional"` // [-100,100]
	Liquidity     float64 `json:"liquidity"`   // [0,100]
	Concentration float64 `json:"concentration"`

	FlipStrike  *float64 `json:"flip_strike,omitempty"`
	FlipDistPct float64  `json:"flip_distance_pct,omitempty"`
	Penalty     float64  `json:"penalty"`

	Score  float64 `json:"score"`
	Regime Regime  `json:"regime"`
}

// Detector computes regime results.
type Detector struct {
	cfg Config
}

// NewDetector returns a detector. Zero bands fall back to 0.5% flip proximity and 1% near band.
func NewDetector(cfg Config) *Detector {
	if cfg.FlipProximityPct <= 0 {
		cfg.FlipProximityPct = 0.5
	}
	if cfg.NearBandPct <= 0 {
		cfg.NearBandPct = 1.0
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	return &Detector{cfg: cfg}
}

// Detect scores nets around spot. nets must be strike-ordered, as exposure.NetByStrike returns them.
func (d *Detector) Detect(spot float64, nets []exposure.StrikeNet) Result {
	w := d.cfg.Weights
	res := Result{Spot: spot}
	if spot <= 0 || len(nets) == 0 {
		res.Score = 50
		res.Regime = Classify(res.Score)
		return res
	}

	var totalAbs, weighted, nearAbs, nearNet float64
	band := spot * d.cfg.NearBandPct / 100
	for _, n := range nets {
		if n.Strike >= spot {
			res.AboveSpot += n.Net
		} else {
			res.BelowSpot += n.Net
		}
		res.NetTotal += n.Net
		abs := math.Abs(n.Net)
		totalAbs += abs
		weighted += n.Strike * abs
		if math.Abs(n.Strike-spot) <= band {
			nearAbs += abs
			nearNet += n.Net
		}
	}

	if denom := math.Abs(res.AboveSpot) + math.Abs(res.BelowSpot); denom > 0 {
		res.Imbalance = (res.AboveSpot - res.BelowSpot) / denom
	}
	res.Gravity = spot
	gravityScore := 0.0
	if totalAbs > 0 {
		res.Gravity = weighted / totalAbs
		gravityScore = math.Tanh((res.Gravity - spot) / band)
		res.Concentration = nearAbs / totalAbs
	}
	res.Directional = clamp(100*(w.Directional.Imbalance*res.Imbalance+w.Directional.Gravity*gravityScore), -100, 100)

	signFactor := 0.5
	if nearAbs > 0 {
		signFactor = (1 + nearNet/nearAbs) / 2
	}
	res.Liquidity = clamp(100*(w.Liquidity.Concentration*res.Concentration+w.Liquidity.Sign*signFactor), 0, 100)

	if flip, ok := FlipLevel(spot, nets); ok {
		res.FlipStrike = &flip
		res.FlipDistPct = math.Abs(spot-flip) / spot * 100
		if res.FlipDistPct <= d.cfg.FlipProximityPct {
			res.Penalty = w.FlipPenalty * (1 - res.FlipDistPct/d.cfg.FlipProximityPct)
			res.Directional *= 1 - res.Penalty
			res.Liquidity *= 1 - res.Penalty
		}
	}

	// Below the flip or net short gamma pushes toward expansion; liquidity and pinning toward compression.
	position := 0.5
	if res.FlipStrike != nil {
		position = sigmoid(-w.PositionSteepness * (spot - *res.FlipStrike) / spot * 100)
	}
	sign := 0.5
	if totalAbs > 0 {
		sign = sigmoid(-w.SignSteepness * res.NetTotal / totalAbs)
	}
	score := 100 * (w.Regime.Position*position +
		w.Regime.Sign*sign +
		w.Regime.Liquidity*(1-res.Liquidity/100) +
		w.Regime.Concentration*(1-res.Concentration))
	res.Score = clamp(score, 0, 100)
	res.Regime = Classify(res.Score)
	return res
}

// FlipLevel returns the zero crossing nearest spot between adjacent strikes whose net changes sign.
func FlipLevel(spot float64, nets []exposure.StrikeNet) (float64, bool) {
	best, found := 0.0, false
	for i := 1; i < len(nets); i++ {
		a, b := nets[i-1], nets[i]
		if a.Net == 0 || b.Net == 0 || (a.Net > 0) == (b.Net > 0) {
			continue
		}
		level := a.Strike + (b.Strike-a.Strike)*(-a.Net)/(b.Net-a.Net)
		if !found || math.Abs(level-spot) < math.Abs(best-spot) {
			best, found = level, true
		}
	}
	return best, found
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
