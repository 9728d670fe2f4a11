// Package exposure aggregates per-instrument gamma exposure into per-strike buckets.
package exposure

import (
	"sort"

	"github.com/sawpanic/gammaflow/internal/model"
)

// DefaultMultiplier is the contract multiplier applied when none is configured.
const DefaultMultiplier = 100.0

// Bucket is the summed exposure of one (expiration, strike, side).
type Bucket struct {
	Expiration   string     `json:"expiration"`
	Strike       float64    `json:"strike"`
	Side         model.Side `json:"side"`
	Exposure     float64    `json:"exposure"`
	OpenInterest float64    `json:"open_interest"`
	Instruments  int        `json:"instruments"`
}

// Artifact is the published exposure model for one symbol and side.
type Artifact struct {
	Symbol  string     `json:"symbol"`
	Side    model.Side `json:"side"`
	Spot    float64    `json:"spot"`
	BuiltMs int64      `json:"built_ms"`
	EpochID string     `json:"epoch_id,omitempty"`
	Total   float64    `json:"total"`
	Buckets []Bucket   `json:"buckets"`
}

// StrikeNet is the call minus put exposure at one strike across expirations.
type StrikeNet struct {
	Strike float64 `json:"strike"`
	Call   float64 `json:"call"`
	Put    float64 `json:"put"`
	Net    float64 `json:"net"`
}

type bucketKey struct {
	exp    string
	strike float64
}

// Compute returns one artifact per side. Instruments without gamma or open interest are skipped.
func Compute(surface model.Surface, multiplier float64) map[model.Side]Artifact {
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}

	sums := map[model.Side]map[bucketKey]*Bucket{
		model.Call: {},
		model.Put:  {},
	}
	for _, in := range surface.Instruments {
		if in.Gamma == nil || in.OpenInterest == nil {
			continue
		}
		bySide, ok := sums[in.Side]
		if !ok {
			continue
		}
		k := bucketKey{exp: in.Expiration, strike: in.Strike}
		b, ok := bySide[k]
		if !ok {
			b = &Bucket{Expiration: in.Expiration, Strike: in.Strike, Side: in.Side}
			bySide[k] = b
		}
		b.Exposure += *in.Gamma * *in.OpenInterest * multiplier
		b.OpenInterest += *in.OpenInterest
		b.Instruments++
	}

	out := make(map[model.Side]Artifact, len(sums))
	for side, bySide := range sums {
		art := Artifact{
			Symbol:  surface.Symbol,
			Side:    side,
			Spot:    surface.Spot,
			BuiltMs: surface.BuiltMs,
			Buckets: make([]Bucket, 0, len(bySide)),
		}
		for _, b := range bySide {
			art.Buckets = append(art.Buckets, *b)
			art.Total += b.Exposure
		}
		sort.Slice(art.Buckets, func(i, j int) bool {
			if art.Buckets[i].Expiration != art.Buckets[j].Expiration {
				return art.Buckets[i].Expiration < art.Buckets[j].Expiration
			}
			return art.Buckets[i].Strike < art.Buckets[j].Strike
		})
		out[side] = art
	}
	return out
}

// NetByStrike folds both sides into strike-ordered net exposure, summing across expirations.
func NetByStrike(call, put Artifact) []StrikeNet {
	byStrike := make(map[float64]*StrikeNet)
	get := func(strike float64) *StrikeNet {
		n, ok := byStrike[strike]
		if !ok {
			n = &StrikeNet{Strike: strike}
			byStrike[strike] = n
		}
		return n
	}
	for _, b := range call.Buckets {
		get(b.Strike).Call += b.Exposure
	}
	for _, b := range put.Buckets {
		get(b.Strike).Put += b.Exposure
	}

	out := make([]StrikeNet, 0, len(byStrike))
	for _, n := range byStrike {
		n.Net = n.Call - n.Put
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out
}
