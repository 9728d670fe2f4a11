// Package payoff computes three-leg payoff tiles over a per-strike mid surface and diffs
// successive grids into delta patches.
package payoff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sawpanic/gammaflow/internal/model"
)

// Leg is one constituent contract of a tile.
type Leg struct {
	ID     string  `json:"id"`
	Strike float64 `json:"strike"`
	Mid    float64 `json:"mid"`
	Ratio  int     `json:"ratio"`
}

// Tile is the payoff of a long low/high, short 2x center combination at one center strike.
type Tile struct {
	Expiration string     `json:"expiration"`
	Side       model.Side `json:"side"`
	Width      float64    `json:"width"`
	Strike     float64    `json:"strike"`
	Cost       float64    `json:"cost"`
	MaxPayoff  float64    `json:"max_payoff"`
	// RewardRisk is MaxPayoff/Cost, zero when the combination costs nothing or pays.
	RewardRisk float64 `json:"reward_risk"`
	Legs       []Leg   `json:"legs"`
}

// Key is the tile key exp|side|width|strike.
func (t Tile) Key() string {
	return TileKey(t.Expiration, t.Side, t.Width, t.Strike)
}

// TileKey formats a tile key.
func TileKey(exp string, side model.Side, width, strike float64) string {
	return strings.Join([]string{
		exp,
		string(side),
		strconv.FormatFloat(width, 'f', -1, 64),
		model.StrikeKey(strike),
	}, "|")
}

// ParseTileKey splits a tile key into its parts.
func ParseTileKey(key string) (exp string, side model.Side, width, strike float64, err error) {
	parts := strings.Split(key, "|")
	if len(parts) != 4 {
		return "", "", 0, 0, fmt.Errorf("tile key %q: want 4 parts", key)
	}
	if width, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return "", "", 0, 0, fmt.Errorf("tile key %q: width: %w", key, err)
	}
	if strike, err = strconv.ParseFloat(parts[3], 64); err != nil {
		return "", "", 0, 0, fmt.Errorf("tile key %q: strike: %w", key, err)
	}
	return parts[0], model.Side(parts[1]), width, strike, nil
}

// Grid is a full set of tiles keyed by tile key.
type Grid map[string]Tile

type chainKey struct {
	exp  string
	side model.Side
}

type point struct {
	id  string
	mid float64
}

// Build computes every tile whose three legs all have a mid.
func Build(surface model.Surface, widths []float64) Grid {
	chains := make(map[chainKey]map[string]point)
	for key, in := range surface.Instruments {
		if in.Mid == nil {
			continue
		}
		ck := chainKey{exp: in.Expiration, side: in.Side}
		if chains[ck] == nil {
			chains[ck] = make(map[string]point)
		}
		chains[ck][model.StrikeKey(in.Strike)] = point{id: key, mid: *in.Mid}
	}

	grid := make(Grid)
	for ck, byStrike := range chains {
		for sk, center := range byStrike {
			strike, err := strconv.ParseFloat(sk, 64)
			if err != nil {
				continue
			}
			for _, w := range widths {
				if w <= 0 {
					continue
				}
				low, okLow := byStrike[model.StrikeKey(strike-w)]
				high, okHigh := byStrike[model.StrikeKey(strike+w)]
				if !okLow || !okHigh {
					continue
				}
				tile := newTile(ck, w, strike, low, center, high)
				grid[tile.Key()] = tile
			}
		}
	}
	return grid
}

func newTile(ck chainKey, width, strike float64, low, center, high point) Tile {
	cost := low.mid + high.mid - 2*center.mid
	t := Tile{
		Expiration: ck.exp,
		Side:       ck.side,
		Width:      width,
		Strike:     strike,
		Cost:       cost,
		MaxPayoff:  width,
		Legs: []Leg{
			{ID: low.id, Strike: strike - width, Mid: low.mid, Ratio: 1},
			{ID: center.id, Strike: strike, Mid: center.mid, Ratio: -2},
			{ID: high.id, Strike: strike + width, Mid: high.mid, Ratio: 1},
		},
	}
	if cost > 0 {
		t.RewardRisk = width / cost
	}
	return t
}

// Encode marshals every tile of g.
func (g Grid) Encode() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(g))
	for k, t := range g {
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode tile %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// Diff returns the patch that turns prev into next. Tiles whose encoding is unchanged are omitted.
func Diff(prev, next map[string]json.RawMessage) model.DeltaPatch {
	patch := model.DeltaPatch{Changed: make(map[string]json.RawMessage)}
	for k, v := range next {
		if old, ok := prev[k]; ok && bytes.Equal(old, v) {
			continue
		}
		patch.Changed[k] = v
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			patch.Removed = append(patch.Removed, k)
		}
	}
	sort.Strings(patch.Removed)
	return patch
}
