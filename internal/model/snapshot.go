package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Snapshot is one baseline pull for a symbol and expiration.
type Snapshot struct {
	Symbol      string       `json:"symbol"`
	Expiration  string       `json:"expiration"`
	FetchedMs   int64        `json:"fetched_ms"`
	Spot        float64      `json:"spot"`
	Window      int          `json:"window"`
	Inclusive   bool         `json:"inclusive"`
	MinStrike   float64      `json:"min_strike"`
	MaxStrike   float64      `json:"max_strike"`
	Instruments []Instrument `json:"instruments"`
}

// SnapshotMeta summarises the structure of one baseline refresh for the epoch manager.
type SnapshotMeta struct {
	InstrumentCount int    `json:"instrument_count"`
	ExpirationCount int    `json:"expiration_count"`
	StructuralHash  string `json:"structural_hash"`
}

// StructuralHash fingerprints the instrument set irrespective of order or prices.
func StructuralHash(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Surface is the merged view of one symbol as materialised for builders.
type Surface struct {
	Symbol      string                `json:"symbol"`
	Spot        float64               `json:"spot"`
	BuiltMs     int64                 `json:"built_ms"`
	Stale       bool                  `json:"stale"`
	Instruments map[string]Instrument `json:"instruments"`
}
