package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Tick is one push-feed event. Every market field is optional; required is Symbol.
type Tick struct {
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price,omitempty"`
	Bid       *float64 `json:"bid,omitempty"`
	Ask       *float64 `json:"ask,omitempty"`
	Size      *float64 `json:"size,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// HasPriceField reports whether the tick carries at least one price-bearing field.
func (t Tick) HasPriceField() bool {
	return t.Price != nil || t.Bid != nil || t.Ask != nil || t.Size != nil
}

// ParseTicks decodes a raw feed frame, which is either one JSON object or an array of them.
// Frames that are not ticks (status or heartbeat messages without a symbol) yield no ticks.
// Array elements that fail to decode are dropped and counted in bad; err is reserved for a
// frame that cannot be read at all.
func ParseTicks(raw []byte) (ticks []Tick, bad int, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, 0, fmt.Errorf("empty frame")
	}

	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, 0, fmt.Errorf("decode tick array: %w", err)
		}
		for _, e := range elems {
			var t Tick
			if err := json.Unmarshal(e, &t); err != nil {
				bad++
				continue
			}
			if t.Symbol != "" {
				ticks = append(ticks, t)
			}
		}
	case '{':
		var t Tick
		if err := json.Unmarshal(trimmed, &t); err != nil {
			return nil, 0, fmt.Errorf("decode tick: %w", err)
		}
		if t.Symbol != "" {
			ticks = []Tick{t}
		}
	default:
		return nil, 0, fmt.Errorf("frame is not JSON object or array")
	}
	return ticks, bad, nil
}
