package hydrator

import (
	"sync"

	"github.com/sawpanic/gammaflow/internal/model"
)

// FlowCounters is the tick activity seen at one strike since the last read.
type FlowCounters struct {
	Ticks      int64 `json:"ticks"`
	BidTouches int64 `json:"bid_touches"`
	AskTouches int64 `json:"ask_touches"`
	Calls      int64 `json:"calls"`
	Puts       int64 `json:"puts"`
}

// Flow tracks per (symbol, strike) counters, reset on every read.
type Flow struct {
	mu     sync.Mutex
	counts map[string]map[string]*FlowCounters
}

// NewFlow returns empty flow counters.
func NewFlow() *Flow {
	return &Flow{counts: make(map[string]map[string]*FlowCounters)}
}

// Record counts one tick against the quote the instrument carries after it was applied.
// A trade at or through the bid is a bid touch, at or through the ask an ask touch.
func (f *Flow) Record(symbol, strike string, side model.Side, price, bid, ask *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bySymbol, ok := f.counts[symbol]
	if !ok {
		bySymbol = make(map[string]*FlowCounters)
		f.counts[symbol] = bySymbol
	}
	c, ok := bySymbol[strike]
	if !ok {
		c = &FlowCounters{}
		bySymbol[strike] = c
	}

	c.Ticks++
	if side == model.Call {
		c.Calls++
	} else {
		c.Puts++
	}
	if price == nil {
		return
	}
	if bid != nil && *price <= *bid {
		c.BidTouches++
	}
	if ask != nil && *price >= *ask {
		c.AskTouches++
	}
}

// Read returns the counters for symbol keyed by strike and resets them.
func (f *Flow) Read(symbol string) map[string]FlowCounters {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]FlowCounters, len(f.counts[symbol]))
	for strike, c := range f.counts[symbol] {
		out[strike] = *c
	}
	delete(f.counts, symbol)
	return out
}
