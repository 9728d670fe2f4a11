package hydrator

import (
	"sync"

	"github.com/sawpanic/gammaflow/internal/model"
)

// Table is the hydrator's owned instrument table: an arena of rows plus an index by canonical key.
type Table struct {
	mu    sync.RWMutex
	rows  []model.Instrument
	index map[string]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// Apply merges tick into the row for id and reports whether the instrument became dirty.
// A first sighting is dirty only if the tick carries a price-bearing field; afterwards only an
// actual change of bid, ask, last or size is dirty. Applying the same tick twice leaves the
// table unchanged and reports clean the second time.
func (t *Table) Apply(id model.InstrumentID, tick model.Tick) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, seen := t.index[id.Key]
	if !seen {
		t.rows = append(t.rows, model.Instrument{
			ID:         id.Key,
			Underlying: id.Underlying,
			Expiration: id.Expiration,
			Strike:     id.Strike.InexactFloat64(),
			Side:       id.Side,
		})
		pos = len(t.rows) - 1
		t.index[id.Key] = pos
	}
	row := &t.rows[pos]

	changed := false
	changed = setField(&row.Bid, tick.Bid) || changed
	changed = setField(&row.Ask, tick.Ask) || changed
	changed = setField(&row.Last, tick.Price) || changed
	changed = setField(&row.Size, tick.Size) || changed
	if tick.Timestamp > row.UpdatedMs {
		row.UpdatedMs = tick.Timestamp
	}
	row.RecomputeMid()

	if !seen {
		return tick.HasPriceField()
	}
	return changed
}

// setField stores v into *dst and reports whether the stored value actually changed.
func setField(dst **float64, v *float64) bool {
	if v == nil {
		return false
	}
	if *dst != nil && **dst == *v {
		return false
	}
	val := *v
	*dst = &val
	return true
}

// Get returns a copy of the row for key.
func (t *Table) Get(key string) (model.Instrument, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.index[key]
	if !ok {
		return model.Instrument{}, false
	}
	return t.rows[pos].Clone(), true
}

// Len is the number of instruments ever seen.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
