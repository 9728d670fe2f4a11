package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/store"
)

// ErrNoSnapshot is returned when a symbol has no readable baseline.
var ErrNoSnapshot = errors.New("baseline: no snapshot")

// LoadLatest reads the most recent snapshot of every indexed expiration of symbol, ordered by
// expiration. Expired or undecodable snapshots are skipped; none at all yields ErrNoSnapshot.
func LoadLatest(ctx context.Context, st store.Store, symbol string) ([]model.Snapshot, error) {
	index, err := st.HGetAll(ctx, store.BaselineIndex(symbol))
	if err != nil {
		return nil, fmt.Errorf("read baseline index %s: %w", symbol, err)
	}

	exps := make([]string, 0, len(index))
	for exp := range index {
		exps = append(exps, exp)
	}
	sort.Strings(exps)

	var out []model.Snapshot
	for _, exp := range exps {
		raw, err := st.Get(ctx, index[exp])
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", index[exp], err)
		}
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	if len(out) == 0 {
		return nil, ErrNoSnapshot
	}
	return out, nil
}
