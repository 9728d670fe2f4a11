package model

import "encoding/json"

// DeltaPatch is a changed/removed diff against a tile-keyed model.
type DeltaPatch struct {
	Changed map[string]json.RawMessage `json:"changed"`
	Removed []string                   `json:"removed"`
}

// Empty reports whether the patch carries no changes.
func (p DeltaPatch) Empty() bool {
	return len(p.Changed) == 0 && len(p.Removed) == 0
}

// Apply folds the patch into state in place: changed keys first, then removals.
func (p DeltaPatch) Apply(state map[string]json.RawMessage) {
	for k, v := range p.Changed {
		state[k] = v
	}
	for _, k := range p.Removed {
		delete(state, k)
	}
}

// VersionedDelta is the replay-log and broadcast form of a patch.
type VersionedDelta struct {
	Version int64                      `json:"version"`
	Changed map[string]json.RawMessage `json:"changed"`
	Removed []string                   `json:"removed"`
}
