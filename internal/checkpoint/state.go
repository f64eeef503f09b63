package checkpoint

import (
	"fmt"
	"maps"
	"slices"

	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/store"
)

// State is the full file view at a checkpoint: path -> content key.
type State map[string]store.Key

// Clone returns a copy that can be mutated independently.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	return maps.Clone(s)
}

// Apply folds d into s in place. Deletions go first so a path that is both
// deleted and re-added ends up present.
func (s State) Apply(d Delta) {
	for _, p := range d.Deleted {
		delete(s, p)
	}
	for p, k := range d.Added {
		s[p] = k
	}
	for p, c := range d.Modified {
		s[p] = c.New
	}
}

// Paths returns the state's paths in sorted order.
func (s State) Paths() []string {
	return slices.Sorted(maps.Keys(s))
}

// Fold applies deltas to a copy of base.
func Fold(base State, deltas ...Delta) State {
	out := base.Clone()
	for _, d := range deltas {
		out.Apply(d)
	}
	return out
}

// StateCache stores folded anchor views. It is never authoritative: a miss
// means the view is recomputed from the delta chain.
type StateCache interface {
	Load(sessionID string, seq int) (State, bool)
	Store(sessionID string, seq int, st State) error
}

// StateAt returns the full state at sequence seq of a session whose
// checkpoints are given in sequence order. It starts from the nearest anchor
// at or before seq, using the cache when it has that anchor, and folds the
// remaining deltas forward.
func StateAt(history []Checkpoint, seq int, cache StateCache) (State, error) {
	if seq < 1 || seq > len(history) {
		return nil, fmt.Errorf("sequence %d of %d: %w", seq, len(history), errdefs.ErrCheckpointNotFound)
	}
	anchor := 0
	for i := seq - 1; i >= 0; i-- {
		if history[i].IsAnchor || i == 0 {
			anchor = i
			break
		}
	}

	var base State
	if cache != nil {
		sessionID := history[anchor].SessionID
		if st, ok := cache.Load(sessionID, anchor+1); ok {
			base = st.Clone()
		} else {
			base = foldRange(history, 0, anchor)
			_ = cache.Store(sessionID, anchor+1, base.Clone())
		}
	} else {
		base = foldRange(history, 0, anchor)
	}
	for i := anchor + 1; i < seq; i++ {
		base.Apply(history[i].Delta)
	}
	return base, nil
}

// foldRange folds history[from..to] inclusive into a fresh state.
func foldRange(history []Checkpoint, from, to int) State {
	st := State{}
	for i := from; i <= to; i++ {
		st.Apply(history[i].Delta)
	}
	return st
}

// Scope returns every path any checkpoint of the session has mentioned.
// A restore manages exactly these paths.
func Scope(history []Checkpoint) []string {
	set := make(map[string]struct{})
	for i := range history {
		for _, p := range history[i].Paths() {
			set[p] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}
