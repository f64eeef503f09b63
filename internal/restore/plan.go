package restore

import (
	"slices"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/store"
)

// OpKind is what an Op does to one path.
type OpKind string

const (
	OpWrite  OpKind = "write"
	OpDelete OpKind = "delete"
)

// Op is a single file operation of a restore plan.
type Op struct {
	Kind OpKind    `json:"kind"`
	Path string    `json:"path"`
	Key  store.Key `json:"key,omitempty"`
}

// Plan returns the operations that turn live into target over the paths in
// scope. Paths already matching are left alone. All deletions come first,
// then all writes, each group in path order.
func Plan(target checkpoint.State, scope []string, live checkpoint.State) []Op {
	paths := slices.Clone(scope)
	slices.Sort(paths)
	paths = slices.Compact(paths)

	var deletes, writes []Op
	for _, p := range paths {
		want, keep := target[p]
		have, exists := live[p]
		switch {
		case !keep && exists:
			deletes = append(deletes, Op{Kind: OpDelete, Path: p})
		case keep && (!exists || have != want):
			writes = append(writes, Op{Kind: OpWrite, Path: p, Key: want})
		}
	}
	return append(deletes, writes...)
}

// Keys returns the distinct blob keys the plan writes.
func Keys(ops []Op) []store.Key {
	seen := make(map[store.Key]struct{})
	var out []store.Key
	for _, op := range ops {
		if op.Kind != OpWrite {
			continue
		}
		if _, ok := seen[op.Key]; ok {
			continue
		}
		seen[op.Key] = struct{}{}
		out = append(out, op.Key)
	}
	return out
}
