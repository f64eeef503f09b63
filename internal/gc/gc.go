// Package gc reclaims content-store blobs that no retained checkpoint can
// reach.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/events"
	"github.com/systemshift/modckpt/internal/restore"
	"github.com/systemshift/modckpt/internal/store"
)

// Sessions is the read side of the ledger the collector marks from.
type Sessions interface {
	Sessions() []checkpoint.Session
	Checkpoints(sessionID string) ([]checkpoint.Checkpoint, error)
}

// Anchors is the anchor view cache.
type Anchors interface {
	Walk(fn func(sessionID string, seq int, st checkpoint.State) error) error
	Prune(keep func(sessionID string, seq int) bool) (int, error)
}

// Pending exposes a restore plan that has not finished yet.
type Pending interface {
	Marker() (*restore.Marker, bool, error)
}

// Result summarizes one collection.
type Result struct {
	Reclaimed      int   `json:"reclaimed" yaml:"reclaimed"`
	ReclaimedBytes int64 `json:"reclaimed_bytes" yaml:"reclaimed_bytes"`
	Retained       int   `json:"retained" yaml:"retained"`
	StaleTemp      int   `json:"stale_temp" yaml:"stale_temp"`
	AnchorsPruned  int   `json:"anchors_pruned" yaml:"anchors_pruned"`
}

// Collector runs mark and sweep over the object store. The caller must
// ensure no checkpoint is being recorded while Collect runs.
type Collector struct {
	Store    *store.ObjectStore
	Sessions Sessions
	Anchors  Anchors
	Pending  Pending

	// TempMaxAge is how old a staging file must be before it is swept.
	TempMaxAge time.Duration
	Now        func() time.Time
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Collect marks every key reachable from retained sessions, the anchor
// cache, and any pending restore plan, then deletes every other blob.
func (c *Collector) Collect(ctx context.Context, progress events.ProgressFunc) (Result, error) {
	var res Result
	live := make(map[store.Key]struct{})
	anchors := make(map[string]map[int]bool)

	for _, s := range c.Sessions.Sessions() {
		cps, err := c.Sessions.Checkpoints(s.ID)
		if err != nil {
			return res, fmt.Errorf("mark session %s: %w", s.ID, err)
		}
		seqs := make(map[int]bool)
		for _, cp := range cps {
			for _, k := range cp.Keys() {
				live[k] = struct{}{}
			}
			if cp.IsAnchor {
				seqs[cp.Sequence] = true
			}
		}
		anchors[s.ID] = seqs
	}

	if c.Anchors != nil {
		pruned, err := c.Anchors.Prune(func(sessionID string, seq int) bool {
			return anchors[sessionID][seq]
		})
		if err != nil {
			return res, err
		}
		res.AnchorsPruned = pruned
		err = c.Anchors.Walk(func(_ string, _ int, st checkpoint.State) error {
			for _, k := range st {
				live[k] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return res, err
		}
	}

	if c.Pending != nil {
		m, ok, err := c.Pending.Marker()
		if err != nil {
			return res, err
		}
		if ok {
			for _, k := range restore.Keys(m.Ops) {
				live[k] = struct{}{}
			}
		}
	}

	type candidate struct {
		key  store.Key
		size int64
	}
	var dead []candidate
	err := c.Store.Walk(func(k store.Key, size int64) error {
		if _, ok := live[k]; ok {
			res.Retained++
			return nil
		}
		dead = append(dead, candidate{k, size})
		return nil
	})
	if err != nil {
		return res, err
	}

	for i, d := range dead {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := c.Store.Delete(d.key); err != nil {
			return res, err
		}
		res.Reclaimed++
		res.ReclaimedBytes += d.size
		progress.Report(events.Progress{Op: "gc", Done: i + 1, Total: len(dead), Bytes: res.ReclaimedBytes})
	}

	if c.TempMaxAge > 0 {
		n, err := c.Store.SweepTemp(c.now().Add(-c.TempMaxAge))
		if err != nil {
			return res, err
		}
		res.StaleTemp = n
	}
	return res, nil
}
