package checkpoint

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/systemshift/modckpt/internal/store"
)

// Change records a path whose content was replaced.
type Change struct {
	Old store.Key `json:"old"`
	New store.Key `json:"new"`
}

// Delta is the file-level difference between two consecutive states.
type Delta struct {
	Added    map[string]store.Key `json:"added,omitempty"`
	Modified map[string]Change    `json:"modified,omitempty"`
	Deleted  []string             `json:"deleted,omitempty"` // sorted
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Paths returns every path the delta mentions, sorted.
func (d Delta) Paths() []string {
	out := make([]string, 0, len(d.Added)+len(d.Modified)+len(d.Deleted))
	out = append(out, slices.Collect(maps.Keys(d.Added))...)
	out = append(out, slices.Collect(maps.Keys(d.Modified))...)
	out = append(out, d.Deleted...)
	sort.Strings(out)
	return out
}

// Keys returns every content key the delta references, old and new.
func (d Delta) Keys() []store.Key {
	out := make([]store.Key, 0, len(d.Added)+2*len(d.Modified))
	for _, k := range d.Added {
		out = append(out, k)
	}
	for _, c := range d.Modified {
		out = append(out, c.Old, c.New)
	}
	return out
}

func (d Delta) clone() Delta {
	return Delta{
		Added:    maps.Clone(d.Added),
		Modified: maps.Clone(d.Modified),
		Deleted:  slices.Clone(d.Deleted),
	}
}

// Checkpoint is the immutable record of the delta captured after one
// installation step. Sequence 1 of every session is the baseline anchor.
type Checkpoint struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Component string    `json:"component"`
	Timestamp time.Time `json:"timestamp"`
	IsAnchor  bool      `json:"is_anchor"`
	Delta
	DeltaSize int64 `json:"delta_size"` // bytes of content first stored by this checkpoint
}

// IsBaseline reports whether c is the session's pre-installation baseline.
func (c *Checkpoint) IsBaseline() bool { return c.Sequence == 1 }

// Clone returns a deep copy.
func (c Checkpoint) Clone() Checkpoint {
	c.Delta = c.Delta.clone()
	return c
}

// Outcome records how an installation run ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// Session is the ordered sequence of checkpoints of one installation run.
type Session struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Complete    bool       `json:"complete"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	Scope       []string   `json:"scope,omitempty"`
	Checkpoints []string   `json:"checkpoints"`
	// Current is the sequence the target directory last matched: the latest
	// recorded checkpoint, or the target of the last completed restore.
	// Checkpoints after Current are superseded.
	Current int `json:"current"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.Scope = slices.Clone(s.Scope)
	s.Checkpoints = slices.Clone(s.Checkpoints)
	if s.EndTime != nil {
		t := *s.EndTime
		s.EndTime = &t
	}
	return s
}
