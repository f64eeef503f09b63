// Package restore rewrites the target directory to match a checkpoint.
//
// A restore is planned up front and persisted as a marker before the first
// file is touched. Each applied operation is appended to a progress log, so
// an interrupted restore can be resumed from where it stopped or explicitly
// abandoned; it is never silently left half-applied.
package restore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/events"
	"github.com/systemshift/modckpt/internal/safefile"
	"github.com/systemshift/modckpt/internal/store"
)

const (
	markerVersion = 1
	planFile      = "plan.json"
	progressFile  = "progress.log"
)

// Marker is the persisted record of a restore in progress.
type Marker struct {
	V            int       `json:"v"`
	SessionID    string    `json:"session_id"`
	CheckpointID string    `json:"checkpoint_id"`
	Sequence     int       `json:"sequence"`
	Started      time.Time `json:"started"`
	Ops          []Op      `json:"ops"`

	// Applied is read from the progress log, not the plan file.
	Applied int `json:"-"`
}

// Total is the number of operations in the plan.
func (m *Marker) Total() int { return len(m.Ops) }

// Same reports whether the marker is for the given restore target.
func (m *Marker) Same(sessionID string, seq int) bool {
	return m.SessionID == sessionID && m.Sequence == seq
}

// IncompleteError reports a restore that stopped part way. The marker stays
// on disk until the restore is resumed or abandoned.
type IncompleteError struct {
	Applied int
	Total   int
	Err     error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%v: applied %d of %d operations: %v", errdefs.ErrRestoreIncomplete, e.Applied, e.Total, e.Err)
}

func (e *IncompleteError) Unwrap() error { return e.Err }

func (e *IncompleteError) Is(target error) bool { return target == errdefs.ErrRestoreIncomplete }

// Request names the checkpoint to restore and the views needed to plan it.
type Request struct {
	SessionID    string
	CheckpointID string
	Sequence     int
	// Target is the full state at the checkpoint; Scope is every path the
	// session manages; Live is the current content of those paths.
	Target checkpoint.State
	Scope  []string
	Live   checkpoint.State
}

// Result summarizes a finished restore.
type Result struct {
	Total   int   `json:"total"`
	Written int   `json:"written"`
	Deleted int   `json:"deleted"`
	Bytes   int64 `json:"bytes"`
	Resumed bool  `json:"resumed"`
}

// Restorer applies plans. Tree is rooted at the target directory; Meta holds
// the marker files under Dir.
type Restorer struct {
	Tree  afero.Fs
	Meta  afero.Fs
	Dir   string
	Store *store.ObjectStore
	Now   func() time.Time
}

func (r *Restorer) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Marker returns the pending restore marker, if one exists.
func (r *Restorer) Marker() (*Marker, bool, error) {
	data, err := afero.ReadFile(r.Meta, filepath.Join(r.Dir, planFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read restore marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("decode restore marker: %w", err)
	}
	if m.V != markerVersion {
		return nil, false, fmt.Errorf("restore marker: unsupported version %d", m.V)
	}
	applied, err := r.applied(len(m.Ops))
	if err != nil {
		return nil, false, err
	}
	m.Applied = applied
	return &m, true, nil
}

// applied counts the plan operations recorded in the progress log. Ops are
// applied in order, so the count is one past the highest index seen. A torn
// final line is ignored; its op is simply applied again.
func (r *Restorer) applied(total int) (int, error) {
	data, err := afero.ReadFile(r.Meta, filepath.Join(r.Dir, progressFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read restore progress: %w", err)
	}
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		i, err := strconv.Atoi(sc.Text())
		if err != nil || i < 0 || i >= total {
			continue
		}
		n = max(n, i+1)
	}
	return n, nil
}

// Abandon drops a pending marker without touching the target tree.
func (r *Restorer) Abandon() error {
	for _, name := range []string{progressFile, planFile} {
		if err := r.Meta.Remove(filepath.Join(r.Dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

// Run restores the target tree to req.Target. If a marker for the same
// checkpoint exists, its remaining operations are applied instead of a new
// plan; a marker for any other checkpoint fails with ErrRestoreIncomplete.
func (r *Restorer) Run(ctx context.Context, req Request, progress events.ProgressFunc) (Result, error) {
	if err := r.Meta.MkdirAll(r.Dir, 0755); err != nil {
		return Result{}, fmt.Errorf("create restore dir: %w", err)
	}
	m, ok, err := r.Marker()
	if err != nil {
		return Result{}, err
	}
	var res Result
	switch {
	case ok && !m.Same(req.SessionID, req.Sequence):
		return Result{}, &IncompleteError{
			Applied: m.Applied,
			Total:   m.Total(),
			Err:     fmt.Errorf("pending restore of session %s to checkpoint %d", m.SessionID, m.Sequence),
		}
	case ok:
		res.Resumed = true
		if err := r.verify(m.Ops[m.Applied:]); err != nil {
			return Result{}, err
		}
	default:
		m = &Marker{
			V:            markerVersion,
			SessionID:    req.SessionID,
			CheckpointID: req.CheckpointID,
			Sequence:     req.Sequence,
			Started:      r.now(),
			Ops:          Plan(req.Target, req.Scope, req.Live),
		}
		if err := r.verify(m.Ops); err != nil {
			return Result{}, err
		}
		if err := r.writeMarker(m); err != nil {
			return Result{}, err
		}
	}

	res.Total = m.Total()
	for i := m.Applied; i < len(m.Ops); i++ {
		if err := ctx.Err(); err != nil {
			return res, &IncompleteError{Applied: i, Total: res.Total, Err: err}
		}
		op := m.Ops[i]
		n, err := r.apply(op)
		if err != nil {
			return res, &IncompleteError{Applied: i, Total: res.Total, Err: err}
		}
		if err := safefile.Append(r.Meta, filepath.Join(r.Dir, progressFile), []byte(strconv.Itoa(i)+"\n")); err != nil {
			return res, &IncompleteError{Applied: i, Total: res.Total, Err: errdefs.WriteFailed("log restore progress", op.Path, err)}
		}
		if op.Kind == OpWrite {
			res.Written++
			res.Bytes += n
		} else {
			res.Deleted++
		}
		progress.Report(events.Progress{Op: "restore", Done: i + 1, Total: res.Total, Bytes: res.Bytes, Path: op.Path})
	}

	if err := r.Abandon(); err != nil {
		return res, fmt.Errorf("clear restore marker: %w", err)
	}
	return res, nil
}

func (r *Restorer) writeMarker(m *Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode restore marker: %w", err)
	}
	if err := r.Meta.Remove(filepath.Join(r.Dir, progressFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset restore progress: %w", err)
	}
	if err := safefile.Write(r.Meta, filepath.Join(r.Dir, planFile), data, 0644); err != nil {
		return errdefs.WriteFailed("write restore marker", planFile, err)
	}
	return nil
}

// verify fails with ErrObjectNotFound if any blob the ops need is missing.
func (r *Restorer) verify(ops []Op) error {
	for _, k := range Keys(ops) {
		if !r.Store.Has(k) {
			return fmt.Errorf("restore needs object %s: %w", k, errdefs.ErrObjectNotFound)
		}
	}
	return nil
}

// apply performs one op and returns the bytes written.
func (r *Restorer) apply(op Op) (int64, error) {
	name := filepath.FromSlash(op.Path)
	switch op.Kind {
	case OpDelete:
		if err := r.Tree.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, &errdefs.OpError{Op: "delete", Path: op.Path, Err: err}
		}
		r.pruneParents(op.Path)
		return 0, nil
	case OpWrite:
		data, err := r.Store.Get(op.Key)
		if err != nil {
			return 0, &errdefs.OpError{Op: "write", Path: op.Path, Err: err}
		}
		if err := r.Tree.MkdirAll(filepath.Dir(name), 0755); err != nil {
			return 0, &errdefs.OpError{Op: "write", Path: op.Path, Err: err}
		}
		if err := safefile.Write(r.Tree, name, data, 0644); err != nil {
			return 0, &errdefs.OpError{Op: "write", Path: op.Path, Err: err}
		}
		return int64(len(data)), nil
	default:
		return 0, fmt.Errorf("unknown restore op %q", op.Kind)
	}
}

// pruneParents removes directories left empty by a deletion, stopping at the
// target root or the first non-empty directory.
func (r *Restorer) pruneParents(p string) {
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		entries, err := afero.ReadDir(r.Tree, filepath.FromSlash(dir))
		if err != nil || len(entries) > 0 {
			return
		}
		if err := r.Tree.Remove(filepath.FromSlash(dir)); err != nil {
			return
		}
	}
}
