package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/events"
	"github.com/systemshift/modckpt/internal/store"
)

// BaselineComponent labels the checkpoint that captures the pre-installation
// state of a session.
const BaselineComponent = "baseline"

// Builder turns the live contents of touched paths into checkpoints. Its
// filesystem is rooted at the target directory.
type Builder struct {
	Fsys    afero.Fs
	Store   *store.ObjectStore
	Policy  Policy
	Workers int

	Now   func() time.Time
	NewID func() string
}

// Request describes one recordCheckpoint call.
type Request struct {
	SessionID string
	Component string
	Touched   []string
	// History holds the session's existing checkpoints in sequence order.
	History  []Checkpoint
	Cache    StateCache
	Progress events.ProgressFunc
}

// Result is a built checkpoint plus, for anchors, its folded full state.
type Result struct {
	Checkpoint Checkpoint
	State      State // nil unless Checkpoint.IsAnchor
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *Builder) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

func (b *Builder) workers() int {
	if b.Workers > 0 {
		return b.Workers
	}
	return 4
}

// Baseline captures the current contents of scope (the whole target when
// scope is empty) as checkpoint 1 of a new session.
func (b *Builder) Baseline(ctx context.Context, sessionID string, scope []string, progress events.ProgressFunc) (Result, error) {
	if len(scope) == 0 {
		scope = []string{"."}
	}
	paths, err := b.Expand(nil, scope)
	if err != nil {
		return Result{}, err
	}
	cur, size, err := b.capture(ctx, "baseline", paths, nil, progress)
	if err != nil {
		return Result{}, err
	}
	cp := Checkpoint{
		ID:        b.newID(),
		SessionID: sessionID,
		Sequence:  1,
		Component: BaselineComponent,
		Timestamp: b.now(),
		IsAnchor:  true,
		Delta:     Diff(nil, cur, paths),
		DeltaSize: size,
	}
	return Result{Checkpoint: cp, State: cur}, nil
}

// Record builds the next checkpoint of a session from the live contents of
// the touched paths. Blobs for new content are written before the record is
// returned; any write failure aborts with ErrStoreWriteFailed and no
// checkpoint.
func (b *Builder) Record(ctx context.Context, req Request) (Result, error) {
	if len(req.History) == 0 {
		return Result{}, fmt.Errorf("session %s has no baseline: %w", req.SessionID, errdefs.ErrCheckpointNotFound)
	}
	prev, err := StateAt(req.History, len(req.History), req.Cache)
	if err != nil {
		return Result{}, err
	}
	paths, err := b.Expand(prev, req.Touched)
	if err != nil {
		return Result{}, err
	}
	cur, size, err := b.capture(ctx, "record", paths, prev, req.Progress)
	if err != nil {
		return Result{}, err
	}

	seq := len(req.History) + 1
	cp := Checkpoint{
		ID:        b.newID(),
		SessionID: req.SessionID,
		Sequence:  seq,
		Component: req.Component,
		Timestamp: b.now(),
		Delta:     Diff(prev, cur, paths),
		DeltaSize: size,
	}
	cp.IsAnchor = b.Policy.IsAnchor(req.History, seq, size)

	res := Result{Checkpoint: cp}
	if cp.IsAnchor {
		res.State = Fold(prev, cp.Delta)
	}
	return res, nil
}

// Snapshot reads the live keys of paths without writing anything to the
// store. Missing files are absent from the result.
func (b *Builder) Snapshot(ctx context.Context, paths []string) (State, error) {
	out := make(State, len(paths))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for _, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, ok, err := b.read(p)
			if err != nil || !ok {
				return err
			}
			k, err := b.Store.ComputeKey(data)
			if err != nil {
				return err
			}
			mu.Lock()
			out[p] = k
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// capture reads every path, stores content that differs from prev, and
// returns the live view of paths plus the bytes newly written to the store.
func (b *Builder) capture(ctx context.Context, op string, paths []string, prev State, progress events.ProgressFunc) (State, int64, error) {
	cur := make(State, len(paths))
	var (
		mu      sync.Mutex
		size    atomic.Int64
		done    atomic.Int64
		total   = len(paths)
		bytesIn atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for _, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, ok, err := b.read(p)
			if err != nil {
				return err
			}
			if ok {
				k, err := b.Store.ComputeKey(data)
				if err != nil {
					return err
				}
				if prev[p] != k {
					stored, created, err := b.Store.Put(data)
					if err != nil {
						return errdefs.WriteFailed("put "+p, string(k), err)
					}
					k = stored
					if created {
						size.Add(int64(len(data)))
					}
				}
				mu.Lock()
				cur[p] = k
				mu.Unlock()
				bytesIn.Add(int64(len(data)))
			}
			progress.Report(events.Progress{Op: op, Done: int(done.Add(1)), Total: total, Bytes: bytesIn.Load(), Path: p})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return cur, size.Load(), nil
}

// lstat stats p without following a final symlink when the filesystem
// allows it.
func (b *Builder) lstat(p string) (os.FileInfo, error) {
	if l, ok := b.Fsys.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(filepath.FromSlash(p))
		return fi, err
	}
	return b.Fsys.Stat(filepath.FromSlash(p))
}

// read returns the contents of a regular file. ok is false when p is absent
// or is not a regular file: a directory, symlink or device at a tracked path
// reads as a deleted file.
func (b *Builder) read(p string) ([]byte, bool, error) {
	fi, err := b.lstat(p)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errdefs.OpError{Op: "stat", Path: p, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return nil, false, nil
	}
	data, err := afero.ReadFile(b.Fsys, filepath.FromSlash(p))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errdefs.OpError{Op: "read", Path: p, Err: err}
	}
	return data, true, nil
}

// Expand resolves touched paths to files: directories contribute the files
// beneath them, and any path known in prev under a touched prefix is
// included so that removed files are seen as deletions.
func (b *Builder) Expand(prev State, touched []string) ([]string, error) {
	set := make(map[string]struct{})
	for _, t := range touched {
		p, err := CleanPath(t)
		if err != nil {
			return nil, err
		}
		for known := range prev {
			if under(known, p) {
				set[known] = struct{}{}
			}
		}
		info, err := b.lstat(p)
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			if p != "." {
				set[p] = struct{}{}
			}
			continue
		}
		if err != nil {
			return nil, &errdefs.OpError{Op: "stat", Path: p, Err: err}
		}
		if !info.IsDir() {
			set[p] = struct{}{}
			continue
		}
		err = afero.Walk(b.Fsys, filepath.FromSlash(p), func(walked string, fi fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel := filepath.ToSlash(filepath.Clean(walked))
			if fi.IsDir() {
				if rel == ReservedDir {
					return filepath.SkipDir
				}
				return nil
			}
			if !fi.Mode().IsRegular() {
				return nil
			}
			set[rel] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, &errdefs.OpError{Op: "walk", Path: p, Err: err}
		}
	}
	return slices.Sorted(maps.Keys(set)), nil
}
