// Package engine is the single entry point of the checkpoint engine for one
// target directory. It owns the process lock, the operation gate, and every
// storage component, and exposes two surfaces: the executor operations that
// bracket an installation run, and the UI operations that browse, restore,
// and clean up recorded sessions.
//
// Operations are synchronous and honor context cancellation between atomic
// steps. Callers run them on their own goroutines and observe progress via
// events.ProgressFunc and the configured events.Sink.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/events"
	"github.com/systemshift/modckpt/internal/gc"
	"github.com/systemshift/modckpt/internal/ledger"
	"github.com/systemshift/modckpt/internal/restore"
	"github.com/systemshift/modckpt/internal/safefile"
	"github.com/systemshift/modckpt/internal/store"
)

const metaVersion = 1

// Options configure an engine. The zero value is usable.
type Options struct {
	// Store applies to newly written objects. The hash is fixed when the
	// engine directory is created; later opens use the recorded hash.
	Store      store.Options
	Policy     checkpoint.Policy
	Workers    int
	TempMaxAge time.Duration
	Sink       events.Sink
	Now        func() time.Time
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Store:      store.Options{Hash: store.HashSHA256, Compression: store.CompressionZstd},
		Policy:     checkpoint.DefaultPolicy(),
		Workers:    4,
		TempMaxAge: time.Hour,
	}
}

type meta struct {
	Version int        `json:"version"`
	Created time.Time  `json:"created"`
	Hash    store.Hash `json:"hash"`
}

// Engine manages checkpoints for one target directory.
type Engine struct {
	target string
	dir    string
	fsys   afero.Fs

	lock *os.File
	op   sync.Mutex
	done atomic.Bool

	store    *store.ObjectStore
	ledger   *ledger.Ledger
	anchors  *checkpoint.AnchorCache
	builder  *checkpoint.Builder
	restorer *restore.Restorer
	gc       *gc.Collector

	sink events.Sink
	now  func() time.Time
}

// Open opens or creates the engine directory inside target and takes the
// process lock. A second Open of the same target fails with ErrEngineBusy
// until the first engine is closed.
func Open(target string, opts Options) (*Engine, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("target directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("target %s is not a directory", abs)
	}

	dir := filepath.Join(abs, checkpoint.ReservedDir)
	fsys := afero.NewOsFs()
	for _, d := range []string{
		dir,
		filepath.Join(dir, "objects"),
		filepath.Join(dir, "sessions"),
		filepath.Join(dir, "cache", "anchors"),
		filepath.Join(dir, "restore"),
	} {
		if err := fsys.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", d, err)
		}
	}

	lock, err := lockFile(filepath.Join(dir, "LOCK"))
	if err != nil {
		return nil, err
	}
	e, err := open(abs, dir, fsys, opts)
	if err != nil {
		unlockFile(lock)
		return nil, err
	}
	e.lock = lock

	if m, ok, err := e.restorer.Marker(); err == nil && ok {
		e.emit(events.Event{
			Kind:       events.Warning,
			Session:    m.SessionID,
			Checkpoint: m.CheckpointID,
			Sequence:   m.Sequence,
			Done:       m.Applied,
			Total:      m.Total(),
			Message:    "a restore was interrupted; resume or abandon it",
		})
	}
	return e, nil
}

func open(target, dir string, fsys afero.Fs, opts Options) (*Engine, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m, err := loadMeta(fsys, filepath.Join(dir, "meta.json"), opts.Store.Hash, now)
	if err != nil {
		return nil, err
	}
	storeOpts := opts.Store
	storeOpts.Hash = m.Hash

	objects, err := store.NewObjectStore(fsys, filepath.Join(dir, "objects"), storeOpts)
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(fsys, filepath.Join(dir, "sessions"))
	if err != nil {
		return nil, err
	}
	l.Now = now
	anchors, err := checkpoint.NewAnchorCache(fsys, filepath.Join(dir, "cache", "anchors"))
	if err != nil {
		return nil, err
	}

	sink := opts.Sink
	if sink == nil {
		sink = events.Discard
	}
	tree := afero.NewBasePathFs(fsys, target)
	restorer := &restore.Restorer{
		Tree:  tree,
		Meta:  fsys,
		Dir:   filepath.Join(dir, "restore"),
		Store: objects,
		Now:   now,
	}
	return &Engine{
		target:  target,
		dir:     dir,
		fsys:    fsys,
		store:   objects,
		ledger:  l,
		anchors: anchors,
		builder: &checkpoint.Builder{
			Fsys:    tree,
			Store:   objects,
			Policy:  opts.Policy,
			Workers: opts.Workers,
			Now:     now,
		},
		restorer: restorer,
		gc: &gc.Collector{
			Store:      objects,
			Sessions:   l,
			Anchors:    anchors,
			Pending:    restorer,
			TempMaxAge: opts.TempMaxAge,
			Now:        now,
		},
		sink: sink,
		now:  now,
	}, nil
}

// loadMeta reads meta.json, creating it on first open.
func loadMeta(fsys afero.Fs, path string, hash store.Hash, now func() time.Time) (meta, error) {
	data, err := afero.ReadFile(fsys, path)
	if err == nil {
		var m meta
		if err := json.Unmarshal(data, &m); err != nil {
			return meta{}, fmt.Errorf("decode %s: %w", path, err)
		}
		if m.Version != metaVersion {
			return meta{}, fmt.Errorf("%s: unsupported version %d", path, m.Version)
		}
		if _, err := store.ParseHash(string(m.Hash)); err != nil {
			return meta{}, fmt.Errorf("%s: %w", path, err)
		}
		return m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return meta{}, fmt.Errorf("read %s: %w", path, err)
	}

	h, err := store.ParseHash(string(hash))
	if err != nil {
		return meta{}, err
	}
	m := meta{Version: metaVersion, Created: now().UTC(), Hash: h}
	data, _ = json.MarshalIndent(m, "", "  ")
	if err := safefile.Write(fsys, path, data, 0644); err != nil {
		return meta{}, errdefs.WriteFailed("write meta", path, err)
	}
	return m, nil
}

// Target returns the absolute target directory.
func (e *Engine) Target() string { return e.target }

// Close releases the process lock. Operations after Close fail.
func (e *Engine) Close() error {
	if !e.done.CompareAndSwap(false, true) {
		return nil
	}
	e.op.Lock()
	defer e.op.Unlock()
	if e.lock == nil {
		return nil
	}
	return unlockFile(e.lock)
}

// acquire takes the operation gate without waiting.
func (e *Engine) acquire(op string) (func(), error) {
	if e.done.Load() {
		return nil, fmt.Errorf("%s: engine closed", op)
	}
	if !e.op.TryLock() {
		return nil, &errdefs.OpError{Op: op, Err: fmt.Errorf("%w: another operation is running", errdefs.ErrEngineBusy)}
	}
	return e.op.Unlock, nil
}

// requireNoRestore fails when a restore marker is pending.
func (e *Engine) requireNoRestore(op string) error {
	m, ok, err := e.restorer.Marker()
	if err != nil {
		return err
	}
	if ok {
		return &errdefs.OpError{
			Op:         op,
			Session:    m.SessionID,
			Checkpoint: m.CheckpointID,
			Err:        fmt.Errorf("%w: restore pending (%d of %d applied)", errdefs.ErrEngineBusy, m.Applied, m.Total()),
		}
	}
	return nil
}

// requireNoOpenSession fails when a session is still being recorded.
func (e *Engine) requireNoOpenSession(op string) error {
	if s, ok := e.ledger.Open(); ok {
		return &errdefs.OpError{Op: op, Session: s.ID, Err: fmt.Errorf("%w: session %q is still recording", errdefs.ErrEngineBusy, s.Name)}
	}
	return nil
}

func (e *Engine) emit(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now().UTC()
	}
	e.sink.Emit(ev)
}

func (e *Engine) warn(session, msg string, err error) {
	ev := events.Event{Kind: events.Warning, Session: session, Message: msg}
	if err != nil {
		ev.Err = err.Error()
	}
	e.emit(ev)
}
