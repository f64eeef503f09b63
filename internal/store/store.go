// Package store is the content-addressed blob store shared by every session
// rooted at one target directory. Objects are immutable; the only deletion
// path is the garbage collector.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/safefile"
)

// Options tune how new objects are written. Existing objects are read
// regardless of the options they were written with.
type Options struct {
	Hash        Hash
	Compression Compression
}

// ObjectStore manages content-addressed immutable objects on disk.
type ObjectStore struct {
	fsys   afero.Fs
	dir    string // path to objects/ directory
	opts   Options
	flight singleflight.Group
}

// Usage summarizes what the store holds.
type Usage struct {
	Objects int   `json:"objects" yaml:"objects"`
	Bytes   int64 `json:"bytes" yaml:"bytes"`
}

// NewObjectStore creates an ObjectStore at the given directory.
func NewObjectStore(fsys afero.Fs, dir string, opts Options) (*ObjectStore, error) {
	if _, err := opts.Hash.code(); err != nil {
		return nil, err
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	return &ObjectStore{fsys: fsys, dir: dir, opts: opts}, nil
}

// Dir returns the objects directory.
func (s *ObjectStore) Dir() string { return s.dir }

// ComputeKey returns the key data would be stored under.
func (s *ObjectStore) ComputeKey(data []byte) (Key, error) {
	return ComputeKey(data, s.opts.Hash)
}

func (s *ObjectStore) path(k Key) string {
	return filepath.Join(s.dir, k.shard(), string(k))
}

// Put writes data to the object store, returning its key and whether this
// call created the object. If the object already exists, this is a no-op.
// Concurrent puts of identical bytes report created for exactly one caller.
func (s *ObjectStore) Put(data []byte) (Key, bool, error) {
	k, err := s.ComputeKey(data)
	if err != nil {
		return "", false, err
	}
	var created bool
	_, err, _ = s.flight.Do(string(k), func() (any, error) {
		path := s.path(k)
		if _, err := s.fsys.Stat(path); err == nil {
			return nil, nil // already exists
		}
		if err := s.fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create shard dir: %w", err)
		}
		blob, err := encodeBlob(data, s.opts.Compression)
		if err != nil {
			return nil, err
		}
		if err := safefile.Write(s.fsys, path, blob, 0644); err != nil {
			return nil, err
		}
		created = true
		return nil, nil
	})
	if err != nil {
		return "", false, errdefs.WriteFailed("put object", string(k), err)
	}
	return k, created, nil
}

// Get reads an object by key and verifies its content.
func (s *ObjectStore) Get(k Key) ([]byte, error) {
	blob, err := afero.ReadFile(s.fsys, s.path(k))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read object %s: %w", k, errdefs.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", k, err)
	}
	data, err := decodeBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w: %w", k, errdefs.ErrObjectCorrupt, err)
	}
	ok, err := k.Verify(data)
	if err != nil {
		return nil, fmt.Errorf("verify object %s: %w", k, err)
	}
	if !ok {
		return nil, fmt.Errorf("read object %s: %w", k, errdefs.ErrObjectCorrupt)
	}
	return data, nil
}

// Has checks if an object exists.
func (s *ObjectStore) Has(k Key) bool {
	_, err := s.fsys.Stat(s.path(k))
	return err == nil
}

// Size returns the on-disk size of an object.
func (s *ObjectStore) Size(k Key) (int64, error) {
	info, err := s.fsys.Stat(s.path(k))
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("stat object %s: %w", k, errdefs.ErrObjectNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("stat object %s: %w", k, err)
	}
	return info.Size(), nil
}

// Delete removes an object. Only the garbage collector calls this.
func (s *ObjectStore) Delete(k Key) error {
	err := s.fsys.Remove(s.path(k))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete object %s: %w", k, err)
	}
	return nil
}

// Walk calls fn for every stored object with its on-disk size.
func (s *ObjectStore) Walk(fn func(k Key, size int64) error) error {
	shards, err := afero.ReadDir(s.fsys, s.dir)
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := afero.ReadDir(s.fsys, filepath.Join(s.dir, shard.Name()))
		if err != nil {
			return fmt.Errorf("list shard %s: %w", shard.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() || safefile.IsTemp(e.Name()) {
				continue
			}
			if err := fn(Key(e.Name()), e.Size()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Usage counts objects and their on-disk bytes.
func (s *ObjectStore) Usage() (Usage, error) {
	var u Usage
	err := s.Walk(func(_ Key, size int64) error {
		u.Objects++
		u.Bytes += size
		return nil
	})
	return u, err
}

// SweepTemp removes staging files last modified before cutoff. They are
// left behind only when a write was interrupted.
func (s *ObjectStore) SweepTemp(cutoff time.Time) (int, error) {
	shards, err := afero.ReadDir(s.fsys, s.dir)
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}
	removed := 0
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dir := filepath.Join(s.dir, shard.Name())
		entries, err := afero.ReadDir(s.fsys, dir)
		if err != nil {
			return removed, fmt.Errorf("list shard %s: %w", shard.Name(), err)
		}
		for _, e := range entries {
			if !safefile.IsTemp(e.Name()) || e.ModTime().After(cutoff) {
				continue
			}
			if err := s.fsys.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, fmt.Errorf("remove temp %s: %w", e.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}
