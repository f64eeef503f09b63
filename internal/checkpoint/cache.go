package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/afero"

	"github.com/systemshift/modckpt/internal/safefile"
	"github.com/systemshift/modckpt/internal/store"
)

// encMode uses Core Deterministic Encoding so the same view always produces
// the same bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}
}

const anchorCacheVersion = 1

type anchorFile struct {
	V       int                  `cbor:"v"`
	Session string               `cbor:"session"`
	Seq     int                  `cbor:"seq"`
	State   map[string]store.Key `cbor:"state"`
}

// AnchorCache keeps folded anchor views as CBOR files, one per anchor, with
// an in-memory copy in front. Unreadable files count as misses.
type AnchorCache struct {
	fsys afero.Fs
	dir  string

	mu  sync.Mutex
	mem map[string]State
}

// NewAnchorCache creates an AnchorCache rooted at dir.
func NewAnchorCache(fsys afero.Fs, dir string) (*AnchorCache, error) {
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create anchor cache dir: %w", err)
	}
	return &AnchorCache{fsys: fsys, dir: dir, mem: make(map[string]State)}, nil
}

func anchorName(sessionID string, seq int) string {
	return sessionID + "-" + strconv.Itoa(seq) + ".cbor"
}

// parseAnchorName splits "<session>-<seq>.cbor". Session IDs may contain
// dashes, so the sequence is taken after the last one.
func parseAnchorName(name string) (string, int, bool) {
	base, ok := strings.CutSuffix(name, ".cbor")
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(base, '-')
	if i <= 0 {
		return "", 0, false
	}
	seq, err := strconv.Atoi(base[i+1:])
	if err != nil || seq < 1 {
		return "", 0, false
	}
	return base[:i], seq, true
}

func (c *AnchorCache) Load(sessionID string, seq int) (State, bool) {
	name := anchorName(sessionID, seq)
	c.mu.Lock()
	st, ok := c.mem[name]
	c.mu.Unlock()
	if ok {
		return st.Clone(), true
	}

	data, err := afero.ReadFile(c.fsys, filepath.Join(c.dir, name))
	if err != nil {
		return nil, false
	}
	var f anchorFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, false
	}
	if f.V != anchorCacheVersion || f.Session != sessionID || f.Seq != seq {
		return nil, false
	}
	st = State(f.State)
	if st == nil {
		st = State{}
	}
	c.mu.Lock()
	c.mem[name] = st
	c.mu.Unlock()
	return st.Clone(), true
}

func (c *AnchorCache) Store(sessionID string, seq int, st State) error {
	name := anchorName(sessionID, seq)
	data, err := encMode.Marshal(anchorFile{V: anchorCacheVersion, Session: sessionID, Seq: seq, State: st})
	if err != nil {
		return fmt.Errorf("encode anchor %s: %w", name, err)
	}
	if err := safefile.Write(c.fsys, filepath.Join(c.dir, name), data, 0644); err != nil {
		return fmt.Errorf("write anchor %s: %w", name, err)
	}
	c.mu.Lock()
	c.mem[name] = st.Clone()
	c.mu.Unlock()
	return nil
}

// Walk calls fn for every cached anchor on disk.
func (c *AnchorCache) Walk(fn func(sessionID string, seq int, st State) error) error {
	entries, err := afero.ReadDir(c.fsys, c.dir)
	if err != nil {
		return fmt.Errorf("list anchor cache: %w", err)
	}
	for _, e := range entries {
		sessionID, seq, ok := parseAnchorName(e.Name())
		if !ok {
			continue
		}
		st, ok := c.Load(sessionID, seq)
		if !ok {
			continue
		}
		if err := fn(sessionID, seq, st); err != nil {
			return err
		}
	}
	return nil
}

// Prune removes cached anchors for which keep returns false, along with
// stray files that are not anchors at all. It returns the number removed.
func (c *AnchorCache) Prune(keep func(sessionID string, seq int) bool) (int, error) {
	entries, err := afero.ReadDir(c.fsys, c.dir)
	if err != nil {
		return 0, fmt.Errorf("list anchor cache: %w", err)
	}
	removed := 0
	for _, e := range entries {
		sessionID, seq, ok := parseAnchorName(e.Name())
		if ok && keep(sessionID, seq) {
			continue
		}
		if err := c.fsys.Remove(filepath.Join(c.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove anchor %s: %w", e.Name(), err)
		}
		c.mu.Lock()
		delete(c.mem, e.Name())
		c.mu.Unlock()
		removed++
	}
	return removed, nil
}
