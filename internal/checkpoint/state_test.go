package checkpoint

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/store"
)

// chain builds Install-1: empty baseline, file.txt=A, file.txt=B.
func chain() []Checkpoint {
	return []Checkpoint{
		{SessionID: "s1", Sequence: 1, IsAnchor: true},
		{SessionID: "s1", Sequence: 2, Delta: Delta{Added: map[string]store.Key{"file.txt": "kA"}}},
		{SessionID: "s1", Sequence: 3, Delta: Delta{Modified: map[string]Change{"file.txt": {Old: "kA", New: "kB"}}}},
	}
}

func TestStateAt_Scenario(t *testing.T) {
	h := chain()

	st, err := StateAt(h, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, st)

	st, err = StateAt(h, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, State{"file.txt": "kA"}, st)

	st, err = StateAt(h, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, State{"file.txt": "kB"}, st)

	_, err = StateAt(h, 4, nil)
	assert.ErrorIs(t, err, errdefs.ErrCheckpointNotFound)
	_, err = StateAt(h, 0, nil)
	assert.ErrorIs(t, err, errdefs.ErrCheckpointNotFound)
}

type fakeCache struct {
	states map[int]State
	stores int
}

func (c *fakeCache) Load(_ string, seq int) (State, bool) {
	st, ok := c.states[seq]
	return st, ok
}

func (c *fakeCache) Store(_ string, seq int, st State) error {
	c.stores++
	c.states[seq] = st
	return nil
}

func TestStateAt_UsesNearestAnchor(t *testing.T) {
	h := chain()
	h[1].IsAnchor = true
	// A cached view that differs from the chain proves the cache was used.
	cache := &fakeCache{states: map[int]State{2: {"file.txt": "kA", "cached": "kC"}}}

	st, err := StateAt(h, 3, cache)
	require.NoError(t, err)
	assert.Equal(t, State{"file.txt": "kB", "cached": "kC"}, st)
	assert.Zero(t, cache.stores)
}

func TestStateAt_RebuildsMissingAnchor(t *testing.T) {
	h := chain()
	h[1].IsAnchor = true
	cache := &fakeCache{states: map[int]State{}}

	st, err := StateAt(h, 3, cache)
	require.NoError(t, err)
	assert.Equal(t, State{"file.txt": "kB"}, st)
	assert.Equal(t, State{"file.txt": "kA"}, cache.states[2])
}

func TestState_ApplyDeletesFirst(t *testing.T) {
	st := State{"a": "k1"}
	st.Apply(Delta{Deleted: []string{"a"}, Added: map[string]store.Key{"a": "k2"}})
	assert.Equal(t, State{"a": "k2"}, st)
}

func TestFold_DoesNotMutateBase(t *testing.T) {
	base := State{"a": "k1"}
	out := Fold(base, Delta{Deleted: []string{"a"}})
	assert.Empty(t, out)
	assert.Equal(t, State{"a": "k1"}, base)
}

func TestScope(t *testing.T) {
	h := chain()
	h = append(h, Checkpoint{Sequence: 4, Delta: Delta{Deleted: []string{"file.txt"}, Added: map[string]store.Key{"z": "kZ"}}})
	assert.Equal(t, []string{"file.txt", "z"}, Scope(h))
}

func TestDiff(t *testing.T) {
	prev := State{"same": "k1", "mod": "k2", "gone": "k3"}
	cur := State{"same": "k1", "mod": "k4", "new": "k5"}

	d := Diff(prev, cur, []string{"same", "mod", "gone", "new", "never"})
	assert.Equal(t, map[string]store.Key{"new": "k5"}, d.Added)
	assert.Equal(t, map[string]Change{"mod": {Old: "k2", New: "k4"}}, d.Modified)
	assert.Equal(t, []string{"gone"}, d.Deleted)

	assert.True(t, Diff(prev, prev, prev.Paths()).Empty())
}

func TestCleanPath(t *testing.T) {
	for in, want := range map[string]string{
		"a/b/../c.txt":    "a/c.txt",
		"./Override/x":    "Override/x",
		".":               ".",
		".modckptx/a.txt": ".modckptx/a.txt",
	} {
		got, err := CleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestPolicy(t *testing.T) {
	h := []Checkpoint{{Sequence: 1, IsAnchor: true}, {Sequence: 2, DeltaSize: 40}, {Sequence: 3, DeltaSize: 40}}

	assert.True(t, Policy{}.IsAnchor(nil, 1, 0))
	assert.False(t, Policy{}.IsAnchor(h, 4, 1000))
	assert.True(t, Policy{Interval: 3}.IsAnchor(h, 4, 0))
	assert.False(t, Policy{Interval: 4}.IsAnchor(h, 4, 0))
	assert.True(t, Policy{SizeThreshold: 100}.IsAnchor(h, 4, 21))
	assert.False(t, Policy{SizeThreshold: 100}.IsAnchor(h, 4, 20))

	h[2].IsAnchor = true
	assert.False(t, Policy{Interval: 3}.IsAnchor(h, 4, 0), "interval counts from the last anchor")
}

func TestAnchorCache_RoundTripAndPrune(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c, err := NewAnchorCache(fsys, "/cache")
	require.NoError(t, err)

	require.NoError(t, c.Store("a1b2-c3", 5, State{"x": "k1"}))
	require.NoError(t, c.Store("other", 1, State{}))

	// A fresh cache reads what the first one wrote.
	c2, err := NewAnchorCache(fsys, "/cache")
	require.NoError(t, err)
	st, ok := c2.Load("a1b2-c3", 5)
	require.True(t, ok)
	assert.Equal(t, State{"x": "k1"}, st)

	_, ok = c2.Load("a1b2-c3", 6)
	assert.False(t, ok)

	seen := map[string]int{}
	require.NoError(t, c2.Walk(func(sessionID string, seq int, _ State) error {
		seen[sessionID] = seq
		return nil
	}))
	assert.Equal(t, map[string]int{"a1b2-c3": 5, "other": 1}, seen)

	removed, err := c2.Prune(func(sessionID string, _ int) bool { return sessionID == "other" })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, ok = c2.Load("a1b2-c3", 5)
	assert.False(t, ok)
}

func TestAnchorCache_CorruptFileIsMiss(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c, err := NewAnchorCache(fsys, "/cache")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fsys, "/cache/s-2.cbor", []byte("garbage"), 0644))

	_, ok := c.Load("s", 2)
	assert.False(t, ok)
}
