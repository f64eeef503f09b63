package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/events"
	"github.com/systemshift/modckpt/internal/store"
)

type testEnv struct {
	target  string
	builder *Builder
	store   *store.ObjectStore
	cache   *AnchorCache
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()
	target := t.TempDir()
	osfs := afero.NewOsFs()
	st, err := store.NewObjectStore(osfs, filepath.Join(target, ReservedDir, "objects"), store.Options{})
	require.NoError(t, err)
	cache, err := NewAnchorCache(osfs, filepath.Join(target, ReservedDir, "cache", "anchors"))
	require.NoError(t, err)

	n := 0
	b := &Builder{
		Fsys:   afero.NewBasePathFs(osfs, target),
		Store:  st,
		Policy: policy,
		Now:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		NewID: func() string {
			n++
			return "cp-" + strconv.Itoa(n)
		},
	}
	return &testEnv{target: target, builder: b, store: st, cache: cache}
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.target, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func (e *testEnv) remove(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(e.target, filepath.FromSlash(rel))))
}

func (e *testEnv) record(t *testing.T, history []Checkpoint, component string, touched ...string) Checkpoint {
	t.Helper()
	res, err := e.builder.Record(context.Background(), Request{
		SessionID: "s1",
		Component: component,
		Touched:   touched,
		History:   history,
		Cache:     e.cache,
	})
	require.NoError(t, err)
	return res.Checkpoint
}

func (e *testEnv) key(t *testing.T, content string) store.Key {
	t.Helper()
	k, err := e.store.ComputeKey([]byte(content))
	require.NoError(t, err)
	return k
}

// noCreateFs refuses to create files.
type noCreateFs struct{ afero.Fs }

func (noCreateFs) Create(string) (afero.File, error) { return nil, os.ErrPermission }

func (f noCreateFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&os.O_CREATE != 0 {
		return nil, os.ErrPermission
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestBaseline_EmptyTarget(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())

	res, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)

	cp := res.Checkpoint
	assert.Equal(t, 1, cp.Sequence)
	assert.True(t, cp.IsAnchor)
	assert.True(t, cp.IsBaseline())
	assert.True(t, cp.Empty())
	assert.Equal(t, BaselineComponent, cp.Component)
}

func TestBaseline_CapturesExistingFilesButNotEngineDir(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	env.write(t, "Override/a.2da", "vanilla")
	env.write(t, "dialog.tlk", "tlk")

	res, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, State{
		"Override/a.2da": env.key(t, "vanilla"),
		"dialog.tlk":     env.key(t, "tlk"),
	}, res.State)
	assert.Equal(t, map[string]store.Key(res.State), res.Checkpoint.Added)
	assert.Equal(t, int64(len("vanilla")+len("tlk")), res.Checkpoint.DeltaSize)
}

func TestBaseline_Scoped(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	env.write(t, "Override/a.2da", "a")
	env.write(t, "Movies/intro.bik", "big")

	res, err := env.builder.Baseline(context.Background(), "s1", []string{"Override"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Override/a.2da"}, res.State.Paths())
}

func TestRecord_Classification(t *testing.T) {
	env := newTestEnv(t, Policy{})
	env.write(t, "keep.txt", "same")
	env.write(t, "change.txt", "v1")
	env.write(t, "drop.txt", "bye")

	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)
	history := []Checkpoint{base.Checkpoint}

	env.write(t, "keep.txt", "same")
	env.write(t, "change.txt", "v2")
	env.remove(t, "drop.txt")
	env.write(t, "new.txt", "hello")

	cp := env.record(t, history, "step", "keep.txt", "change.txt", "drop.txt", "new.txt")

	assert.Equal(t, 2, cp.Sequence)
	assert.Equal(t, "step", cp.Component)
	assert.Equal(t, map[string]store.Key{"new.txt": env.key(t, "hello")}, cp.Added)
	assert.Equal(t, map[string]Change{"change.txt": {Old: env.key(t, "v1"), New: env.key(t, "v2")}}, cp.Modified)
	assert.Equal(t, []string{"drop.txt"}, cp.Deleted)
	assert.Equal(t, int64(len("v2")+len("hello")), cp.DeltaSize)
	assert.False(t, cp.IsAnchor)
}

func TestRecord_RetouchWithoutChangeIsNoop(t *testing.T) {
	env := newTestEnv(t, Policy{})
	env.write(t, "a.txt", "A")
	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)

	cp := env.record(t, []Checkpoint{base.Checkpoint}, "noop", "a.txt", "missing.txt")
	assert.True(t, cp.Empty())
	assert.Zero(t, cp.DeltaSize)
}

func TestRecord_DirectoryTouch(t *testing.T) {
	env := newTestEnv(t, Policy{})
	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)
	history := []Checkpoint{base.Checkpoint}

	env.write(t, "mod/x.txt", "x")
	env.write(t, "mod/sub/y.txt", "y")
	cp2 := env.record(t, history, "install", "mod")
	assert.ElementsMatch(t, []string{"mod/x.txt", "mod/sub/y.txt"}, cp2.Paths())
	history = append(history, cp2)

	env.remove(t, "mod")
	cp3 := env.record(t, history, "uninstall", "mod")
	assert.Equal(t, []string{"mod/sub/y.txt", "mod/x.txt"}, cp3.Deleted)
}

func TestRecord_FileReplacedByDirectory(t *testing.T) {
	env := newTestEnv(t, Policy{})
	env.write(t, "data", "flat")
	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)
	history := []Checkpoint{base.Checkpoint}

	env.remove(t, "data")
	env.write(t, "data/sub.txt", "nested")
	cp2 := env.record(t, history, "split", "data")
	assert.Equal(t, []string{"data"}, cp2.Deleted)
	assert.Equal(t, map[string]store.Key{"data/sub.txt": env.key(t, "nested")}, cp2.Added)
	history = append(history, cp2)

	env.remove(t, "data")
	env.write(t, "data", "flat again")
	cp3 := env.record(t, history, "merge", "data")
	assert.Equal(t, []string{"data/sub.txt"}, cp3.Deleted)
	assert.Equal(t, map[string]store.Key{"data": env.key(t, "flat again")}, cp3.Added)
}

func TestRecord_SymlinkIsNotCaptured(t *testing.T) {
	env := newTestEnv(t, Policy{})
	env.write(t, "real.txt", "real")
	require.NoError(t, os.Symlink("real.txt", filepath.Join(env.target, "link.txt")))

	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"real.txt"}, base.State.Paths())

	cp := env.record(t, []Checkpoint{base.Checkpoint}, "link", "link.txt")
	assert.True(t, cp.Empty())
}

func TestRecord_DedupAcrossPathsAndCheckpoints(t *testing.T) {
	env := newTestEnv(t, Policy{})
	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)
	history := []Checkpoint{base.Checkpoint}

	env.write(t, "one/texture.tga", "shared content")
	cp2 := env.record(t, history, "first", "one/texture.tga")
	history = append(history, cp2)

	env.write(t, "two/texture.tga", "shared content")
	cp3 := env.record(t, history, "second", "two/texture.tga")

	assert.Equal(t, int64(len("shared content")), cp2.DeltaSize)
	assert.Zero(t, cp3.DeltaSize, "deduplicated content is not new")

	u, err := env.store.Usage()
	require.NoError(t, err)
	assert.Equal(t, 1, u.Objects)
}

func TestRecord_RejectsBadPaths(t *testing.T) {
	env := newTestEnv(t, Policy{})
	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)

	for _, p := range []string{"../escape", "/abs/path", ".modckpt/objects", ""} {
		_, err := env.builder.Record(context.Background(), Request{SessionID: "s1", Touched: []string{p}, History: []Checkpoint{base.Checkpoint}})
		assert.ErrorIs(t, err, errdefs.ErrInvalidPath, p)
	}
}

func TestRecord_StoreWriteFailure(t *testing.T) {
	env := newTestEnv(t, Policy{})
	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)

	env.write(t, "a.txt", "new content")
	env.builder.Store, err = store.NewObjectStore(noCreateFs{afero.NewOsFs()}, env.store.Dir(), store.Options{})
	require.NoError(t, err)

	_, err = env.builder.Record(context.Background(), Request{SessionID: "s1", Touched: []string{"a.txt"}, History: []Checkpoint{base.Checkpoint}})
	assert.ErrorIs(t, err, errdefs.ErrStoreWriteFailed)
}

func TestRecord_Cancelled(t *testing.T) {
	env := newTestEnv(t, Policy{})
	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)
	env.write(t, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = env.builder.Record(ctx, Request{SessionID: "s1", Touched: []string{"a.txt"}, History: []Checkpoint{base.Checkpoint}})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRecord_ReportsProgress(t *testing.T) {
	env := newTestEnv(t, Policy{})
	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)
	env.write(t, "a", "1")
	env.write(t, "b", "2")

	var last events.Progress
	calls := make(chan events.Progress, 8)
	_, err = env.builder.Record(context.Background(), Request{
		SessionID: "s1",
		Touched:   []string{"a", "b"},
		History:   []Checkpoint{base.Checkpoint},
		Progress:  func(p events.Progress) { calls <- p },
	})
	require.NoError(t, err)
	close(calls)
	n := 0
	for p := range calls {
		n++
		if p.Done > last.Done {
			last = p
		}
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, last.Done)
	assert.Equal(t, 2, last.Total)
}

func TestRecord_AnchorCarriesFoldedState(t *testing.T) {
	env := newTestEnv(t, Policy{Interval: 2})
	base, err := env.builder.Baseline(context.Background(), "s1", nil, nil)
	require.NoError(t, err)
	history := []Checkpoint{base.Checkpoint}

	env.write(t, "a", "1")
	cp2 := env.record(t, history, "s2", "a")
	history = append(history, cp2)
	assert.False(t, cp2.IsAnchor)

	env.write(t, "b", "2")
	res, err := env.builder.Record(context.Background(), Request{SessionID: "s1", Component: "s3", Touched: []string{"b"}, History: history})
	require.NoError(t, err)
	assert.True(t, res.Checkpoint.IsAnchor)
	assert.Equal(t, State{"a": env.key(t, "1"), "b": env.key(t, "2")}, res.State)
}
