package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/events"
	"github.com/systemshift/modckpt/internal/restore"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, e := range r.events {
		if e.Kind != events.RestoreProgress {
			out = append(out, e.Kind)
		}
	}
	return out
}

func openTestEngine(t *testing.T) (*Engine, string, *recorder) {
	t.Helper()
	target := t.TempDir()
	rec := &recorder{}
	opts := DefaultOptions()
	opts.Sink = rec
	e, err := Open(target, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, target, rec
}

func writeFile(t *testing.T, target, rel, content string) {
	t.Helper()
	p := filepath.Join(target, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func readFile(t *testing.T, target, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func exists(target, rel string) bool {
	_, err := os.Stat(filepath.Join(target, filepath.FromSlash(rel)))
	return err == nil
}

var ctx = context.Background()

// install1 records: empty baseline, +file.txt=A, file.txt=B.
func install1(t *testing.T, e *Engine, target string) checkpoint.Session {
	t.Helper()
	s, err := e.BeginSession(ctx, "install-1", BeginOptions{})
	require.NoError(t, err)

	writeFile(t, target, "file.txt", "A")
	_, err = e.RecordCheckpoint(ctx, s.ID, "component-a", []string{"file.txt"}, nil)
	require.NoError(t, err)

	writeFile(t, target, "file.txt", "B")
	_, err = e.RecordCheckpoint(ctx, s.ID, "component-b", []string{"file.txt"}, nil)
	require.NoError(t, err)

	s, err = e.CompleteSession(s.ID, checkpoint.OutcomeSucceeded)
	require.NoError(t, err)
	return s
}

func TestInstall1Scenario(t *testing.T) {
	e, target, rec := openTestEngine(t)
	s := install1(t, e, target)

	views, err := e.ListCheckpoints(s.ID)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.True(t, views[0].Baseline)
	assert.True(t, views[0].Empty())
	assert.Len(t, views[1].Added, 1)
	assert.Len(t, views[2].Modified, 1)
	assert.True(t, views[2].Current)

	_, err = e.RestoreToCheckpoint(ctx, s.ID, "2", nil)
	require.NoError(t, err)
	assert.Equal(t, "A", readFile(t, target, "file.txt"))

	views, err = e.ListCheckpoints(s.ID)
	require.NoError(t, err)
	assert.True(t, views[1].Current)
	assert.True(t, views[2].Superseded)

	_, err = e.RestoreToCheckpoint(ctx, s.ID, "1", nil)
	require.NoError(t, err)
	assert.False(t, exists(target, "file.txt"))

	assert.Equal(t, []events.Kind{
		events.SessionBegun, events.CheckpointWritten,
		events.CheckpointWritten, events.CheckpointWritten,
		events.SessionCompleted,
		events.RestoreStarted, events.RestoreFinished,
		events.RestoreStarted, events.RestoreFinished,
	}, rec.kinds())
}

func TestRestoreAcrossFileDirectorySwap(t *testing.T) {
	e, target, _ := openTestEngine(t)
	writeFile(t, target, "data", "flat")

	s, err := e.BeginSession(ctx, "", BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(target, "data")))
	writeFile(t, target, "data/sub.txt", "nested")
	cp, err := e.RecordCheckpoint(ctx, s.ID, "split", []string{"data"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"data"}, cp.Deleted)
	assert.Contains(t, cp.Added, "data/sub.txt")
	_, err = e.CompleteSession(s.ID, checkpoint.OutcomeSucceeded)
	require.NoError(t, err)

	_, err = e.RestoreToCheckpoint(ctx, s.ID, "1", nil)
	require.NoError(t, err)
	assert.Equal(t, "flat", readFile(t, target, "data"))
	d, err := e.Diff(ctx, s.ID, "1", nil)
	require.NoError(t, err)
	assert.True(t, d.Empty())

	_, err = e.RestoreToCheckpoint(ctx, s.ID, "2", nil)
	require.NoError(t, err)
	assert.Equal(t, "nested", readFile(t, target, "data/sub.txt"))
	d, err = e.Diff(ctx, s.ID, "2", nil)
	require.NoError(t, err)
	assert.True(t, d.Empty())
}

func TestRestoreThenDiffIsEmpty(t *testing.T) {
	e, target, _ := openTestEngine(t)
	writeFile(t, target, "Override/a.2da", "vanilla")
	writeFile(t, target, "saves/slot1", "player data")

	s, err := e.BeginSession(ctx, "", BeginOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, s.Name)

	writeFile(t, target, "Override/a.2da", "modded")
	writeFile(t, target, "Override/b.2da", "new")
	_, err = e.RecordCheckpoint(ctx, s.ID, "mod", []string{"Override"}, nil)
	require.NoError(t, err)
	_, err = e.CompleteSession(s.ID, checkpoint.OutcomeFailed)
	require.NoError(t, err)

	writeFile(t, target, "saves/slot1", "newer player data")

	for _, ref := range []string{"2", "1"} {
		_, err := e.RestoreToCheckpoint(ctx, s.ID, ref, nil)
		require.NoError(t, err)
		d, err := e.Diff(ctx, s.ID, ref, nil)
		require.NoError(t, err)
		assert.True(t, d.Empty(), "checkpoint %s: %+v", ref, d)
	}
	assert.Equal(t, "vanilla", readFile(t, target, "Override/a.2da"))
	assert.False(t, exists(target, "Override/b.2da"))
	// Baseline capture covers the whole tree, so the save is restored too.
	assert.Equal(t, "player data", readFile(t, target, "saves/slot1"))
}

func TestScopedBaselineLeavesOtherFilesAlone(t *testing.T) {
	e, target, _ := openTestEngine(t)
	writeFile(t, target, "saves/slot1", "player data")

	s, err := e.BeginSession(ctx, "scoped", BeginOptions{Scope: []string{"Override"}})
	require.NoError(t, err)
	writeFile(t, target, "Override/x", "x")
	_, err = e.RecordCheckpoint(ctx, s.ID, "mod", []string{"Override"}, nil)
	require.NoError(t, err)
	_, err = e.CompleteSession(s.ID, checkpoint.OutcomeSucceeded)
	require.NoError(t, err)

	writeFile(t, target, "saves/slot1", "later")
	_, err = e.RestoreToCheckpoint(ctx, s.ID, "1", nil)
	require.NoError(t, err)
	assert.False(t, exists(target, "Override/x"))
	assert.Equal(t, "later", readFile(t, target, "saves/slot1"))
}

func TestRestoreTwiceIsIdentical(t *testing.T) {
	e, target, _ := openTestEngine(t)
	s := install1(t, e, target)

	_, err := e.RestoreToCheckpoint(ctx, s.ID, "2", nil)
	require.NoError(t, err)
	first := readFile(t, target, "file.txt")

	res, err := e.RestoreToCheckpoint(ctx, s.ID, "2", nil)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Equal(t, first, readFile(t, target, "file.txt"))
}

func TestDedupAcrossSessions(t *testing.T) {
	e, target, _ := openTestEngine(t)
	for i, name := range []string{"one", "two"} {
		s, err := e.BeginSession(ctx, name, BeginOptions{Scope: []string{name}})
		require.NoError(t, err)
		writeFile(t, target, name+"/tex.tga", "identical texture bytes")
		cp, err := e.RecordCheckpoint(ctx, s.ID, "tex", []string{name}, nil)
		require.NoError(t, err)
		if i == 0 {
			assert.Positive(t, cp.DeltaSize)
		} else {
			assert.Zero(t, cp.DeltaSize)
		}
		_, err = e.CompleteSession(s.ID, checkpoint.OutcomeSucceeded)
		require.NoError(t, err)
	}
	u, err := e.Usage()
	require.NoError(t, err)
	assert.Equal(t, 1, u.Store.Objects)
	assert.Equal(t, 2, u.Sessions)
	assert.Equal(t, 4, u.Checkpoints)
}

func TestDeleteSessionThenCollect(t *testing.T) {
	e, target, _ := openTestEngine(t)
	s := install1(t, e, target)

	res, err := e.CollectGarbage(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Reclaimed)

	require.NoError(t, e.DeleteSession(s.ID))
	assert.Empty(t, e.ListSessions())

	res, err = e.CollectGarbage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reclaimed)
	u, err := e.Usage()
	require.NoError(t, err)
	assert.Zero(t, u.Store.Objects)

	_, err = e.ListCheckpoints(s.ID)
	assert.ErrorIs(t, err, errdefs.ErrSessionNotFound)
}

func TestGatesWhileSessionOpen(t *testing.T) {
	e, target, _ := openTestEngine(t)
	done := install1(t, e, target)

	open, err := e.BeginSession(ctx, "in progress", BeginOptions{})
	require.NoError(t, err)

	_, err = e.BeginSession(ctx, "second", BeginOptions{})
	assert.ErrorIs(t, err, errdefs.ErrEngineBusy)
	_, err = e.RestoreToCheckpoint(ctx, done.ID, "1", nil)
	assert.ErrorIs(t, err, errdefs.ErrEngineBusy)
	_, err = e.CollectGarbage(ctx, nil)
	assert.ErrorIs(t, err, errdefs.ErrEngineBusy)
	assert.ErrorIs(t, e.DeleteSession(done.ID), errdefs.ErrEngineBusy)

	_, err = e.CompleteSession(open.ID, checkpoint.OutcomeAborted)
	require.NoError(t, err)
	_, err = e.RecordCheckpoint(ctx, open.ID, "late", nil, nil)
	assert.ErrorIs(t, err, errdefs.ErrSessionComplete)
}

func TestOperationGate(t *testing.T) {
	e, _, _ := openTestEngine(t)
	e.op.Lock()
	_, err := e.BeginSession(ctx, "", BeginOptions{})
	e.op.Unlock()
	assert.ErrorIs(t, err, errdefs.ErrEngineBusy)
}

func TestSecondOpenIsBusy(t *testing.T) {
	e, target, _ := openTestEngine(t)
	_, err := Open(target, DefaultOptions())
	assert.ErrorIs(t, err, errdefs.ErrEngineBusy)

	require.NoError(t, e.Close())
	again, err := Open(target, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestReopenKeepsHistory(t *testing.T) {
	e, target, _ := openTestEngine(t)
	s := install1(t, e, target)
	require.NoError(t, e.Close())

	e2, err := Open(target, DefaultOptions())
	require.NoError(t, err)
	defer e2.Close()

	st, err := e2.StateAt(s.ID, "3")
	require.NoError(t, err)
	require.Contains(t, st, "file.txt")
	data, err := e2.ReadObject(st["file.txt"])
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))
}

// fiveFiles records a session that adds f1..f5 to an empty baseline.
func fiveFiles(t *testing.T, e *Engine, target string) (checkpoint.Session, []string) {
	t.Helper()
	s, err := e.BeginSession(ctx, "big", BeginOptions{})
	require.NoError(t, err)
	var touched []string
	for _, name := range []string{"f1", "f2", "f3", "f4", "f5"} {
		writeFile(t, target, name, "content "+name)
		touched = append(touched, name)
	}
	_, err = e.RecordCheckpoint(ctx, s.ID, "files", touched, nil)
	require.NoError(t, err)
	_, err = e.CompleteSession(s.ID, checkpoint.OutcomeSucceeded)
	require.NoError(t, err)
	return s, touched
}

func TestInterruptedRestoreResumes(t *testing.T) {
	e, target, rec := openTestEngine(t)
	s, touched := fiveFiles(t, e, target)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	_, err := e.RestoreToCheckpoint(cctx, s.ID, "1", func(p events.Progress) {
		if p.Done == 3 {
			cancel()
		}
	})
	require.ErrorIs(t, err, errdefs.ErrRestoreIncomplete)
	var inc *restore.IncompleteError
	require.True(t, errors.As(err, &inc))
	assert.Equal(t, 3, inc.Applied)
	assert.Equal(t, 5, inc.Total)

	m, ok, err := e.RestoreStatus()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, m.Sequence)

	// New recording is refused while the tree is half restored.
	_, err = e.BeginSession(ctx, "", BeginOptions{})
	assert.ErrorIs(t, err, errdefs.ErrEngineBusy)
	assert.ErrorIs(t, e.DeleteSession(s.ID), errdefs.ErrEngineBusy)
	_, err = e.RestoreToCheckpoint(ctx, s.ID, "2", nil)
	assert.ErrorIs(t, err, errdefs.ErrRestoreIncomplete)

	res, err := e.RestoreToCheckpoint(ctx, s.ID, "1", nil)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	for _, name := range touched {
		assert.False(t, exists(target, name))
	}
	assert.Contains(t, rec.kinds(), events.RestoreResumed)
	assert.Contains(t, rec.kinds(), events.RestoreFailed)
}

func TestAbandonRestore(t *testing.T) {
	e, target, rec := openTestEngine(t)
	s, _ := fiveFiles(t, e, target)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	_, err := e.RestoreToCheckpoint(cctx, s.ID, "1", func(p events.Progress) { cancel() })
	require.ErrorIs(t, err, errdefs.ErrRestoreIncomplete)

	require.NoError(t, e.AbandonRestore())
	_, ok, err := e.RestoreStatus()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, rec.kinds(), events.RestoreAbandoned)
	assert.False(t, exists(target, "f1"))
	assert.True(t, exists(target, "f2"), "abandon leaves the tree as it is")

	// Recording is allowed again.
	_, err = e.BeginSession(ctx, "", BeginOptions{})
	require.NoError(t, err)
}

func TestMissingBlobFailsBeforeTouchingTree(t *testing.T) {
	e, target, _ := openTestEngine(t)
	s := install1(t, e, target)

	st, err := e.StateAt(s.ID, "2")
	require.NoError(t, err)
	require.NoError(t, e.store.Delete(st["file.txt"]))

	_, err = e.RestoreToCheckpoint(ctx, s.ID, "2", nil)
	assert.ErrorIs(t, err, errdefs.ErrObjectNotFound)
	assert.Equal(t, "B", readFile(t, target, "file.txt"))
}

func TestRecordRejectsEngineDir(t *testing.T) {
	e, _, _ := openTestEngine(t)
	s, err := e.BeginSession(ctx, "", BeginOptions{})
	require.NoError(t, err)
	_, err = e.RecordCheckpoint(ctx, s.ID, "bad", []string{".modckpt/sessions"}, nil)
	assert.ErrorIs(t, err, errdefs.ErrInvalidPath)

	cps, err := e.ListCheckpoints(s.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func TestAnchorsSurviveCacheLoss(t *testing.T) {
	target := t.TempDir()
	opts := DefaultOptions()
	opts.Policy = checkpoint.Policy{Interval: 2}
	e, err := Open(target, opts)
	require.NoError(t, err)
	defer e.Close()

	s, err := e.BeginSession(ctx, "", BeginOptions{})
	require.NoError(t, err)
	for i, v := range []string{"1", "2", "3", "4"} {
		writeFile(t, target, "f", v)
		cp, err := e.RecordCheckpoint(ctx, s.ID, "step", []string{"f"}, nil)
		require.NoError(t, err)
		assert.Equal(t, i%2 == 1, cp.IsAnchor, "sequence %d", cp.Sequence)
	}

	require.NoError(t, os.RemoveAll(filepath.Join(target, checkpoint.ReservedDir, "cache", "anchors")))
	require.NoError(t, os.MkdirAll(filepath.Join(target, checkpoint.ReservedDir, "cache", "anchors"), 0755))
	e.anchors, err = checkpoint.NewAnchorCache(e.fsys, filepath.Join(target, checkpoint.ReservedDir, "cache", "anchors"))
	require.NoError(t, err)

	st, err := e.StateAt(s.ID, "4")
	require.NoError(t, err)
	data, err := e.ReadObject(st["f"])
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
}
