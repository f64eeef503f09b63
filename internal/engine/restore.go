package engine

import (
	"context"
	"fmt"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/events"
	"github.com/systemshift/modckpt/internal/gc"
	"github.com/systemshift/modckpt/internal/restore"
)

// RestoreToCheckpoint rewrites the target so every path the session manages
// matches the checkpoint named by ref. Paths the session never touched are
// left alone. If an earlier restore to the same checkpoint was interrupted,
// it resumes; if one to a different checkpoint is pending, this fails with
// ErrRestoreIncomplete until that one is resumed or abandoned.
func (e *Engine) RestoreToCheckpoint(ctx context.Context, sessionID, ref string, progress events.ProgressFunc) (restore.Result, error) {
	release, err := e.acquire("restore")
	if err != nil {
		return restore.Result{}, err
	}
	defer release()

	if err := e.requireNoOpenSession("restore"); err != nil {
		return restore.Result{}, err
	}
	cp, err := e.ledger.Checkpoint(sessionID, ref)
	if err != nil {
		return restore.Result{}, err
	}
	history, err := e.ledger.Checkpoints(sessionID)
	if err != nil {
		return restore.Result{}, err
	}
	req := restore.Request{
		SessionID:    sessionID,
		CheckpointID: cp.ID,
		Sequence:     cp.Sequence,
		Scope:        checkpoint.Scope(history),
	}

	m, pending, err := e.restorer.Marker()
	if err != nil {
		return restore.Result{}, err
	}
	kind := events.RestoreStarted
	if pending && m.Same(sessionID, cp.Sequence) {
		kind = events.RestoreResumed
	} else if !pending {
		if req.Target, err = checkpoint.StateAt(history, cp.Sequence, e.anchors); err != nil {
			return restore.Result{}, err
		}
		if req.Live, err = e.builder.Snapshot(ctx, req.Scope); err != nil {
			return restore.Result{}, fmt.Errorf("snapshot target: %w", err)
		}
	}
	e.emit(events.Event{Kind: kind, Session: sessionID, Checkpoint: cp.ID, Sequence: cp.Sequence})

	res, err := e.restorer.Run(ctx, req, func(p events.Progress) {
		e.emit(events.Event{
			Kind:       events.RestoreProgress,
			Session:    sessionID,
			Checkpoint: cp.ID,
			Sequence:   cp.Sequence,
			Path:       p.Path,
			Done:       p.Done,
			Total:      p.Total,
			Bytes:      p.Bytes,
		})
		progress.Report(p)
	})
	if err != nil {
		e.emit(events.Event{Kind: events.RestoreFailed, Session: sessionID, Checkpoint: cp.ID, Sequence: cp.Sequence, Err: err.Error()})
		return res, &errdefs.OpError{Op: "restore", Session: sessionID, Checkpoint: cp.ID, Err: err}
	}
	if err := e.ledger.SetCurrent(sessionID, cp.Sequence); err != nil {
		return res, err
	}
	e.emit(events.Event{
		Kind:       events.RestoreFinished,
		Session:    sessionID,
		Checkpoint: cp.ID,
		Sequence:   cp.Sequence,
		Done:       res.Total,
		Total:      res.Total,
		Bytes:      res.Bytes,
	})
	return res, nil
}

// RestoreStatus reports a pending restore, if any.
func (e *Engine) RestoreStatus() (*restore.Marker, bool, error) {
	return e.restorer.Marker()
}

// AbandonRestore discards a pending restore without touching the target.
// Files it already rewrote stay as they are.
func (e *Engine) AbandonRestore() error {
	release, err := e.acquire("abandon restore")
	if err != nil {
		return err
	}
	defer release()

	m, ok, err := e.restorer.Marker()
	if err != nil || !ok {
		return err
	}
	if err := e.restorer.Abandon(); err != nil {
		return err
	}
	e.emit(events.Event{
		Kind:       events.RestoreAbandoned,
		Session:    m.SessionID,
		Checkpoint: m.CheckpointID,
		Sequence:   m.Sequence,
		Done:       m.Applied,
		Total:      m.Total(),
	})
	return nil
}

// DeleteSession removes a session from the ledger. Its blobs stay on disk
// until the next garbage collection.
func (e *Engine) DeleteSession(sessionID string) error {
	release, err := e.acquire("delete session")
	if err != nil {
		return err
	}
	defer release()

	if err := e.requireNoOpenSession("delete session"); err != nil {
		return err
	}
	m, ok, err := e.restorer.Marker()
	if err != nil {
		return err
	}
	if ok && m.SessionID == sessionID {
		return &errdefs.OpError{Op: "delete session", Session: sessionID, Err: fmt.Errorf("%w: restore pending for this session", errdefs.ErrEngineBusy)}
	}
	if err := e.ledger.Delete(sessionID); err != nil {
		return err
	}
	if _, err := e.anchors.Prune(func(id string, _ int) bool { return id != sessionID }); err != nil {
		e.warn(sessionID, "anchor cache prune failed", err)
	}
	e.emit(events.Event{Kind: events.SessionDeleted, Session: sessionID})
	return nil
}

// CollectGarbage deletes every blob no retained session references.
func (e *Engine) CollectGarbage(ctx context.Context, progress events.ProgressFunc) (gc.Result, error) {
	release, err := e.acquire("collect garbage")
	if err != nil {
		return gc.Result{}, err
	}
	defer release()

	if err := e.requireNoOpenSession("collect garbage"); err != nil {
		return gc.Result{}, err
	}
	res, err := e.gc.Collect(ctx, progress)
	if err != nil {
		return res, err
	}
	e.emit(events.Event{Kind: events.GCFinished, Done: res.Reclaimed, Bytes: res.ReclaimedBytes})
	return res, nil
}
