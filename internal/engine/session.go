package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/events"
)

// BeginOptions tune BeginSession.
type BeginOptions struct {
	// Scope limits the baseline capture to these target-relative paths.
	// Empty means the whole target directory.
	Scope    []string
	Progress events.ProgressFunc
}

// BeginSession starts a new installation session and captures its baseline
// as checkpoint 1. An empty name is replaced by a generated one.
func (e *Engine) BeginSession(ctx context.Context, name string, opts BeginOptions) (checkpoint.Session, error) {
	release, err := e.acquire("begin session")
	if err != nil {
		return checkpoint.Session{}, err
	}
	defer release()

	if err := e.requireNoRestore("begin session"); err != nil {
		return checkpoint.Session{}, err
	}
	if err := e.requireNoOpenSession("begin session"); err != nil {
		return checkpoint.Session{}, err
	}

	scope := make([]string, 0, len(opts.Scope))
	for _, p := range opts.Scope {
		c, err := checkpoint.CleanPath(p)
		if err != nil {
			return checkpoint.Session{}, err
		}
		scope = append(scope, c)
	}

	id := uuid.NewString()
	res, err := e.builder.Baseline(ctx, id, scope, opts.Progress)
	if err != nil {
		return checkpoint.Session{}, fmt.Errorf("capture baseline: %w", err)
	}
	s, err := e.ledger.Begin(name, scope, res.Checkpoint)
	if err != nil {
		return checkpoint.Session{}, err
	}
	if err := e.anchors.Store(id, 1, res.State); err != nil {
		e.warn(id, "anchor cache write failed", err)
	}

	e.emit(events.Event{Kind: events.SessionBegun, Session: s.ID, Message: s.Name})
	e.emit(events.Event{
		Kind:       events.CheckpointWritten,
		Session:    s.ID,
		Checkpoint: res.Checkpoint.ID,
		Sequence:   1,
		Bytes:      res.Checkpoint.DeltaSize,
		Message:    checkpoint.BaselineComponent,
	})
	return s, nil
}

// RecordCheckpoint captures the delta produced by one installation step.
// touched lists the files or directories the step may have changed; content
// is read from the live target. The checkpoint is visible only after its
// blobs and its ledger record are durable.
func (e *Engine) RecordCheckpoint(ctx context.Context, sessionID, component string, touched []string, progress events.ProgressFunc) (checkpoint.Checkpoint, error) {
	release, err := e.acquire("record checkpoint")
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	defer release()

	if err := e.requireNoRestore("record checkpoint"); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	s, err := e.ledger.Session(sessionID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if s.Complete {
		return checkpoint.Checkpoint{}, fmt.Errorf("record into session %s: %w", sessionID, errdefs.ErrSessionComplete)
	}
	history, err := e.ledger.Checkpoints(sessionID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}

	res, err := e.builder.Record(ctx, checkpoint.Request{
		SessionID: sessionID,
		Component: component,
		Touched:   touched,
		History:   history,
		Cache:     e.anchors,
		Progress:  progress,
	})
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if err := e.ledger.Append(res.Checkpoint); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if res.Checkpoint.IsAnchor {
		if err := e.anchors.Store(sessionID, res.Checkpoint.Sequence, res.State); err != nil {
			e.warn(sessionID, "anchor cache write failed", err)
		}
	}

	e.emit(events.Event{
		Kind:       events.CheckpointWritten,
		Session:    sessionID,
		Checkpoint: res.Checkpoint.ID,
		Sequence:   res.Checkpoint.Sequence,
		Bytes:      res.Checkpoint.DeltaSize,
		Message:    component,
	})
	return res.Checkpoint, nil
}

// CompleteSession closes a session with the installation's outcome. A
// completed session accepts no further checkpoints.
func (e *Engine) CompleteSession(sessionID string, outcome checkpoint.Outcome) (checkpoint.Session, error) {
	release, err := e.acquire("complete session")
	if err != nil {
		return checkpoint.Session{}, err
	}
	defer release()

	switch outcome {
	case checkpoint.OutcomeSucceeded, checkpoint.OutcomeFailed, checkpoint.OutcomeAborted:
	default:
		return checkpoint.Session{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	s, err := e.ledger.Complete(sessionID, outcome)
	if err != nil {
		return checkpoint.Session{}, err
	}
	e.emit(events.Event{Kind: events.SessionCompleted, Session: sessionID, Message: string(outcome)})
	return s, nil
}
