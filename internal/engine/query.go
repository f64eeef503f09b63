package engine

import (
	"context"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/store"
)

// CheckpointView is a checkpoint as a UI lists it.
type CheckpointView struct {
	checkpoint.Checkpoint
	// Baseline marks the pre-installation capture; UIs commonly hide it.
	Baseline bool `json:"baseline"`
	// Current marks the checkpoint the target last matched.
	Current bool `json:"current"`
	// Superseded marks checkpoints after Current, undone by a restore.
	Superseded bool `json:"superseded"`
}

// Usage reports the engine's disk footprint.
type Usage struct {
	Store       store.Usage `json:"store" yaml:"store"`
	Sessions    int         `json:"sessions" yaml:"sessions"`
	Checkpoints int         `json:"checkpoints" yaml:"checkpoints"`
}

// ListSessions returns every session, most recent first.
func (e *Engine) ListSessions() []checkpoint.Session {
	return e.ledger.Sessions()
}

// Session returns one session.
func (e *Engine) Session(sessionID string) (checkpoint.Session, error) {
	return e.ledger.Session(sessionID)
}

// ListCheckpoints returns a session's checkpoints in sequence order.
func (e *Engine) ListCheckpoints(sessionID string) ([]CheckpointView, error) {
	s, err := e.ledger.Session(sessionID)
	if err != nil {
		return nil, err
	}
	cps, err := e.ledger.Checkpoints(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]CheckpointView, len(cps))
	for i, cp := range cps {
		out[i] = CheckpointView{
			Checkpoint: cp,
			Baseline:   cp.IsBaseline(),
			Current:    cp.Sequence == s.Current,
			Superseded: cp.Sequence > s.Current,
		}
	}
	return out, nil
}

// Checkpoint resolves a checkpoint of a session by ID or sequence number.
func (e *Engine) Checkpoint(sessionID, ref string) (checkpoint.Checkpoint, error) {
	return e.ledger.Checkpoint(sessionID, ref)
}

// StateAt returns the full file view at a checkpoint.
func (e *Engine) StateAt(sessionID, ref string) (checkpoint.State, error) {
	cp, err := e.ledger.Checkpoint(sessionID, ref)
	if err != nil {
		return nil, err
	}
	history, err := e.ledger.Checkpoints(sessionID)
	if err != nil {
		return nil, err
	}
	return checkpoint.StateAt(history, cp.Sequence, e.anchors)
}

// ReadObject returns the verified content of a blob.
func (e *Engine) ReadObject(k store.Key) ([]byte, error) {
	return e.store.Get(k)
}

// Diff compares the live target with the state at a checkpoint. paths may
// name files or directories; empty means every path the session manages.
// An empty result means the target matches the checkpoint over those paths.
func (e *Engine) Diff(ctx context.Context, sessionID, ref string, paths []string) (checkpoint.Delta, error) {
	st, err := e.StateAt(sessionID, ref)
	if err != nil {
		return checkpoint.Delta{}, err
	}
	var scope []string
	if len(paths) == 0 {
		history, err := e.ledger.Checkpoints(sessionID)
		if err != nil {
			return checkpoint.Delta{}, err
		}
		scope = checkpoint.Scope(history)
	} else {
		scope, err = e.builder.Expand(st, paths)
		if err != nil {
			return checkpoint.Delta{}, err
		}
	}
	live, err := e.builder.Snapshot(ctx, scope)
	if err != nil {
		return checkpoint.Delta{}, err
	}
	return checkpoint.Diff(st, live, scope), nil
}

// Usage counts stored objects and recorded checkpoints.
func (e *Engine) Usage() (Usage, error) {
	su, err := e.store.Usage()
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Store: su}
	for _, s := range e.ledger.Sessions() {
		u.Sessions++
		u.Checkpoints += len(s.Checkpoints)
	}
	return u, nil
}
