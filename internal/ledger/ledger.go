// Package ledger persists sessions and their ordered checkpoint records.
// Each session lives in its own file under sessions/, rewritten whole on
// every mutation through the stage-then-rename discipline, so a crash leaves
// either the old record or the new one.
package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/safefile"
)

const recordVersion = 1

// record is the on-disk format of one session file.
type record struct {
	V           int                     `json:"v"`
	Session     checkpoint.Session      `json:"session"`
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
}

// Ledger is the durable index of sessions. It is safe for concurrent use.
type Ledger struct {
	fsys afero.Fs
	dir  string
	Now  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*record
}

// New opens the ledger stored in dir, loading every session record.
func New(fsys afero.Fs, dir string) (*Ledger, error) {
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	l := &Ledger{fsys: fsys, dir: dir, sessions: make(map[string]*record)}

	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || safefile.IsTemp(e.Name()) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := afero.ReadFile(fsys, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read session %s: %w", e.Name(), err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", e.Name(), err)
		}
		if rec.V != recordVersion {
			return nil, fmt.Errorf("session %s: unsupported record version %d", e.Name(), rec.V)
		}
		l.sessions[rec.Session.ID] = &rec
	}
	return l, nil
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Ledger) path(sessionID string) string {
	return filepath.Join(l.dir, sessionID+".json")
}

// write persists rec as indented JSON. The caller holds the write lock and
// swaps rec into memory only after write returns nil.
func (l *Ledger) write(rec *record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", rec.Session.ID, err)
	}
	if err := safefile.Write(l.fsys, l.path(rec.Session.ID), data, 0644); err != nil {
		return errdefs.WriteFailed("write session", rec.Session.ID, err)
	}
	return nil
}

func (l *Ledger) get(sessionID string) (*record, error) {
	rec, ok := l.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrSessionNotFound)
	}
	return rec, nil
}

// clone deep-copies a record so that a failed write never leaks into memory.
func (r *record) clone() *record {
	out := &record{V: r.V, Session: r.Session.Clone(), Checkpoints: make([]checkpoint.Checkpoint, len(r.Checkpoints))}
	for i, cp := range r.Checkpoints {
		out.Checkpoints[i] = cp.Clone()
	}
	return out
}

// Begin creates a session whose first checkpoint is baseline. The session
// takes its ID from baseline.SessionID. An empty name is replaced by a
// generated one.
func (l *Ledger) Begin(name string, scope []string, baseline checkpoint.Checkpoint) (checkpoint.Session, error) {
	if baseline.Sequence != 1 {
		return checkpoint.Session{}, fmt.Errorf("baseline has sequence %d: %w", baseline.Sequence, errdefs.ErrSequenceViolation)
	}
	id := baseline.SessionID
	if id == "" {
		return checkpoint.Session{}, fmt.Errorf("baseline has no session id")
	}
	if name == "" {
		name = SessionName(id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[id]; ok {
		return checkpoint.Session{}, fmt.Errorf("session %s already exists", id)
	}
	rec := &record{
		V: recordVersion,
		Session: checkpoint.Session{
			ID:          id,
			Name:        name,
			StartTime:   l.now(),
			Scope:       slices.Clone(scope),
			Checkpoints: []string{baseline.ID},
			Current:     1,
		},
		Checkpoints: []checkpoint.Checkpoint{baseline.Clone()},
	}
	if err := l.write(rec); err != nil {
		return checkpoint.Session{}, err
	}
	l.sessions[id] = rec
	return rec.Session.Clone(), nil
}

// Append adds cp as the next checkpoint of its session. The sequence must be
// exactly one past the last recorded checkpoint.
func (l *Ledger) Append(cp checkpoint.Checkpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.get(cp.SessionID)
	if err != nil {
		return err
	}
	if cur.Session.Complete {
		return fmt.Errorf("session %s: %w", cp.SessionID, errdefs.ErrSessionComplete)
	}
	if want := len(cur.Checkpoints) + 1; cp.Sequence != want {
		return fmt.Errorf("session %s: got sequence %d, want %d: %w", cp.SessionID, cp.Sequence, want, errdefs.ErrSequenceViolation)
	}
	rec := cur.clone()
	rec.Checkpoints = append(rec.Checkpoints, cp.Clone())
	rec.Session.Checkpoints = append(rec.Session.Checkpoints, cp.ID)
	rec.Session.Current = cp.Sequence
	if err := l.write(rec); err != nil {
		return err
	}
	l.sessions[cp.SessionID] = rec
	return nil
}

// Complete closes a session with the given outcome. Completing a closed
// session fails with ErrSessionComplete.
func (l *Ledger) Complete(sessionID string, outcome checkpoint.Outcome) (checkpoint.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.get(sessionID)
	if err != nil {
		return checkpoint.Session{}, err
	}
	if cur.Session.Complete {
		return checkpoint.Session{}, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrSessionComplete)
	}
	rec := cur.clone()
	end := l.now()
	rec.Session.Complete = true
	rec.Session.EndTime = &end
	rec.Session.Outcome = outcome
	if err := l.write(rec); err != nil {
		return checkpoint.Session{}, err
	}
	l.sessions[sessionID] = rec
	return rec.Session.Clone(), nil
}

// SetCurrent records that the target now matches checkpoint seq.
func (l *Ledger) SetCurrent(sessionID string, seq int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.get(sessionID)
	if err != nil {
		return err
	}
	if seq < 1 || seq > len(cur.Checkpoints) {
		return fmt.Errorf("session %s sequence %d: %w", sessionID, seq, errdefs.ErrCheckpointNotFound)
	}
	if cur.Session.Current == seq {
		return nil
	}
	rec := cur.clone()
	rec.Session.Current = seq
	if err := l.write(rec); err != nil {
		return err
	}
	l.sessions[sessionID] = rec
	return nil
}

// Session returns one session.
func (l *Ledger) Session(sessionID string) (checkpoint.Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, err := l.get(sessionID)
	if err != nil {
		return checkpoint.Session{}, err
	}
	return rec.Session.Clone(), nil
}

// Sessions returns every session, most recently started first.
func (l *Ledger) Sessions() []checkpoint.Session {
	l.mu.RLock()
	out := make([]checkpoint.Session, 0, len(l.sessions))
	for _, rec := range l.sessions {
		out = append(out, rec.Session.Clone())
	}
	l.mu.RUnlock()

	slices.SortFunc(out, func(a, b checkpoint.Session) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Checkpoints returns a session's checkpoints in sequence order.
func (l *Ledger) Checkpoints(sessionID string) ([]checkpoint.Checkpoint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, err := l.get(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]checkpoint.Checkpoint, len(rec.Checkpoints))
	for i, cp := range rec.Checkpoints {
		out[i] = cp.Clone()
	}
	return out, nil
}

// Checkpoint looks up a checkpoint of a session by ID or by decimal
// sequence number.
func (l *Ledger) Checkpoint(sessionID, ref string) (checkpoint.Checkpoint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, err := l.get(sessionID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	for _, cp := range rec.Checkpoints {
		if cp.ID == ref {
			return cp.Clone(), nil
		}
	}
	if seq, err := strconv.Atoi(ref); err == nil && seq >= 1 && seq <= len(rec.Checkpoints) {
		return rec.Checkpoints[seq-1].Clone(), nil
	}
	return checkpoint.Checkpoint{}, fmt.Errorf("session %s checkpoint %s: %w", sessionID, ref, errdefs.ErrCheckpointNotFound)
}

// Open returns the incomplete session, if any.
func (l *Ledger) Open() (checkpoint.Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, rec := range l.sessions {
		if !rec.Session.Complete {
			return rec.Session.Clone(), true
		}
	}
	return checkpoint.Session{}, false
}

// Delete removes a session record. Its blobs become unreferenced and are
// reclaimed by the next collection.
func (l *Ledger) Delete(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.get(sessionID); err != nil {
		return err
	}
	if err := l.fsys.Remove(l.path(sessionID)); err != nil {
		return errdefs.WriteFailed("delete session", sessionID, err)
	}
	delete(l.sessions, sessionID)
	return nil
}
