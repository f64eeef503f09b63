package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/systemshift/modckpt/internal/safefile"
)

// SlogSink writes events as structured log records.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(e Event) {
	level := slog.LevelInfo
	switch e.Kind {
	case RestoreProgress:
		level = slog.LevelDebug
	case Warning, RestoreFailed:
		level = slog.LevelWarn
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !logger.Enabled(context.Background(), level) {
		return
	}

	attrs := []slog.Attr{slog.String("kind", string(e.Kind))}
	if e.Session != "" {
		attrs = append(attrs, slog.String("session", e.Session))
	}
	if e.Checkpoint != "" {
		attrs = append(attrs, slog.String("checkpoint", e.Checkpoint))
	}
	if e.Sequence != 0 {
		attrs = append(attrs, slog.Int("sequence", e.Sequence))
	}
	if e.Path != "" {
		attrs = append(attrs, slog.String("path", e.Path))
	}
	if e.Total != 0 {
		attrs = append(attrs, slog.Int("done", e.Done), slog.Int("total", e.Total))
	}
	if e.Bytes != 0 {
		attrs = append(attrs, slog.Int64("bytes", e.Bytes))
	}
	if e.Err != "" {
		attrs = append(attrs, slog.String("error", e.Err))
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// JournalSink appends one JSON line per event to a file. Progress events are
// not journaled. Write failures are dropped: the journal is advisory.
type JournalSink struct {
	mu   sync.Mutex
	fsys afero.Fs
	path string
}

func NewJournalSink(fsys afero.Fs, path string) (*JournalSink, error) {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &JournalSink{fsys: fsys, path: path}, nil
}

func (j *JournalSink) Emit(e Event) {
	if e.Kind == RestoreProgress {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = safefile.Append(j.fsys, j.path, append(line, '\n'))
}
