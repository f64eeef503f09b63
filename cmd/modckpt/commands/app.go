// Package commands implements the modckpt subcommands.
package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/config"
	"github.com/systemshift/modckpt/internal/engine"
	"github.com/systemshift/modckpt/internal/errdefs"
	"github.com/systemshift/modckpt/internal/events"
	"github.com/systemshift/modckpt/internal/logging"
	"github.com/systemshift/modckpt/internal/metrics"
)

// JournalFile is the event journal inside the engine directory.
const JournalFile = "events.jsonl"

// App holds the global flags shared by every subcommand.
type App struct {
	Target     string
	ConfigPath string
	Output     string
}

// session is an open engine plus the plumbing that reports on it.
type session struct {
	*engine.Engine
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
}

// searchDirs lists where config.yaml is looked up, most specific first.
func (a *App) searchDirs() []string {
	dirs := []string{filepath.Join(a.Target, checkpoint.ReservedDir)}
	if d, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(d, "modckpt"))
	}
	return dirs
}

// open loads configuration and opens the engine for the target directory.
func (a *App) open(cmd *cobra.Command) (*session, error) {
	cfg, err := config.LoadConfig(a.ConfigPath, a.searchDirs()...)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	opts, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	sinks := events.Multi{events.SlogSink{Logger: logger}, metrics.NewSink(registry)}
	if cfg.Journal.Enabled {
		path := filepath.Join(a.Target, checkpoint.ReservedDir, JournalFile)
		journal, err := events.NewJournalSink(afero.NewOsFs(), path)
		if err != nil {
			logger.Warn("event journal disabled", "path", path, "error", err)
		} else {
			sinks = append(sinks, journal)
		}
	}
	opts.Sink = sinks

	eng, err := engine.Open(a.Target, opts)
	if err != nil {
		return nil, err
	}
	return &session{Engine: eng, cfg: cfg, logger: logger, registry: registry}, nil
}

// Close releases the engine and flushes metrics to the textfile, if one is
// configured.
func (s *session) Close() error {
	err := s.Engine.Close()
	if path := s.cfg.Metrics.Textfile; path != "" {
		if werr := prometheus.WriteToTextfile(path, s.registry); werr != nil {
			s.logger.Warn("write metrics textfile", "path", path, "error", werr)
		}
	}
	return err
}

// withEngine opens the engine, runs fn and closes it.
func (a *App) withEngine(cmd *cobra.Command, fn func(*session) error) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// progressPrinter reports progress on w, overwriting one line.
func progressPrinter(w io.Writer, verb string) events.ProgressFunc {
	return func(p events.Progress) {
		if p.Total == 0 {
			return
		}
		fmt.Fprintf(w, "\r%s %d/%d", verb, p.Done, p.Total)
		if p.Done == p.Total {
			fmt.Fprintln(w)
		}
	}
}

// Hint returns a follow-up suggestion for well-known failures.
func Hint(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrRestoreIncomplete):
		return "A restore is pending: rerun it to resume, or run `modckpt restore abandon`."
	case errors.Is(err, errdefs.ErrEngineBusy):
		return "Another modckpt process holds this target, or a session is still recording."
	}
	return ""
}
