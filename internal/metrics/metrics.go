// Package metrics exposes engine activity as Prometheus collectors, fed by
// the engine's event stream.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/systemshift/modckpt/internal/events"
)

// Key constants are exported primarily for documentation reasons.
const (
	CheckpointsTotalKey      = "modckpt_checkpoints_total"
	CheckpointBytesTotalKey  = "modckpt_checkpoint_bytes_total"
	SessionsTotalKey         = "modckpt_sessions_total"
	RestoresTotalKey         = "modckpt_restores_total"
	RestoredOpsTotalKey      = "modckpt_restored_ops_total"
	GCReclaimedObjectsKey    = "modckpt_gc_reclaimed_objects_total"
	GCReclaimedBytesTotalKey = "modckpt_gc_reclaimed_bytes_total"
	WarningsTotalKey         = "modckpt_warnings_total"
)

// Sink counts events into collectors registered on a Registerer.
type Sink struct {
	checkpoints     prometheus.Counter
	checkpointBytes prometheus.Counter
	sessions        *prometheus.CounterVec
	restores        *prometheus.CounterVec
	restoredOps     prometheus.Counter
	gcObjects       prometheus.Counter
	gcBytes         prometheus.Counter
	warnings        prometheus.Counter
}

// NewSink registers the engine collectors with reg.
func NewSink(reg prometheus.Registerer) *Sink {
	f := promauto.With(reg)
	return &Sink{
		checkpoints: f.NewCounter(prometheus.CounterOpts{
			Name: CheckpointsTotalKey,
			Help: "Cumulative number of checkpoints recorded.",
		}),
		checkpointBytes: f.NewCounter(prometheus.CounterOpts{
			Name: CheckpointBytesTotalKey,
			Help: "Cumulative bytes of new content stored by checkpoints.",
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: SessionsTotalKey,
			Help: "Cumulative number of session transitions.",
		}, []string{"status"}),
		restores: f.NewCounterVec(prometheus.CounterOpts{
			Name: RestoresTotalKey,
			Help: "Cumulative number of restores by result.",
		}, []string{"result"}),
		restoredOps: f.NewCounter(prometheus.CounterOpts{
			Name: RestoredOpsTotalKey,
			Help: "Cumulative number of file operations applied by restores.",
		}),
		gcObjects: f.NewCounter(prometheus.CounterOpts{
			Name: GCReclaimedObjectsKey,
			Help: "Cumulative number of objects reclaimed by garbage collection.",
		}),
		gcBytes: f.NewCounter(prometheus.CounterOpts{
			Name: GCReclaimedBytesTotalKey,
			Help: "Cumulative number of bytes reclaimed by garbage collection.",
		}),
		warnings: f.NewCounter(prometheus.CounterOpts{
			Name: WarningsTotalKey,
			Help: "Cumulative number of engine warnings.",
		}),
	}
}

func (s *Sink) Emit(e events.Event) {
	switch e.Kind {
	case events.SessionBegun:
		s.sessions.WithLabelValues("begun").Inc()
	case events.SessionCompleted:
		s.sessions.WithLabelValues("completed").Inc()
	case events.SessionDeleted:
		s.sessions.WithLabelValues("deleted").Inc()
	case events.CheckpointWritten:
		s.checkpoints.Inc()
		s.checkpointBytes.Add(float64(e.Bytes))
	case events.RestoreProgress:
		s.restoredOps.Inc()
	case events.RestoreFinished:
		s.restores.WithLabelValues("finished").Inc()
	case events.RestoreFailed:
		s.restores.WithLabelValues("failed").Inc()
	case events.RestoreAbandoned:
		s.restores.WithLabelValues("abandoned").Inc()
	case events.GCFinished:
		s.gcObjects.Add(float64(e.Done))
		s.gcBytes.Add(float64(e.Bytes))
	case events.Warning:
		s.warnings.Inc()
	}
}
