// Package events carries progress reports and engine notifications to the
// outside world. The engine never logs directly; it emits Events to a Sink
// that the embedding application wires to logs, a journal, metrics, or a UI.
package events

import (
	"sync"
	"time"
)

// Kind names an engine event.
type Kind string

const (
	SessionBegun      Kind = "session_begun"
	CheckpointWritten Kind = "checkpoint_written"
	SessionCompleted  Kind = "session_completed"
	SessionDeleted    Kind = "session_deleted"
	RestoreStarted    Kind = "restore_started"
	RestoreResumed    Kind = "restore_resumed"
	RestoreProgress   Kind = "restore_progress"
	RestoreFinished   Kind = "restore_finished"
	RestoreFailed     Kind = "restore_failed"
	RestoreAbandoned  Kind = "restore_abandoned"
	GCFinished        Kind = "gc_finished"
	Warning           Kind = "warning"
)

// Event is an immutable notification about something the engine did.
type Event struct {
	Time       time.Time `json:"time"`
	Kind       Kind      `json:"kind"`
	Session    string    `json:"session,omitempty"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Sequence   int       `json:"sequence,omitempty"`
	Path       string    `json:"path,omitempty"`
	Done       int       `json:"done,omitempty"`
	Total      int       `json:"total,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	Message    string    `json:"message,omitempty"`
	Err        string    `json:"error,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use
// and must not block for long: Emit is called on the engine's write path.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Progress reports incremental work of a long-running operation.
type Progress struct {
	Op    string
	Done  int
	Total int
	Bytes int64
	Path  string
}

// ProgressFunc receives progress reports. A nil ProgressFunc is valid.
// Checkpoint recording reports from several workers at once, so
// implementations must be safe for concurrent use.
type ProgressFunc func(Progress)

// Report calls f if it is non-nil.
func (f ProgressFunc) Report(p Progress) {
	if f != nil {
		f(p)
	}
}

// Broadcaster delivers events to channel subscribers, the hook a UI layer
// uses to observe the engine. Slow subscribers lose events rather than
// stall the engine.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
