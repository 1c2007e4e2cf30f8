// Package events defines the sink contract used to report asynchronous node
// faults (child-process crashes) to the layer above, which no caller is
// synchronously waiting on.
package events

import (
	"log/slog"
	"sync"
)

// Kind classifies an emitted event.
type Kind string

const (
	// KindLogError marks an error-level diagnostic, such as a child process
	// exiting with a non-zero code.
	KindLogError Kind = "log.error"
	// KindLogWarning marks a warning-level diagnostic.
	KindLogWarning Kind = "log.warning"
)

// Sink receives node events. Implementations must be safe for concurrent use:
// the termination watcher emits from its own goroutine.
type Sink interface {
	Emit(kind Kind, payload map[string]any)
}

// LogSink forwards events to a slog logger. The zero value is not usable;
// construct with NewLogSink.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a Sink backed by the given logger.
// If logger is nil, slog.Default() is used.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

// Emit logs the event at a level matching its kind.
func (s *LogSink) Emit(kind Kind, payload map[string]any) {
	attrs := make([]any, 0, 2*len(payload))
	for k, v := range payload {
		attrs = append(attrs, k, v)
	}
	switch kind {
	case KindLogError:
		s.log.Error("node event", attrs...)
	case KindLogWarning:
		s.log.Warn("node event", attrs...)
	default:
		s.log.Info("node event", attrs...)
	}
}

// Recorded is one captured event.
type Recorded struct {
	Kind    Kind
	Payload map[string]any
}

// Recorder is a Sink that stores every emitted event, for tests and for
// callers that drain diagnostics themselves.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Emit appends the event to the recorder.
func (r *Recorder) Emit(kind Kind, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Kind: kind, Payload: payload})
}

// Events returns a copy of all recorded events in emission order.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}
