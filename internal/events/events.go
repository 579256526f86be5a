// Package events carries supervisor status records from the worker loops to
// whoever is watching: the console, the journal, the dashboard and the HTTP
// bridge. Producers never block on consumers.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a Record.
type Kind string

const (
	KindWaiting   Kind = "waiting"
	KindStarted   Kind = "started"
	KindExited    Kind = "exited"
	KindCrashed   Kind = "crashed"
	KindOutput    Kind = "output"
	KindReadiness Kind = "readiness"
	KindStopped   Kind = "stopped"
)

// Record is one structured status line about a worker (or, for readiness
// records, about the fleet as a whole).
type Record struct {
	ID        string    `json:"id"`
	Worker    string    `json:"worker_name"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// New stamps a record with a fresh ID and the current UTC time.
func New(worker string, kind Kind, detail string) Record {
	return Record{
		ID:        uuid.NewString(),
		Worker:    worker,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Detail:    strings.TrimRight(detail, "\r\n"),
	}
}

// Critical reports whether the record should survive buffer overflow ahead
// of routine records.
func (r Record) Critical() bool {
	return r.Kind == KindCrashed || r.Kind == KindStopped || r.Kind == KindReadiness
}

// Sink receives records. Implementations must not block the caller for long.
type Sink interface {
	Emit(Record)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(Record)

// Emit executes f(r).
func (f SinkFunc) Emit(r Record) {
	if f != nil {
		f(r)
	}
}

// Discard drops every record.
var Discard Sink = SinkFunc(func(Record) {})

type multiSink []Sink

// Multi fans each record out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}

func (m multiSink) Emit(r Record) {
	for _, sink := range m {
		sink.Emit(r)
	}
}
