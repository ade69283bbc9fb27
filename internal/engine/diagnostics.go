package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/1ureka/duet/internal/util"
)

// Fields carries the details of a diagnostic event.
type Fields map[string]any

// Diagnostics receives named engine events. Implementations must be safe
// for concurrent use; Cleanup may report from any goroutine.
type Diagnostics interface {
	Event(name string, fields Fields)
}

// DiagnosticsFunc adapts a function to Diagnostics.
type DiagnosticsFunc func(name string, fields Fields)

func (f DiagnosticsFunc) Event(name string, fields Fields) { f(name, fields) }

type logDiagnostics struct {
	log util.Scoped
}

func (d logDiagnostics) Event(name string, fields Fields) {
	if len(fields) == 0 {
		d.log.Debugf("%s", name)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	d.log.Debugf("%s %s", name, strings.Join(parts, " "))
}

// Recorder keeps every event in memory. It is meant for tests and
// interactive inspection.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

type RecordedEvent struct {
	Name   string
	Fields Fields
}

func (r *Recorder) Event(name string, fields Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Name: name, Fields: maps.Clone(fields)})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Count returns how many events named name were recorded.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
