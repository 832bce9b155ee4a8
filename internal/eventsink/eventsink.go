// Package eventsink implements the connection-lifecycle logging contract
// from spec.md §9's external interfaces: a place for session connect,
// register, and disconnect events to land, independent of the server's own
// structured logging. It replaces the teacher's internal/audit package
// (which wrote PocketBase-backed audit records attributed to a user), since
// this system has no authenticated-user concept to attribute events to.
package eventsink

import (
	"time"

	"github.com/rs/zerolog"
)

// EventKind names a lifecycle event on a tunnel session.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventRegistered   EventKind = "registered"
	EventDisconnected EventKind = "disconnected"
	EventEvicted      EventKind = "evicted_idle"
)

// Event is one connection-lifecycle record.
type Event struct {
	Kind       EventKind
	ClientID   string
	RemoteAddr string
	PublicPort int
	At         time.Time
	Detail     string
}

// Sink receives connection-lifecycle events. The default implementation
// writes them through zerolog; a test double can instead collect them for
// assertions.
type Sink interface {
	Record(Event)
}

// LogSink writes events as structured log lines, grounded on the teacher's
// consistent use of zerolog across internal/server and internal/worker for
// anything observability-related.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a Sink that logs through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record emits ev as one structured log line at info level, or warn for
// an eviction (an operationally notable event, not just routine traffic).
func (s *LogSink) Record(ev Event) {
	level := s.logger.Info()
	if ev.Kind == EventEvicted {
		level = s.logger.Warn()
	}
	level.
		Str("event", string(ev.Kind)).
		Str("client_id", ev.ClientID).
		Str("remote_addr", ev.RemoteAddr).
		Int("public_port", ev.PublicPort).
		Str("detail", ev.Detail).
		Time("at", ev.At).
		Msg("tunnel session event")
}
