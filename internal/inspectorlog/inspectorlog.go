// Package inspectorlog implements Logs, the per-request ordered log
// sequence emitted alongside every Decision.
package inspectorlog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Level is a log severity: debug, info, warning, or error.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	default:
		return "error"
	}
}

// Entry is one log record: a level, a message, and a microsecond offset
// from the start of request processing.
type Entry struct {
	Level      Level
	Message    string
	OffsetMicros int64
}

// Logs accumulates Entry values for a single request's lifetime.
type Logs struct {
	CorrelationID string
	MinLevel      Level
	start         time.Time
	entries       []Entry
}

// New starts a Logs sequence with a fresh correlation id and the given
// minimum level; entries below MinLevel are dropped, not stored.
func New(minLevel Level) *Logs {
	return &Logs{CorrelationID: uuid.NewString(), MinLevel: minLevel, start: time.Now()}
}

// Add appends an entry at the current offset if level meets MinLevel.
func (l *Logs) Add(level Level, message string) {
	if level < l.MinLevel {
		return
	}
	l.entries = append(l.entries, Entry{
		Level:        level,
		Message:      message,
		OffsetMicros: time.Since(l.start).Microseconds(),
	})
}

func (l *Logs) Debugf(format string, args ...any)   { l.addf(Debug, format, args...) }
func (l *Logs) Infof(format string, args ...any)    { l.addf(Info, format, args...) }
func (l *Logs) Warningf(format string, args ...any) { l.addf(Warning, format, args...) }
func (l *Logs) Errorf(format string, args ...any)   { l.addf(Error, format, args...) }

func (l *Logs) addf(level Level, format string, args ...any) {
	if level < l.MinLevel {
		return
	}
	l.Add(level, fmt.Sprintf(format, args...))
}

// Entries returns the accumulated log entries in insertion order.
func (l *Logs) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

// Len reports how many entries have been recorded.
func (l *Logs) Len() int { return len(l.entries) }
