// Package logbuf keeps the daemon's recent log entries in memory so they can
// be queried over the API, per ticket or per component.
package logbuf

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is a single log entry captured from slog. Ticket and Component are
// lifted out of the attributes so they can be filtered cheaply.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Ticket    string         `json:"ticket,omitempty"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Since     time.Time
	MinLevel  slog.Level
	Ticket    string
	Component string
	// Limit keeps the newest Limit matches when > 0.
	Limit int
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int
}

// New creates a new ring buffer that holds up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write appends an entry to the ring buffer.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	b.entries[b.pos] = e
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Query returns entries matching f, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := []Entry{}

	// Walk the ring buffer oldest-first
	start := 0
	if b.count == b.size {
		start = b.pos
	}
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if ParseLevel(e.Level) < f.MinLevel {
			continue
		}
		if f.Ticket != "" && e.Ticket != f.Ticket {
			continue
		}
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		result = append(result, e)
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

// ParseLevel converts a level name to slog.Level. Unknown names are INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
