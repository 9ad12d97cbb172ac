// Package ring holds a bounded, concurrency-safe ring of log lines.
// Used to retain the tail of a child process's stderr for diagnostics.
package ring

import "sync"

// Buffer keeps the most recent max lines appended to it.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// New returns a buffer retaining up to max lines. A non-positive max
// defaults to 20.
func New(max int) *Buffer {
	if max <= 0 {
		max = 20
	}
	return &Buffer{max: max}
}

// Append adds a line, discarding the oldest when full.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

// Lines returns a copy of the retained lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
