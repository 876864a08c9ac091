// Package history keeps the viewer's bounded, filterable window of parsed
// log entries.
//
// A Buffer retains at most Capacity entries in arrival order and evicts the
// oldest first. A two-dimensional filter (minimum level and a
// case-insensitive substring over tag and message) selects the visible
// view. Filtering never touches the retained entries; changing it rebuilds
// the view from the full history.
//
// A Buffer is owned by a single goroutine and is not safe for concurrent use.
package history

import "strings"

// DefaultCapacity is the history size used when none is configured.
const DefaultCapacity = 5000

// Delta describes how the visible view changed during Append: Added holds
// the newly visible entries in order, then Evicted entries were dropped
// from the front of the view. A renderer that mirrors the view applies
// Added first and Evicted second.
type Delta struct {
	Added   []LogEntry
	Evicted int
}

// Buffer is the bounded log history.
type Buffer struct {
	capacity int
	entries  []LogEntry
	visible  []LogEntry

	minLevel Level
	text     string // lowercased
}

// New creates an empty buffer. capacity < 1 selects DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Capacity returns the maximum number of retained entries.
func (b *Buffer) Capacity() int { return b.capacity }

// Len returns the number of retained entries.
func (b *Buffer) Len() int { return len(b.entries) }

// VisibleLen returns the number of entries in the current view.
func (b *Buffer) VisibleLen() int { return len(b.visible) }

// MinLevel returns the current level threshold.
func (b *Buffer) MinLevel() Level { return b.minLevel }

// Text returns the current (lowercased) text filter.
func (b *Buffer) Text() string { return b.text }

// Append parses lines, appends the resulting entries in order, and evicts
// the oldest entries beyond capacity.
func (b *Buffer) Append(lines []string) Delta {
	var d Delta
	for _, line := range lines {
		e, ok := ParseLine(line)
		if !ok {
			continue
		}
		b.entries = append(b.entries, e)
		if b.matches(e) {
			b.visible = append(b.visible, e)
			d.Added = append(d.Added, e)
		}
	}

	if over := len(b.entries) - b.capacity; over > 0 {
		for _, e := range b.entries[:over] {
			// The view is an ordered subsequence of entries, so a visible
			// evictee is always at the front of it.
			if b.matches(e) {
				b.visible = b.visible[1:]
				d.Evicted++
			}
		}
		b.entries = b.entries[over:]
	}
	return d
}

// Reset discards the whole history and view.
func (b *Buffer) Reset() {
	b.entries = nil
	b.visible = nil
}

// SetMinLevel changes the level threshold and rebuilds the view.
func (b *Buffer) SetMinLevel(l Level) {
	b.SetFilter(l, b.text)
}

// SetText changes the text filter and rebuilds the view. The empty string
// matches everything.
func (b *Buffer) SetText(text string) {
	b.SetFilter(b.minLevel, text)
}

// SetFilter changes both filter dimensions with a single rebuild.
func (b *Buffer) SetFilter(l Level, text string) {
	b.minLevel = l
	b.text = strings.ToLower(text)
	b.rebuild()
}

// View returns a copy of the visible entries in arrival order.
func (b *Buffer) View() []LogEntry {
	out := make([]LogEntry, len(b.visible))
	copy(out, b.visible)
	return out
}

// Entries returns a copy of all retained entries in arrival order.
func (b *Buffer) Entries() []LogEntry {
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *Buffer) rebuild() {
	b.visible = make([]LogEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if b.matches(e) {
			b.visible = append(b.visible, e)
		}
	}
}

func (b *Buffer) matches(e LogEntry) bool {
	if e.Level < b.minLevel {
		return false
	}
	if b.text == "" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Tag+" "+e.Message), b.text)
}
