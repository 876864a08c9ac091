// Package batcher coalesces producer output into bounded batches.
//
// Lines are queued as they arrive and flushed by a single timer: the timer
// is armed when the queue goes from empty to non-empty, each firing sends at
// most MaxLines lines, and the timer re-arms while lines remain. Under
// sustained input this yields one batch per interval, each capped in size.
package batcher

import (
	"log"
	"strings"
	"sync"
	"time"
)

const (
	DefaultInterval = 50 * time.Millisecond
	DefaultMaxLines = 100
)

// Sink receives flushed batches. Open reports whether the transport can
// currently accept a message; a batch flushed while closed is dropped.
type Sink interface {
	Open() bool
	Send(lines []string) error
}

// Options configures a Batcher.
type Options struct {
	Sink     Sink
	Interval time.Duration
	MaxLines int
	Logger   *log.Logger
	Debug    bool
}

// Stats are cumulative line counters.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Batcher is safe for concurrent use.
type Batcher struct {
	sink     Sink
	interval time.Duration
	max      int
	log      *log.Logger
	debug    bool

	mu      sync.Mutex
	queue   []string
	pending bool
	timer   *time.Timer
	closed  bool
	stats   Stats
}

// New creates a batcher. Zero Interval or MaxLines select the defaults.
func New(opts Options) *Batcher {
	b := &Batcher{
		sink:     opts.Sink,
		interval: opts.Interval,
		max:      opts.MaxLines,
		log:      opts.Logger,
		debug:    opts.Debug,
	}
	if b.interval <= 0 {
		b.interval = DefaultInterval
	}
	if b.max <= 0 {
		b.max = DefaultMaxLines
	}
	if b.log == nil {
		b.log = log.Default()
	}
	return b
}

// Add splits chunk into lines and queues the non-blank ones. A trailing
// carriage return is stripped from each line.
func (b *Batcher) Add(chunk string) {
	lines := splitLines(chunk)
	if len(lines) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, lines...)
	b.stats.Queued += uint64(len(lines))
	if !b.pending {
		b.pending = true
		b.timer = time.AfterFunc(b.interval, b.flush)
	}
}

// Reset discards queued lines without closing the batcher. A flush already
// scheduled still runs and finds whatever is queued by then.
func (b *Batcher) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Dropped += uint64(len(b.queue))
	b.queue = nil
}

// Close cancels the pending flush and discards the queue. Later calls to
// Add are ignored. Queued lines are not flushed.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.pending = false
	b.stats.Dropped += uint64(len(b.queue))
	b.queue = nil
}

// Stats returns a snapshot of the counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.queue)
	return s
}

// flush runs on the timer goroutine. pending stays set for its whole
// duration so Add cannot arm a second timer while a send is in progress.
func (b *Batcher) flush() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	n := len(b.queue)
	if n > b.max {
		n = b.max
	}
	batch := make([]string, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	b.mu.Unlock()

	sent := false
	if n > 0 {
		if b.sink.Open() {
			if err := b.sink.Send(batch); err != nil {
				b.log.Printf("batcher: send %d lines: %v", n, err)
			} else {
				sent = true
				if b.debug {
					b.log.Printf("batcher: flushed %d lines", n)
				}
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 {
		if sent {
			b.stats.Sent += uint64(n)
			b.stats.Batches++
		} else {
			b.stats.Dropped += uint64(n)
		}
	}
	if b.closed {
		return
	}
	if len(b.queue) > 0 {
		b.timer = time.AfterFunc(b.interval, b.flush)
		return
	}
	b.pending = false
}

func splitLines(chunk string) []string {
	var out []string
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
