package executor

import (
	"strings"
	"time"
)

// StreamBuffer accumulates streamed chunks and decides when enough time
// has passed to flush them to persistence and observers. Flushing on
// every chunk would hammer the store with sub-word writes; the buffer
// debounces them to a configured interval.
//
// The first flush request is always due, so observers see the start of a
// response immediately instead of one interval late.
//
// StreamBuffer is not safe for concurrent use; each activation owns its
// buffers on a single goroutine.
type StreamBuffer struct {
	interval  time.Duration
	now       func() time.Time
	pending   strings.Builder
	total     strings.Builder
	lastFlush time.Time
}

// NewStreamBuffer builds a buffer with the given flush interval.
func NewStreamBuffer(interval time.Duration) *StreamBuffer {
	return &StreamBuffer{interval: interval, now: time.Now}
}

// newStreamBufferAt is the test constructor with an injectable clock.
func newStreamBufferAt(interval time.Duration, now func() time.Time) *StreamBuffer {
	return &StreamBuffer{interval: interval, now: now}
}

// Append adds a chunk to the buffer.
func (b *StreamBuffer) Append(chunk string) {
	b.pending.WriteString(chunk)
	b.total.WriteString(chunk)
}

// FlushIfDue returns the accumulated content and true when the interval
// has elapsed since the last flush (or no flush has happened yet) and
// there is pending data. Otherwise it returns "", false and keeps
// buffering.
func (b *StreamBuffer) FlushIfDue() (string, bool) {
	if b.pending.Len() == 0 {
		return "", false
	}
	now := b.now()
	if !b.lastFlush.IsZero() && now.Sub(b.lastFlush) < b.interval {
		return "", false
	}
	b.lastFlush = now
	out := b.pending.String()
	b.pending.Reset()
	return out, true
}

// FlushForce returns any pending content regardless of timing. Used at
// end of stream so the tail is never lost.
func (b *StreamBuffer) FlushForce() (string, bool) {
	if b.pending.Len() == 0 {
		return "", false
	}
	b.lastFlush = b.now()
	out := b.pending.String()
	b.pending.Reset()
	return out, true
}

// Total returns everything appended since creation.
func (b *StreamBuffer) Total() string { return b.total.String() }

// Pending returns the not-yet-flushed byte count.
func (b *StreamBuffer) Pending() int { return b.pending.Len() }
