// Package analysis supervises user-script child processes: one supervisor per
// analysis owns the child handle, its log pipeline and the restart policy.
package analysis

import "time"

// maxMemoryLogs bounds the in-memory ring per analysis.
const maxMemoryLogs = 100

// LogEntry is one captured output line. Sequence numbers are strictly
// increasing per analysis and let stream clients dedupe across reconnects.
type LogEntry struct {
	Time     time.Time `json:"time"`
	Msg      string    `json:"msg"`
	Level    string    `json:"level"`
	Sequence uint64    `json:"sequence"`
}

// logBuffer is a drop-oldest ring of the most recent entries. Not safe for
// concurrent use; the owning supervisor serializes access.
type logBuffer struct {
	buf   []LogEntry // circular buffer
	pos   int        // next write position
	total uint64     // total entries ever appended (may exceed cap)
}

func newLogBuffer() *logBuffer {
	return &logBuffer{buf: make([]LogEntry, 0, maxMemoryLogs)}
}

// append adds an entry, evicting the oldest when full. O(1) regardless of size.
func (b *logBuffer) append(e LogEntry) {
	if len(b.buf) < cap(b.buf) {
		b.buf = append(b.buf, e)
	} else {
		b.buf[b.pos] = e
	}
	b.pos = (b.pos + 1) % cap(b.buf)
	b.total++
}

// entries returns the buffered entries in order from oldest to newest.
func (b *logBuffer) entries() []LogEntry {
	n := len(b.buf)
	if n == 0 || b.pos == 0 {
		// Buffer is empty, partially filled, or pos just wrapped to 0 —
		// in all cases buf[:n] is already in order.
		return b.buf
	}
	// Buffer has wrapped: pos points to the oldest entry.
	out := make([]LogEntry, n)
	copy(out, b.buf[b.pos:])
	copy(out[n-b.pos:], b.buf[:b.pos])
	return out
}

// page returns one page over newest-first ordering. Page numbers start at 1.
func (b *logBuffer) page(page, limit int) (logs []LogEntry, hasMore bool, total uint64) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = maxMemoryLogs
	}
	ordered := b.entries()
	n := len(ordered)

	newest := make([]LogEntry, n)
	for i, e := range ordered {
		newest[n-1-i] = e
	}

	start := (page - 1) * limit
	if start >= n {
		return nil, false, b.total
	}
	end := start + limit
	if end > n {
		end = n
	}
	return newest[start:end], end < n, b.total
}

// preload seeds the ring with historical entries (oldest first) and sets the
// running total, used when replaying the log file at startup.
func (b *logBuffer) preload(entries []LogEntry, total uint64) {
	b.buf = b.buf[:0]
	b.pos = 0
	b.total = 0
	start := 0
	if len(entries) > maxMemoryLogs {
		start = len(entries) - maxMemoryLogs
	}
	for _, e := range entries[start:] {
		b.append(e)
	}
	b.total = total
}

// clear empties the ring and resets the running total.
func (b *logBuffer) clear() {
	b.buf = b.buf[:0]
	b.pos = 0
	b.total = 0
}
