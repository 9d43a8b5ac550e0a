package analysis

import (
	"fmt"
	"testing"
	"time"
)

func fillBuffer(b *logBuffer, n int) {
	for i := 1; i <= n; i++ {
		b.append(LogEntry{
			Time:     time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
			Msg:      fmt.Sprintf("line %d", i),
			Level:    "info",
			Sequence: uint64(i),
		})
	}
}

func TestLogBufferDropsOldest(t *testing.T) {
	b := newLogBuffer()
	fillBuffer(b, maxMemoryLogs+10)

	entries := b.entries()
	if len(entries) != maxMemoryLogs {
		t.Fatalf("ring holds %d entries, want %d", len(entries), maxMemoryLogs)
	}
	if entries[0].Msg != "line 11" {
		t.Fatalf("oldest surviving entry = %q, want line 11", entries[0].Msg)
	}
	if entries[len(entries)-1].Msg != fmt.Sprintf("line %d", maxMemoryLogs+10) {
		t.Fatalf("newest entry = %q", entries[len(entries)-1].Msg)
	}
	if b.total != maxMemoryLogs+10 {
		t.Fatalf("total = %d, want %d", b.total, maxMemoryLogs+10)
	}
}

func TestLogBufferPagingNewestFirst(t *testing.T) {
	b := newLogBuffer()
	fillBuffer(b, 25)

	logs, hasMore, total := b.page(1, 10)
	if total != 25 {
		t.Fatalf("total = %d", total)
	}
	if len(logs) != 10 || logs[0].Msg != "line 25" || logs[9].Msg != "line 16" {
		t.Fatalf("page 1 wrong: first=%q last=%q", logs[0].Msg, logs[len(logs)-1].Msg)
	}
	if !hasMore {
		t.Fatal("page 1 of 25 should have more")
	}

	logs, hasMore, _ = b.page(3, 10)
	if len(logs) != 5 || logs[0].Msg != "line 5" || logs[4].Msg != "line 1" {
		t.Fatalf("page 3 wrong: %+v", logs)
	}
	if hasMore {
		t.Fatal("last page should not have more")
	}

	logs, hasMore, _ = b.page(4, 10)
	if logs != nil || hasMore {
		t.Fatalf("page past end should be empty, got %+v", logs)
	}
}

func TestLogBufferPreload(t *testing.T) {
	b := newLogBuffer()
	entries := make([]LogEntry, 150)
	for i := range entries {
		entries[i] = LogEntry{Msg: fmt.Sprintf("line %d", i+1), Sequence: uint64(i + 1)}
	}
	b.preload(entries, 150)

	if b.total != 150 {
		t.Fatalf("total = %d, want 150", b.total)
	}
	got := b.entries()
	if len(got) != maxMemoryLogs {
		t.Fatalf("ring holds %d, want %d", len(got), maxMemoryLogs)
	}
	if got[0].Msg != "line 51" || got[len(got)-1].Msg != "line 150" {
		t.Fatalf("preload kept wrong window: first=%q last=%q", got[0].Msg, got[len(got)-1].Msg)
	}
}

func TestLogBufferClear(t *testing.T) {
	b := newLogBuffer()
	fillBuffer(b, 5)
	b.clear()
	if len(b.entries()) != 0 || b.total != 0 {
		t.Fatalf("clear left entries=%d total=%d", len(b.entries()), b.total)
	}
	// Reusable after clear.
	fillBuffer(b, 2)
	if b.total != 2 {
		t.Fatalf("total after refill = %d", b.total)
	}
}
