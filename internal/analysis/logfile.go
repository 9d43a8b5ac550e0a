package analysis

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// MaxLogFileSize is the startup cap on a persisted log file. A file larger
// than this at initializeLogState is unlinked and replaced with a single
// synthetic entry; there is no mid-run rotation.
const MaxLogFileSize = 50 << 20

// SizeClearMessage is the synthetic entry written when the startup cap trips.
const SizeClearMessage = "logs cleared due to size"

// logFile is the append-only NDJSON log for one analysis. Not safe for
// concurrent use; the owning supervisor serializes access.
type logFile struct {
	path string
	f    *os.File
}

func openLogFile(path string) (*logFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &logFile{path: path, f: f}, nil
}

// appendEntry writes one NDJSON line. Write failures are the caller's to
// report; they must never reach the user script.
func (lf *logFile) appendEntry(e *LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	if _, err := lf.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

// truncate discards all persisted entries.
func (lf *logFile) truncate() error {
	if err := lf.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if _, err := lf.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind log file: %w", err)
	}
	return nil
}

func (lf *logFile) close() error {
	return lf.f.Close()
}

// loadLogState reads the persisted log for replay after a process restart.
// It returns the most recent entries (up to maxEntries, oldest first), the
// total line count, and whether the size cap unlinked the file. A missing
// file is not an error.
func loadLogState(path string, maxEntries int) (entries []LogEntry, total uint64, cleared bool, err error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("stat log file: %w", err)
	}

	if info.Size() > MaxLogFileSize {
		if err := os.Remove(path); err != nil {
			return nil, 0, false, fmt.Errorf("remove oversized log file: %w", err)
		}
		return nil, 0, true, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	ring := make([]LogEntry, 0, maxEntries)
	pos := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		total++
		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// Tolerate a corrupt line rather than losing the whole replay.
			e = LogEntry{Msg: string(line), Level: "info"}
		}
		if len(ring) < maxEntries {
			ring = append(ring, e)
		} else {
			ring[pos] = e
		}
		pos = (pos + 1) % maxEntries
	}
	if err := scanner.Err(); err != nil {
		// A line too long to be a real entry is corruption, same as bad
		// JSON above. Keep the entries read so far.
		if !errors.Is(err, bufio.ErrTooLong) {
			return nil, 0, false, fmt.Errorf("read log file: %w", err)
		}
	}

	if len(ring) == maxEntries && pos != 0 {
		ordered := make([]LogEntry, 0, maxEntries)
		ordered = append(ordered, ring[pos:]...)
		ordered = append(ordered, ring[:pos]...)
		ring = ordered
	}
	return ring, total, false, nil
}

// copyLogRange streams entries from the persisted log whose timestamps fall
// within [from, to] to w as NDJSON. Zero bounds are open-ended. A missing
// file streams nothing.
func copyLogRange(path string, w io.Writer, from, to time.Time) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !from.IsZero() || !to.IsZero() {
			var e LogEntry
			if err := json.Unmarshal(line, &e); err == nil {
				if !from.IsZero() && e.Time.Before(from) {
					continue
				}
				if !to.IsZero() && e.Time.After(to) {
					continue
				}
			}
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("write log range: %w", err)
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("write log range: %w", err)
		}
	}
	return scanner.Err()
}
