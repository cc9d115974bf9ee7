package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// LogDirName is the event log subdirectory under the project root.
const LogDirName = "events"

// logExt is the extension of daily partitions.
const logExt = ".jsonl"

// Log is the append-only, time-partitioned event log. One file per local
// date; each line is one JSON-encoded event. The daemon is the single
// writer; readers tail the files.
type Log struct {
	dir    string
	pub    Publisher
	logger *slog.Logger
	mu     sync.Mutex
}

// NewLog creates an event log rooted at dir (the events/ directory is
// created on first append). pub may be nil; when set, every appended
// event is also published for live observers.
func NewLog(root string, pub Publisher, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		dir:    filepath.Join(root, LogDirName),
		pub:    pub,
		logger: logger,
	}
}

// Dir returns the directory holding the daily partitions.
func (l *Log) Dir() string {
	return l.dir
}

// Append writes the event to today's partition and publishes it.
// Append failures are logged but never abort the caller's operation;
// the log is best-effort, the task record is the source of truth.
func (l *Log) Append(e Event) error {
	if l.pub != nil {
		l.pub.Publish(e)
	}

	data, err := json.Marshal(e)
	if err != nil {
		l.logger.Error("marshal event failed", "type", e.Type, "error", err)
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		l.logger.Error("create events directory failed", "error", err)
		return fmt.Errorf("create events dir: %w", err)
	}

	path := filepath.Join(l.dir, e.Timestamp.Local().Format("2006-01-02")+logExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		l.logger.Error("open event partition failed", "path", path, "error", err)
		return fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.logger.Error("append event failed", "path", path, "error", err)
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ReadDate returns all events from the partition for the given date
// (format 2006-01-02). A missing partition yields an empty slice.
// Malformed lines are skipped.
func (l *Log) ReadDate(date string) ([]Event, error) {
	path := filepath.Join(l.dir, date+logExt)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			l.logger.Warn("skipping malformed event line", "path", path, "error", err)
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan partition: %w", err)
	}
	return out, nil
}

// Tail returns the last n events across partitions, newest partition
// last. Consumers scan; there is no index.
func (l *Log) Tail(n int) ([]Event, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read events dir: %w", err)
	}

	var dates []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != logExt {
			continue
		}
		dates = append(dates, name[:len(name)-len(logExt)])
	}
	sort.Strings(dates)

	var out []Event
	// Walk newest partitions first until we have enough
	for i := len(dates) - 1; i >= 0 && len(out) < n; i-- {
		evs, err := l.ReadDate(dates[i])
		if err != nil {
			return nil, err
		}
		out = append(evs, out...)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}
