// Package db archives scheduler poll stats in a sqlite database so
// `aof metrics` can show dispatch history without replaying the event
// log.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aofdev/aof/internal/scheduler"
)

// StatsFileName is the database file under the project root.
const StatsFileName = "stats.db"

const schema = `
CREATE TABLE IF NOT EXISTS poll_stats (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	at              TEXT    NOT NULL,
	planned         INTEGER NOT NULL,
	executed        INTEGER NOT NULL,
	failed          INTEGER NOT NULL,
	reason          TEXT    NOT NULL DEFAULT '',
	dry_run         INTEGER NOT NULL DEFAULT 0,
	ready           INTEGER NOT NULL,
	in_progress     INTEGER NOT NULL,
	platform_limit  INTEGER NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_poll_stats_at ON poll_stats(at);
`

// Stats is the sqlite-backed poll archive.
type Stats struct {
	db *sql.DB
}

// OpenStats opens (and migrates) the stats database at path.
func OpenStats(path string) (*Stats, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	// The daemon is the only writer; one connection avoids sqlite
	// locking surprises.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate stats db: %w", err)
	}
	return &Stats{db: db}, nil
}

// RecordPoll implements scheduler.StatsRecorder.
func (s *Stats) RecordPoll(stats scheduler.PollStats) error {
	_, err := s.db.Exec(`
		INSERT INTO poll_stats
			(at, planned, executed, failed, reason, dry_run, ready, in_progress, platform_limit, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stats.At.UTC().Format(time.RFC3339Nano),
		stats.Planned,
		stats.Executed,
		stats.Failed,
		stats.Reason,
		boolToInt(stats.DryRun),
		stats.Ready,
		stats.InProgress,
		stats.PlatformLimit,
		stats.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record poll stats: %w", err)
	}
	return nil
}

// Recent returns the latest n polls, newest first.
func (s *Stats) Recent(n int) ([]scheduler.PollStats, error) {
	rows, err := s.db.Query(`
		SELECT at, planned, executed, failed, reason, dry_run, ready, in_progress, platform_limit, duration_ms
		FROM poll_stats ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query poll stats: %w", err)
	}
	defer rows.Close()

	var out []scheduler.PollStats
	for rows.Next() {
		var (
			at         string
			stats      scheduler.PollStats
			dryRun     int
			durationMs int64
		)
		if err := rows.Scan(&at, &stats.Planned, &stats.Executed, &stats.Failed,
			&stats.Reason, &dryRun, &stats.Ready, &stats.InProgress,
			&stats.PlatformLimit, &durationMs); err != nil {
			return nil, fmt.Errorf("scan poll stats: %w", err)
		}
		stats.At, _ = time.Parse(time.RFC3339Nano, at)
		stats.DryRun = dryRun != 0
		stats.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, stats)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Stats) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
