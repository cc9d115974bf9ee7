package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aofdev/aof/internal/scheduler"
)

func TestRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), StatsFileName)
	s, err := OpenStats(path)
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordPoll(scheduler.PollStats{
			At:         base.Add(time.Duration(i) * 10 * time.Second),
			Planned:    i + 1,
			Executed:   i,
			Ready:      5,
			InProgress: 2,
			Duration:   12 * time.Millisecond,
		}))
	}

	got, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first
	assert.Equal(t, 3, got[0].Planned)
	assert.Equal(t, 2, got[1].Planned)
	assert.Equal(t, base.Add(20*time.Second), got[0].At)
	assert.Equal(t, 12*time.Millisecond, got[0].Duration)
}

func TestOpenStatsIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), StatsFileName)
	s1, err := OpenStats(path)
	require.NoError(t, err)
	require.NoError(t, s1.RecordPoll(scheduler.PollStats{At: time.Now().UTC(), Reason: "dry_run_mode", DryRun: true}))
	require.NoError(t, s1.Close())

	// Re-opening migrates without clobbering data
	s2, err := OpenStats(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].DryRun)
	assert.Equal(t, "dry_run_mode", got[0].Reason)
}
