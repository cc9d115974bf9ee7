package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aofdev/aof/internal/config"
	"github.com/aofdev/aof/internal/db"
	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/lock"
	"github.com/aofdev/aof/internal/util"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.PollInterval = util.Duration(50 * time.Millisecond)
	return cfg
}

func TestRunStopsCleanly(t *testing.T) {
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	d, err := New(root, testConfig(), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	// At least one tick completed and was archived
	assert.False(t, d.LastPoll().IsZero())
	stats, err := db.OpenStats(filepath.Join(root, config.AofDir, db.StatsFileName))
	require.NoError(t, err)
	defer stats.Close()
	recent, err := stats.Recent(5)
	require.NoError(t, err)
	assert.NotEmpty(t, recent)

	// The PID file is released on shutdown
	_, err = os.Stat(filepath.Join(root, config.AofDir, lock.PIDFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestNewRefusesOccupiedDataDir(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, config.AofDir)
	guard := lock.NewPIDGuard(dataDir)
	require.NoError(t, guard.Acquire())
	defer guard.Release()

	_, err := New(root, testConfig(), slog.Default())
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeAlreadyRunning))
}
