package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLifecycle(t *testing.T) *LifecycleManager {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	return NewLifecycleManager(&Daemon{config: cfg, logger: log})
}

func TestLifecycleManager(t *testing.T) {
	t.Run("should place the PID file in the data directory", func(t *testing.T) {
		lm := setupTestLifecycle(t)
		assert.Equal(t, filepath.Join(lm.daemon.config.DataDir, "conductor.pid"), lm.pidFile)
	})

	t.Run("should write and remove the PID file", func(t *testing.T) {
		lm := setupTestLifecycle(t)

		require.NoError(t, lm.Start())
		pid, err := ReadPID(lm.pidFile)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)

		require.NoError(t, lm.Stop())
		assert.NoFileExists(t, lm.pidFile)

		require.NoError(t, lm.Stop())
	})

	t.Run("should refuse when another live process owns the PID file", func(t *testing.T) {
		lm := setupTestLifecycle(t)
		require.NoError(t, os.MkdirAll(lm.daemon.config.DataDir, 0700))
		require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(os.Getppid())), 0644))

		err := lm.Start()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})

	t.Run("should take over a stale PID file", func(t *testing.T) {
		lm := setupTestLifecycle(t)
		require.NoError(t, os.MkdirAll(lm.daemon.config.DataDir, 0700))
		require.NoError(t, os.WriteFile(lm.pidFile, []byte("not-a-pid"), 0644))

		require.NoError(t, lm.Start())
		pid, err := ReadPID(lm.pidFile)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	t.Run("should trim whitespace", func(t *testing.T) {
		path := filepath.Join(dir, "ok.pid")
		require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0644))
		pid, err := ReadPID(path)
		require.NoError(t, err)
		assert.Equal(t, 4242, pid)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		path := filepath.Join(dir, "bad.pid")
		require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))
		_, err := ReadPID(path)
		assert.Error(t, err)
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		_, err := ReadPID(filepath.Join(dir, "missing.pid"))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
