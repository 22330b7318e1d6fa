package process_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stupid-simple/deploy/process"
)

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func TestStartStopAlive(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "server.pid")

	pid, err := process.Start(process.StartParams{
		Dir:     dir,
		Command: "sleep",
		Args:    []string{"30"},
		PidFile: pidFile,
	}, testLogger(t))
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	gotPid, alive := process.Alive(pidFile)
	assert.True(t, alive)
	assert.Equal(t, pid, gotPid)

	err = process.Stop(pidFile, 2*time.Second, testLogger(t))
	require.NoError(t, err)

	_, alive = process.Alive(pidFile)
	assert.False(t, alive)
	assert.NoFileExists(t, pidFile)
}

func TestStart_CommandNotFound(t *testing.T) {
	_, err := process.Start(process.StartParams{
		Dir:     t.TempDir(),
		Command: "definitely-not-a-real-binary",
	}, testLogger(t))
	assert.Error(t, err)
}

func TestStop_NotRunning(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "server.pid")

	err := process.Stop(pidFile, time.Second, testLogger(t))
	assert.ErrorIs(t, err, process.ErrNotRunning)

	// Stale pidfile pointing at a dead pid behaves the same.
	require.NoError(t, os.WriteFile(pidFile, []byte("999999"), 0644))
	err = process.Stop(pidFile, time.Second, testLogger(t))
	assert.ErrorIs(t, err, process.ErrNotRunning)
}

func TestAlive_BadPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "server.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0644))

	_, alive := process.Alive(pidFile)
	assert.False(t, alive)
}
